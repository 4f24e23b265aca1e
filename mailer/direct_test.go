package mailer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLookupMX(t *testing.T) {
	server := startDNSServer(t, map[string][]string{
		"example.test.": {
			"example.test. 300 IN MX 20 mx2.example.test.",
			"example.test. 300 IN MX 10 mx1.example.test.",
			"example.test. 300 IN MX 20 mx3.example.test.",
		},
		"implicit.test.": {"implicit.test. 300 IN A 192.0.2.1"},
		"null.test.":     {"null.test. 300 IN MX 0 ."},
		"nulls.test.": {
			"nulls.test. 300 IN MX 0 .",
			"nulls.test. 300 IN MX 10 .",
		},
	})

	cases := []struct {
		name    string
		domain  string
		want    []string
		wantErr bool
	}{
		{"sorted by preference", "example.test", []string{"mx1.example.test", "mx2.example.test", "mx3.example.test"}, false},
		{"implicit MX", "implicit.test", []string{"implicit.test"}, false},
		{"nxdomain", "missing.test", nil, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := lookupMX(context.Background(), server, c.domain, 2*time.Second)
			if (err != nil) != c.wantErr {
				t.Fatalf("lookupMX(%q) error = %v, wantErr %v", c.domain, err, c.wantErr)
			}
			if diff := cmp.Diff(got, c.want); diff != "" {
				t.Errorf("lookupMX(%q) mismatch\ndiff (-got +want):\n%v", c.domain, diff)
			}
		})
	}

	for _, domain := range []string{"null.test", "nulls.test"} {
		t.Run("null MX "+domain, func(t *testing.T) {
			hosts, err := lookupMX(context.Background(), server, domain, 2*time.Second)
			if !errors.Is(err, ErrNullMX) {
				t.Fatalf("lookupMX(%s) = %v, %v, want ErrNullMX", domain, hosts, err)
			}
		})
	}
}

func TestGroupByDomain(t *testing.T) {
	got := groupByDomain([]string{"a@one.test", "b@Two.test", "c@ONE.test"})
	want := []domainRcpts{
		{domain: "one.test", rcpts: []string{"a@one.test", "c@ONE.test"}},
		{domain: "two.test", rcpts: []string{"b@Two.test"}},
	}
	if diff := cmp.Diff(got, want, cmp.AllowUnexported(domainRcpts{})); diff != "" {
		t.Errorf("groupByDomain() mismatch\ndiff (-got +want):\n%v", diff)
	}
}

func TestResolverAddr(t *testing.T) {
	cases := []struct {
		resolver string
		want     string
	}{
		{"127.0.0.1:5353", "127.0.0.1:5353"},
		{"127.0.0.1", "127.0.0.1:53"},
		{"::1", "[::1]:53"},
		{"[::1]:5353", "[::1]:5353"},
	}
	for _, c := range cases {
		got, err := New(WithResolver(c.resolver)).resolverAddr()
		if err != nil {
			t.Fatalf("resolverAddr(%q) error = %v", c.resolver, err)
		}
		if got != c.want {
			t.Errorf("resolverAddr(%q) = %q, want %q", c.resolver, got, c.want)
		}
	}
}

func TestDirectTransport(t *testing.T) {
	be := &testBackend{}
	smtpAddr := startSMTPServer(t, be, selfSignedTLS(t), false)

	// 127.0.0.2 has no listener, so delivery falls back to the second MX.
	dnsAddr := startDNSServer(t, map[string][]string{
		"example.test.": {
			"example.test. 300 IN MX 5 127.0.0.2.",
			"example.test. 300 IN MX 10 127.0.0.1.",
		},
		"null.test.": {"null.test. 300 IN MX 0 ."},
	})

	m := New(
		WithResolver(dnsAddr),
		WithMXPort(portOf(t, smtpAddr)),
		WithTimeout(2*time.Second),
		WithSPFCheck(true),
	)

	t.Run("delivers to MX", func(t *testing.T) {
		msg := &Message{
			From:    "alice@sender.test",
			To:      []string{"bob@example.test"},
			Subject: "direct",
			Text:    "hello",
		}
		if err := m.Send(context.Background(), msg); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
		msgs := be.messages()
		if len(msgs) != 1 {
			t.Fatalf("server got %d messages, want 1", len(msgs))
		}
		if diff := cmp.Diff(msgs[0].To, []string{"bob@example.test"}); diff != "" {
			t.Errorf("RCPT TO mismatch\ndiff (-got +want):\n%v", diff)
		}
		if !msgs[0].TLS {
			t.Errorf("delivery did not use STARTTLS")
		}
	})

	t.Run("partial failure", func(t *testing.T) {
		msg := &Message{
			From:    "alice@sender.test",
			To:      []string{"carol@example.test", "nobody@null.test"},
			Subject: "direct",
			Text:    "hello",
		}
		err := m.Send(context.Background(), msg)
		if !errors.Is(err, ErrNullMX) {
			t.Fatalf("Send() error = %v, want ErrNullMX", err)
		}
		if !strings.Contains(err.Error(), "null.test") {
			t.Errorf("error %q does not name the failing domain", err)
		}
		msgs := be.messages()
		if len(msgs) != 2 {
			t.Fatalf("server got %d messages, want 2", len(msgs))
		}
		if diff := cmp.Diff(msgs[1].To, []string{"carol@example.test"}); diff != "" {
			t.Errorf("RCPT TO mismatch\ndiff (-got +want):\n%v", diff)
		}
	})
}
