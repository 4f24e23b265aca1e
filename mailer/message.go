package mailer

import (
	"bytes"
	"errors"
	"io"
	"sort"
	"strings"
	"time"

	"braces.dev/errtrace"
	"github.com/emersion/go-message/mail"
)

var (
	// ErrNoRecipients is returned when To, Cc and Bcc are all empty.
	ErrNoRecipients = errors.New("no recipients provided")
	// ErrNoSender is returned when Message.From is empty.
	ErrNoSender = errors.New("no sender provided")
	// ErrReservedHeader is returned when Message.Headers sets a field the
	// mailer writes itself.
	ErrReservedHeader = errors.New("header is set by the mailer")
)

// reservedHeaders are written from Message fields and covered by the DKIM
// signature.
var reservedHeaders = []string{
	"From", "To", "Cc", "Bcc", "Subject", "Date", "Message-Id",
	"Mime-Version", "Content-Type", "Content-Transfer-Encoding",
}

// Message is an email to send. Addresses use RFC 5322 syntax, with or
// without a display name.
type Message struct {
	From    string
	To      []string
	Cc      []string
	Bcc     []string
	Subject string
	// Text is the plain-text body; HTML is optional. When both are set the
	// message is multipart/alternative.
	Text string
	HTML string
	// Date defaults to the time of rendering.
	Date time.Time
	// Headers are extra header fields, written in key order. Fields the
	// mailer derives from the other Message fields are rejected.
	Headers map[string]string
}

// envelope is the SMTP envelope derived from a Message.
type envelope struct {
	from string
	to   []string
}

func (m *Message) envelope() (envelope, error) {
	if strings.TrimSpace(m.From) == "" {
		return envelope{}, ErrNoSender
	}
	from, err := mail.ParseAddress(m.From)
	if err != nil {
		return envelope{}, errtrace.Errorf("parse sender %q: %w", m.From, err)
	}

	env := envelope{from: from.Address}
	seen := make(map[string]bool)
	for _, list := range [][]string{m.To, m.Cc, m.Bcc} {
		for _, raw := range list {
			addr, err := mail.ParseAddress(raw)
			if err != nil {
				return envelope{}, errtrace.Errorf("parse recipient %q: %w", raw, err)
			}
			key := strings.ToLower(addr.Address)
			if seen[key] {
				continue
			}
			seen[key] = true
			env.to = append(env.to, addr.Address)
		}
	}
	if len(env.to) == 0 {
		return envelope{}, ErrNoRecipients
	}
	for k := range m.Headers {
		for _, r := range reservedHeaders {
			if strings.EqualFold(k, r) {
				return envelope{}, errtrace.Errorf("%w: %s", ErrReservedHeader, k)
			}
		}
	}
	return env, nil
}

func parseAddressList(list []string) ([]*mail.Address, error) {
	addrs := make([]*mail.Address, 0, len(list))
	for _, raw := range list {
		addr, err := mail.ParseAddress(raw)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// render writes the message in RFC 5322 form with CRLF line endings.
func (m *Message) render(withBcc bool) ([]byte, error) {
	var h mail.Header

	date := m.Date
	if date.IsZero() {
		date = time.Now()
	}
	h.SetDate(date)
	h.SetSubject(m.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, err
	}

	from, err := mail.ParseAddress(m.From)
	if err != nil {
		return nil, err
	}
	h.SetAddressList("From", []*mail.Address{from})

	type addressHeader struct {
		key  string
		list []string
	}
	lists := []addressHeader{{"To", m.To}, {"Cc", m.Cc}}
	if withBcc {
		lists = append(lists, addressHeader{"Bcc", m.Bcc})
	}
	for _, l := range lists {
		if len(l.list) == 0 {
			continue
		}
		addrs, err := parseAddressList(l.list)
		if err != nil {
			return nil, err
		}
		h.SetAddressList(l.key, addrs)
	}

	keys := make([]string, 0, len(m.Headers))
	for k := range m.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Set(k, m.Headers[k])
	}

	var buf bytes.Buffer
	switch {
	case m.Text != "" && m.HTML != "":
		if err := writeAlternative(&buf, h, m.Text, m.HTML); err != nil {
			return nil, err
		}
	default:
		contentType, body := "text/plain", m.Text
		if m.HTML != "" {
			contentType, body = "text/html", m.HTML
		}
		h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
		h.Set("Content-Transfer-Encoding", "quoted-printable")
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, err
		}
		if _, err := io.WriteString(w, body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func writeAlternative(w io.Writer, h mail.Header, text, html string) error {
	iw, err := mail.CreateInlineWriter(w, h)
	if err != nil {
		return err
	}

	for _, part := range []struct{ contentType, body string }{
		{"text/plain", text},
		{"text/html", html},
	} {
		var ph mail.InlineHeader
		ph.SetContentType(part.contentType, map[string]string{"charset": "utf-8"})
		ph.Set("Content-Transfer-Encoding", "quoted-printable")
		pw, err := iw.CreatePart(ph)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(pw, part.body); err != nil {
			return err
		}
		if err := pw.Close(); err != nil {
			return err
		}
	}
	return iw.Close()
}
