package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"braces.dev/errtrace"
	"github.com/emersion/go-msgauth/dmarc"
	"github.com/miekg/dns"
	"github.com/mileusna/spf"
	"github.com/rs/zerolog"
)

var (
	// ErrNullMX is returned for domains that publish a null MX (RFC 7505).
	ErrNullMX = errors.New("domain does not accept mail (null MX)")
	// ErrSPFFail is returned when the SPF preflight rejects the local address.
	ErrSPFFail = errors.New("SPF check failed")
)

const resolvConf = "/etc/resolv.conf"

// directTransport delivers straight to each recipient domain's MX hosts.
type directTransport struct {
	m   *Mailer
	log zerolog.Logger
}

type domainRcpts struct {
	domain string
	rcpts  []string
}

// groupByDomain keeps the first-seen order of domains.
func groupByDomain(to []string) []domainRcpts {
	var groups []domainRcpts
	index := make(map[string]int)
	for _, rcpt := range to {
		d := strings.ToLower(domainOf(rcpt))
		i, ok := index[d]
		if !ok {
			i = len(groups)
			index[d] = i
			groups = append(groups, domainRcpts{domain: d})
		}
		groups[i].rcpts = append(groups[i].rcpts, rcpt)
	}
	return groups
}

func domainOf(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 {
		return addr[i+1:]
	}
	return ""
}

func (t *directTransport) send(ctx context.Context, env envelope, data []byte) error {
	server, err := t.m.resolverAddr()
	if err != nil {
		return errtrace.Wrap(err)
	}

	var errs []error
	for _, g := range groupByDomain(env.to) {
		log := t.log.With().Str("domain", g.domain).Logger()
		if err := t.sendDomain(ctx, server, env.from, g, data, log); err != nil {
			if ctx.Err() != nil {
				return errtrace.Wrap(ctx.Err())
			}
			log.Warn().Err(err).Msg("direct delivery failed")
			errs = append(errs, errtrace.Errorf("%s: %w", g.domain, err))
		}
	}
	return errors.Join(errs...)
}

func (t *directTransport) sendDomain(ctx context.Context, server, from string, g domainRcpts, data []byte, log zerolog.Logger) error {
	if g.domain == "" {
		return errtrace.Errorf("no domain in recipient %q", g.rcpts[0])
	}
	hosts, err := lookupMX(ctx, server, g.domain, t.m.Timeout)
	if err != nil {
		return errtrace.Wrap(err)
	}

	var lastErr error
	for _, host := range hosts {
		addr := net.JoinHostPort(host, strconv.Itoa(t.m.MXPort))
		log.Debug().Str("mx", addr).Msg("attempting delivery")

		err := t.sendHost(ctx, addr, host, from, g.rcpts, data, log)
		if err == nil {
			log.Info().Str("mx", addr).Msg("delivered to MX")
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, ErrSPFFail) {
			return err
		}
		log.Debug().Err(err).Str("mx", addr).Msg("MX host failed")
		lastErr = err
	}
	return errtrace.Errorf("all MX hosts failed: %w", lastErr)
}

func (t *directTransport) sendHost(ctx context.Context, addr, host, from string, rcpts []string, data []byte, log zerolog.Logger) error {
	conn, err := dial(ctx, addr, t.m.Timeout)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if t.m.SPFCheck {
		if err := t.checkSPF(conn.LocalAddr(), from, log); err != nil {
			conn.Close()
			return err
		}
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c := newClient(conn, t.m.Timeout)
	defer c.Close()

	if err := c.Hello(t.m.HeloName); err != nil {
		return ctxErr(ctx, errtrace.Errorf("hello %s: %w", addr, err))
	}
	// Opportunistic: MX certificates are rarely valid for the MX name.
	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host, InsecureSkipVerify: true}); err != nil {
			return ctxErr(ctx, errtrace.Errorf("starttls %s: %w", addr, err))
		}
	}
	return ctxErr(ctx, deliver(c, from, rcpts, data, log))
}

// checkSPF evaluates the sender domain's policy for the local address of
// an outbound connection. Loopback and private addresses are not checked.
func (t *directTransport) checkSPF(local net.Addr, from string, log zerolog.Logger) error {
	tcp, ok := local.(*net.TCPAddr)
	if !ok || tcp.IP.IsLoopback() || tcp.IP.IsPrivate() {
		return nil
	}
	domain := domainOf(from)

	res := spf.CheckHost(tcp.IP, domain, from, t.m.HeloName)
	switch res {
	case spf.Fail:
		return errtrace.Errorf("%w: %s does not permit %s", ErrSPFFail, domain, tcp.IP)
	case spf.Softfail:
		rec, err := dmarc.Lookup(domain)
		if err == nil && (rec.Policy == dmarc.PolicyReject || rec.Policy == dmarc.PolicyQuarantine) {
			return errtrace.Errorf("%w: softfail for %s with DMARC policy %s", ErrSPFFail, domain, rec.Policy)
		}
		log.Warn().Str("spf", fmt.Sprint(res)).Str("ip", tcp.IP.String()).Msg("SPF softfail, delivering anyway")
	}
	return nil
}

func (m *Mailer) resolverAddr() (string, error) {
	if m.Resolver != "" {
		if _, _, err := net.SplitHostPort(m.Resolver); err != nil {
			return net.JoinHostPort(m.Resolver, "53"), nil
		}
		return m.Resolver, nil
	}
	conf, err := dns.ClientConfigFromFile(resolvConf)
	if err != nil {
		return "", errtrace.Errorf("read %s: %w", resolvConf, err)
	}
	if len(conf.Servers) == 0 {
		return "", errtrace.Errorf("no nameservers in %s", resolvConf)
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}

// lookupMX returns the mail hosts for domain ordered by preference. A
// domain without MX records is its own mail host (RFC 5321 section 5.1).
func lookupMX(ctx context.Context, server, domain string, timeout time.Duration) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeMX)

	client := &dns.Client{Timeout: timeout}
	in, _, err := client.ExchangeContext(ctx, msg, server)
	if err == nil && in.Truncated {
		client.Net = "tcp"
		in, _, err = client.ExchangeContext(ctx, msg, server)
	}
	if err != nil {
		return nil, errtrace.Errorf("mx lookup for %s: %w", domain, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, errtrace.Errorf("mx lookup for %s: %s", domain, dns.RcodeToString[in.Rcode])
	}

	var mxs []*dns.MX
	for _, rr := range in.Answer {
		if mx, ok := rr.(*dns.MX); ok {
			mxs = append(mxs, mx)
		}
	}
	if len(mxs) == 0 {
		return []string{domain}, nil
	}
	sort.SliceStable(mxs, func(i, j int) bool { return mxs[i].Preference < mxs[j].Preference })
	hosts := make([]string, 0, len(mxs))
	for _, mx := range mxs {
		if mx.Mx == "." {
			continue
		}
		hosts = append(hosts, strings.TrimSuffix(mx.Mx, "."))
	}
	if len(hosts) == 0 {
		return nil, errtrace.Wrap(ErrNullMX)
	}
	return hosts, nil
}
