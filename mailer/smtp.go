package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"time"

	"braces.dev/errtrace"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog"

	"maildsn/dsn"
)

// ErrAuthUnsupported is returned when authentication is enabled but the
// server does not advertise AUTH.
var ErrAuthUnsupported = errors.New("authentication required but server did not advertise AUTH extension")

// smtpTransport relays through the configured SMTP server.
type smtpTransport struct {
	m   *Mailer
	log zerolog.Logger
}

func (t *smtpTransport) send(ctx context.Context, env envelope, data []byte) error {
	addr := net.JoinHostPort(t.m.Host, strconv.Itoa(t.m.Port))
	tlsConfig := &tls.Config{ServerName: t.m.Host, InsecureSkipVerify: t.m.InsecureSkipVerify}

	conn, err := dial(ctx, addr, t.m.Timeout)
	if err != nil {
		return ctxErr(ctx, err)
	}
	if t.m.Secure == dsn.SecureTLS {
		t.log.Debug().Str("addr", addr).Msg("connecting via implicit TLS")
		conn = tls.Client(conn, tlsConfig)
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c := newClient(conn, t.m.Timeout)
	defer c.Close()

	if err := c.Hello(t.m.HeloName); err != nil {
		return ctxErr(ctx, errtrace.Errorf("hello %s: %w", addr, err))
	}

	if t.m.Secure != dsn.SecureTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(tlsConfig); err != nil {
				return ctxErr(ctx, errtrace.Errorf("starttls %s: %w", addr, err))
			}
		}
	}

	if t.m.Auth {
		if ok, _ := c.Extension("AUTH"); !ok {
			return ErrAuthUnsupported
		}
		if err := c.Auth(sasl.NewPlainClient("", t.m.Username, t.m.Password)); err != nil {
			return ctxErr(ctx, errtrace.Errorf("auth: %w", err))
		}
	}

	return ctxErr(ctx, deliver(c, env.from, env.to, data, t.log))
}

func dial(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	d := &net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errtrace.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

func newClient(conn net.Conn, timeout time.Duration) *smtp.Client {
	c := smtp.NewClient(conn)
	c.CommandTimeout = timeout
	c.SubmissionTimeout = timeout
	return c
}

// deliver runs one MAIL/RCPT/DATA transaction. A failing QUIT after the
// message was accepted is only logged.
func deliver(c *smtp.Client, from string, to []string, data []byte, log zerolog.Logger) error {
	if err := c.Mail(from, nil); err != nil {
		return errtrace.Errorf("mail from %s: %w", from, err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return errtrace.Errorf("rcpt to %s: %w", rcpt, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return errtrace.Errorf("data: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return errtrace.Errorf("data: %w", err)
	}
	if err := w.Close(); err != nil {
		return errtrace.Errorf("data: %w", err)
	}

	if err := c.Quit(); err != nil {
		log.Debug().Err(err).Msg("quit failed after delivery")
	}
	return nil
}

// ctxErr prefers the context error once the context is done, since the
// connection was closed underneath the client.
func ctxErr(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil {
		return errtrace.Wrap(ctx.Err())
	}
	return err
}
