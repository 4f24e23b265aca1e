// Package mailer sends messages over one of four transports: direct MX
// delivery, a sendmail binary, qmail-inject, or an SMTP relay.
//
// A Mailer implements dsn.Mailer, so the transport can be selected from a
// DSN with NewFromDSN or dsn.Configure.
package mailer

import (
	"context"
	"fmt"
	"time"

	"braces.dev/errtrace"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"maildsn/dsn"
)

// DefaultSecurePort is the implicit-TLS submission port (RFC 8314).
const DefaultSecurePort = 465

// Mode is the active transport.
type Mode int

const (
	ModeMail Mode = iota
	ModeSendmail
	ModeQmail
	ModeSMTP
)

// String returns the DSN scheme that selects the mode.
func (m Mode) String() string {
	switch m {
	case ModeMail:
		return "mail"
	case ModeSendmail:
		return "sendmail"
	case ModeQmail:
		return "qmail"
	case ModeSMTP:
		return "smtp"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Mailer holds the transport settings. It is not safe to change settings
// while Send is running.
type Mailer struct {
	mode Mode

	// SMTP relay settings.
	Host     string
	Port     int
	Secure   dsn.SecureMode
	Auth     bool
	Username string
	Password string

	HeloName           string
	Timeout            time.Duration
	InsecureSkipVerify bool

	SendmailPath string
	QmailPath    string

	// Direct delivery settings. Resolver is a DNS server address; empty
	// means the first nameserver in /etc/resolv.conf.
	Resolver string
	MXPort   int
	SPFCheck bool

	DKIM *DKIMSigner

	log zerolog.Logger
}

// Option configures a Mailer.
type Option func(*Mailer)

// WithLogger sets the structured logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Mailer) { m.log = l }
}

// WithHeloName sets the name sent in EHLO.
func WithHeloName(name string) Option {
	return func(m *Mailer) { m.HeloName = name }
}

// WithTimeout bounds dialing and every SMTP command.
func WithTimeout(d time.Duration) Option {
	return func(m *Mailer) { m.Timeout = d }
}

// WithInsecureSkipVerify disables certificate verification for the relay.
func WithInsecureSkipVerify(skip bool) Option {
	return func(m *Mailer) { m.InsecureSkipVerify = skip }
}

// WithSendmailPath sets the sendmail binary.
func WithSendmailPath(path string) Option {
	return func(m *Mailer) { m.SendmailPath = path }
}

// WithQmailPath sets the qmail-inject binary.
func WithQmailPath(path string) Option {
	return func(m *Mailer) { m.QmailPath = path }
}

// WithResolver sets the DNS server used for MX lookups, as host:port.
func WithResolver(addr string) Option {
	return func(m *Mailer) { m.Resolver = addr }
}

// WithMXPort sets the port used for direct delivery.
func WithMXPort(port int) Option {
	return func(m *Mailer) { m.MXPort = port }
}

// WithSPFCheck enables the SPF preflight before direct delivery.
func WithSPFCheck(enabled bool) Option {
	return func(m *Mailer) { m.SPFCheck = enabled }
}

// WithDKIM signs every outgoing message.
func WithDKIM(s *DKIMSigner) Option {
	return func(m *Mailer) { m.DKIM = s }
}

// New returns a Mailer in direct mail mode with default settings.
func New(opts ...Option) *Mailer {
	m := &Mailer{
		mode:         ModeMail,
		Host:         "localhost",
		Port:         25,
		HeloName:     "localhost",
		Timeout:      30 * time.Second,
		SendmailPath: "/usr/sbin/sendmail",
		QmailPath:    "/var/qmail/bin/qmail-inject",
		MXPort:       25,
		log:          zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Mode returns the active transport.
func (m *Mailer) Mode() Mode { return m.mode }

func (m *Mailer) UseDirectMail() { m.mode = ModeMail }
func (m *Mailer) UseSendmail()   { m.mode = ModeSendmail }
func (m *Mailer) UseQmail()      { m.mode = ModeQmail }
func (m *Mailer) UseSMTP()       { m.mode = ModeSMTP }

func (m *Mailer) SetHost(host string)           { m.Host = host }
func (m *Mailer) SetPort(port int)              { m.Port = port }
func (m *Mailer) SetSecure(mode dsn.SecureMode) { m.Secure = mode }
func (m *Mailer) SetAuth(enabled bool)          { m.Auth = enabled }
func (m *Mailer) SetUsername(username string)   { m.Username = username }
func (m *Mailer) SetPassword(password string)   { m.Password = password }

// DefaultSecurePort returns DefaultSecurePort.
func (m *Mailer) DefaultSecurePort() int { return DefaultSecurePort }

// transport delivers one rendered message to its envelope recipients.
type transport interface {
	send(ctx context.Context, env envelope, data []byte) error
}

func (m *Mailer) pickTransport(log zerolog.Logger) transport {
	switch m.mode {
	case ModeSendmail:
		return &execTransport{path: m.SendmailPath, args: sendmailArgs}
	case ModeQmail:
		return &execTransport{path: m.QmailPath, args: qmailArgs}
	case ModeSMTP:
		return &smtpTransport{m: m, log: log}
	default:
		return &directTransport{m: m, log: log}
	}
}

// Send renders msg, signs it when DKIM is configured and hands it to the
// active transport.
func (m *Mailer) Send(ctx context.Context, msg *Message) error {
	env, err := msg.envelope()
	if err != nil {
		return errtrace.Wrap(err)
	}

	log := m.log.With().
		Str("send_id", uuid.NewString()).
		Stringer("mode", m.mode).
		Str("from", env.from).
		Int("recipients", len(env.to)).
		Logger()

	// Exec transports read recipients from the headers (-t), so they need
	// to see Bcc; SMTP transports must not leak it.
	withBcc := m.mode == ModeSendmail || m.mode == ModeQmail
	data, err := msg.render(withBcc)
	if err != nil {
		return errtrace.Errorf("render message: %w", err)
	}

	if m.DKIM != nil {
		signed, err := m.DKIM.Sign(data, env.from)
		if err != nil {
			log.Warn().Err(err).Msg("DKIM signing failed, sending unsigned")
		} else {
			data = signed
		}
	}

	if err := m.pickTransport(log).send(ctx, env, data); err != nil {
		log.Error().Err(err).Msg("delivery failed")
		return errtrace.Wrap(err)
	}

	log.Info().Int("bytes", len(data)).Msg("message sent")
	return nil
}
