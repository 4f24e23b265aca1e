package dsn

import "net/url"

// Scheme names a transport mechanism.
type Scheme string

// Known schemes. Matching is case-sensitive.
const (
	SchemeMail     Scheme = "mail"
	SchemeSendmail Scheme = "sendmail"
	SchemeQmail    Scheme = "qmail"
	SchemeSMTP     Scheme = "smtp"
	SchemeSMTPS    Scheme = "smtps"
)

var schemes = []Scheme{SchemeMail, SchemeSendmail, SchemeQmail, SchemeSMTP, SchemeSMTPS}

// Schemes returns the allowed schemes in their canonical order.
func Schemes() []Scheme {
	return append([]Scheme(nil), schemes...)
}

// Valid reports whether s is one of the allowed schemes.
func (s Scheme) Valid() bool {
	for _, known := range schemes {
		if s == known {
			return true
		}
	}
	return false
}

// Transport is the transport a DSN selects. It is implemented only by
// MailTransport, SendmailTransport, QmailTransport and SMTPTransport.
type Transport interface {
	Scheme() Scheme
	transport()
}

// MailTransport selects direct mail delivery.
type MailTransport struct{}

// SendmailTransport selects the sendmail binary.
type SendmailTransport struct{}

// QmailTransport selects qmail.
type QmailTransport struct{}

// SMTPTransport selects an SMTP session with the given parameters.
type SMTPTransport struct {
	// Secure is set for smtps.
	Secure bool
	Host   string
	// Port is zero when the DSN has no port.
	Port int
	// User is nil when the DSN has no credentials.
	User *url.Userinfo
}

func (MailTransport) Scheme() Scheme     { return SchemeMail }
func (SendmailTransport) Scheme() Scheme { return SchemeSendmail }
func (QmailTransport) Scheme() Scheme    { return SchemeQmail }

func (t SMTPTransport) Scheme() Scheme {
	if t.Secure {
		return SchemeSMTPS
	}
	return SchemeSMTP
}

func (MailTransport) transport()     {}
func (SendmailTransport) transport() {}
func (QmailTransport) transport()    {}
func (SMTPTransport) transport()     {}

// Transport resolves the scheme into its transport variant. It fails with
// a *SchemeError for unknown schemes.
func (c *Config) Transport() (Transport, error) {
	switch Scheme(c.Scheme) {
	case SchemeMail:
		return MailTransport{}, nil
	case SchemeSendmail:
		return SendmailTransport{}, nil
	case SchemeQmail:
		return QmailTransport{}, nil
	case SchemeSMTP, SchemeSMTPS:
		return SMTPTransport{
			Secure: Scheme(c.Scheme) == SchemeSMTPS,
			Host:   c.Host,
			Port:   c.Port,
			User:   c.User,
		}, nil
	default:
		return nil, &SchemeError{Scheme: c.Scheme}
	}
}
