package dsn

import "fmt"

// SecureMode is the transport security of an SMTP session.
type SecureMode int

const (
	SecureNone SecureMode = iota
	SecureTLS
)

// String returns "none" or "tls".
func (m SecureMode) String() string {
	switch m {
	case SecureNone:
		return "none"
	case SecureTLS:
		return "tls"
	default:
		return fmt.Sprintf("SecureMode(%d)", int(m))
	}
}

// Mailer is what Configure needs from a transport holder. The Use methods
// switch the active transport; the setters are only called for SMTP.
type Mailer interface {
	UseDirectMail()
	UseSendmail()
	UseQmail()
	UseSMTP()

	SetHost(host string)
	SetPort(port int)
	SetSecure(mode SecureMode)
	SetAuth(enabled bool)
	SetUsername(username string)
	SetPassword(password string)

	// DefaultSecurePort is the port used for smtps when the DSN has none.
	DefaultSecurePort() int
}

// Configure parses raw and applies it to m, returning m for chaining.
//
// The DSN is fully validated before m is touched, so on error m is left
// exactly as it was. Errors are *MalformedError or *SchemeError.
func Configure[M Mailer](m M, raw string) (M, error) {
	cfg, err := Parse(raw)
	if err != nil {
		return m, err
	}

	t, err := cfg.Transport()
	if err != nil {
		return m, err
	}

	Apply(m, t)
	return m, nil
}

// Apply writes t onto m. t must be one of the Transport variants returned
// by Config.Transport; a nil t panics.
func Apply(m Mailer, t Transport) {
	switch t := t.(type) {
	case nil:
		panic("dsn: nil transport")
	case MailTransport:
		m.UseDirectMail()
	case SendmailTransport:
		m.UseSendmail()
	case QmailTransport:
		m.UseQmail()
	case SMTPTransport:
		m.UseSMTP()
		applySMTP(m, t)
	default:
		panic(fmt.Sprintf("dsn: unknown transport %T", t))
	}
}

func applySMTP(m Mailer, t SMTPTransport) {
	if t.Secure {
		m.SetSecure(SecureTLS)
	}

	m.SetHost(t.Host)

	switch {
	case t.Port != 0:
		m.SetPort(t.Port)
	case t.Secure:
		m.SetPort(m.DefaultSecurePort())
	}

	// A DSN can only carry a password inside userinfo, so a non-nil User
	// covers both "user present" and "password present".
	m.SetAuth(t.User != nil)

	if t.User == nil {
		return
	}
	m.SetUsername(t.User.Username())
	if pass, ok := t.User.Password(); ok {
		m.SetPassword(pass)
	}
}
