package main

// Config holds the application configuration.
type Config struct {
	Mailer MailerConfig `toml:"mailer"`
	DKIM   DKIMConfig   `toml:"dkim"`
	Log    LogConfig    `toml:"log"`
}

// MailerConfig selects the transport and envelope sender.
type MailerConfig struct {
	DSN     string `toml:"dsn"`
	From    string `toml:"from"`
	Helo    string `toml:"helo"`    // EHLO identity
	Timeout string `toml:"timeout"` // Go duration, e.g. "30s"
}

// DKIMConfig enables signing when KeyPath is set.
type DKIMConfig struct {
	KeyPath  string `toml:"key_path"`
	Selector string `toml:"selector"`
	Domain   string `toml:"domain"`
	Generate bool   `toml:"generate"`
}

type LogConfig struct {
	Level string `toml:"level"`
}
