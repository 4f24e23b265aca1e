package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"braces.dev/errtrace"
	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"maildsn/mailer"
)

const defaultDSN = "mail://localhost"

func newLogger(level string, w io.Writer) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

// loadConfig decodes path. A missing file is only an error when the path
// was given explicitly.
func loadConfig(path string, explicit bool) (Config, error) {
	cfg := Config{Mailer: MailerConfig{DSN: defaultDSN}}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, errtrace.Errorf("load config %s: %w", path, err)
	}
	if cfg.Mailer.DSN == "" {
		cfg.Mailer.DSN = defaultDSN
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func setupDKIM(cfg DKIMConfig, log zerolog.Logger) (*mailer.DKIMSigner, error) {
	if cfg.KeyPath == "" {
		return nil, nil
	}

	created := false
	if cfg.Generate {
		var err error
		if created, err = mailer.EnsureDKIMKey(cfg.KeyPath); err != nil {
			return nil, errtrace.Wrap(err)
		}
	}

	s, err := mailer.LoadDKIMSigner(cfg.KeyPath, cfg.Domain, cfg.Selector)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	if created {
		selector := cfg.Selector
		if selector == "" {
			selector = mailer.DefaultDKIMSelector
		}
		record, err := mailer.DKIMRecord(s.Key.Public())
		if err != nil {
			log.Warn().Err(err).Msg("failed to build DKIM record for display")
		} else {
			log.Info().
				Str("path", cfg.KeyPath).
				Str("selector", selector).
				Str("txt", record).
				Msg("DKIM key generated, publish the TXT record")
		}
	}
	return s, nil
}

func run(ctx context.Context, args []string, stdin io.Reader, stderr io.Writer) error {
	flags := flag.NewFlagSet("maildsn", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String("config", "config.toml", "path to the TOML config file")
	dsnFlag := flags.String("dsn", "", "transport DSN, overrides [mailer].dsn")
	fromFlag := flags.String("from", "", "sender address, overrides [mailer].from")
	to := flags.String("to", "", "comma-separated To recipients")
	cc := flags.String("cc", "", "comma-separated Cc recipients")
	bcc := flags.String("bcc", "", "comma-separated Bcc recipients")
	subject := flags.String("subject", "", "message subject")
	html := flags.Bool("html", false, "treat the body on stdin as HTML")
	if err := flags.Parse(args); err != nil {
		return err
	}

	explicit := false
	flags.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicit = true
		}
	})
	cfg, err := loadConfig(*configPath, explicit)
	if err != nil {
		return err
	}
	if *dsnFlag != "" {
		cfg.Mailer.DSN = *dsnFlag
	}
	if *fromFlag != "" {
		cfg.Mailer.From = *fromFlag
	}

	log := newLogger(cfg.Log.Level, stderr)

	opts := []mailer.Option{mailer.WithLogger(log)}
	if cfg.Mailer.Helo != "" {
		opts = append(opts, mailer.WithHeloName(cfg.Mailer.Helo))
	}
	if cfg.Mailer.Timeout != "" {
		d, err := time.ParseDuration(cfg.Mailer.Timeout)
		if err != nil {
			return errtrace.Errorf("invalid [mailer].timeout %q: %w", cfg.Mailer.Timeout, err)
		}
		opts = append(opts, mailer.WithTimeout(d))
	}
	signer, err := setupDKIM(cfg.DKIM, log)
	if err != nil {
		return err
	}
	if signer != nil {
		opts = append(opts, mailer.WithDKIM(signer))
	}

	m, err := mailer.NewFromDSN(cfg.Mailer.DSN, opts...)
	if err != nil {
		return err
	}

	body, err := io.ReadAll(stdin)
	if err != nil {
		return errtrace.Errorf("read body: %w", err)
	}
	msg := &mailer.Message{
		From:    cfg.Mailer.From,
		To:      splitList(*to),
		Cc:      splitList(*cc),
		Bcc:     splitList(*bcc),
		Subject: *subject,
	}
	if *html {
		msg.HTML = string(body)
	} else {
		msg.Text = string(body)
	}

	if err := m.Send(ctx, msg); err != nil {
		log.Debug().Msg(errtrace.FormatString(err))
		return err
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "maildsn: %v\n", err)
		os.Exit(1)
	}
}
