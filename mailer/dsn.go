package mailer

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"braces.dev/errtrace"

	"maildsn/dsn"
)

// NewFromDSN returns a Mailer whose transport is selected by raw.
//
// Query parameters set transport options:
//
//	helo                  EHLO name
//	timeout               dial and command timeout, as a Go duration
//	insecure_skip_verify  skip relay certificate verification
//	path                  sendmail or qmail-inject binary
//	resolver              DNS server for MX lookups
//	mx_port               port for direct delivery
//	spf_check             SPF preflight before direct delivery
//
// Unknown parameters are logged and ignored. opts are applied after the
// query parameters, so they take precedence.
func NewFromDSN(raw string, opts ...Option) (*Mailer, error) {
	cfg, err := dsn.Parse(raw)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	t, err := cfg.Transport()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	queryOpts, unknown, err := queryOptions(cfg.Query)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	m := New(append(queryOpts, opts...)...)
	for _, k := range unknown {
		m.log.Warn().Str("option", k).Msg("ignoring unknown DSN option")
	}
	dsn.Apply(m, t)

	m.log.Debug().
		Str("scheme", string(t.Scheme())).
		Stringer("mode", m.mode).
		Str("host", m.Host).
		Int("port", m.Port).
		Bool("auth", m.Auth).
		Msg("transport configured")
	return m, nil
}

// queryOptions maps DSN query parameters to options. It returns the
// unrecognised keys in sorted order.
func queryOptions(query map[string]string) ([]Option, []string, error) {
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var (
		opts    []Option
		unknown []string
	)
	for _, k := range keys {
		v := query[k]
		switch k {
		case "helo":
			opts = append(opts, WithHeloName(v))
		case "timeout":
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				return nil, nil, invalidOption(k, v)
			}
			opts = append(opts, WithTimeout(d))
		case "insecure_skip_verify":
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, nil, invalidOption(k, v)
			}
			opts = append(opts, WithInsecureSkipVerify(b))
		case "path":
			opts = append(opts, WithSendmailPath(v), WithQmailPath(v))
		case "resolver":
			opts = append(opts, WithResolver(v))
		case "mx_port":
			p, err := strconv.Atoi(v)
			if err != nil || p < 1 || p > 65535 {
				return nil, nil, invalidOption(k, v)
			}
			opts = append(opts, WithMXPort(p))
		case "spf_check":
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, nil, invalidOption(k, v)
			}
			opts = append(opts, WithSPFCheck(b))
		default:
			unknown = append(unknown, k)
		}
	}
	return opts, unknown, nil
}

func invalidOption(key, value string) error {
	return fmt.Errorf("invalid DSN option %s=%q", key, value)
}
