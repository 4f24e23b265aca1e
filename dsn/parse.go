package dsn

import (
	"net/url"
	"strconv"
	"strings"
)

// Config is a decomposed DSN.
type Config struct {
	// Scheme is the scheme exactly as written, case preserved.
	Scheme string
	// Host is the host without port or IPv6 brackets.
	Host string
	// Port is zero when the DSN has no port.
	Port int
	// User is nil when the DSN has no userinfo. A password is present
	// only if User.Password reports ok. Username and password are kept
	// exactly as written, without percent-decoding.
	User *url.Userinfo
	// Query holds the decoded query. On duplicate keys the last value wins.
	Query map[string]string
}

// HasPassword reports whether the DSN carried a password.
func (c *Config) HasPassword() bool {
	_, ok := c.User.Password()
	return ok
}

// Parse decomposes raw into a Config. It fails with a *MalformedError when
// raw is not a URL, has no scheme or host, or has a port outside 1-65535.
func Parse(raw string) (*Config, error) {
	rest, user := splitUserinfo(raw)
	u, err := url.Parse(rest)
	if err != nil {
		return nil, &MalformedError{DSN: raw, Err: err}
	}
	if u.Scheme == "" || u.Hostname() == "" {
		return nil, &MalformedError{DSN: raw}
	}

	cfg := &Config{
		// url.Parse lower-cases the scheme; matching is case-sensitive.
		Scheme: raw[:len(u.Scheme)],
		Host:   u.Hostname(),
		User:   user,
	}

	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return nil, &MalformedError{DSN: raw, Err: err}
		}
		cfg.Port = port
	}

	if u.RawQuery != "" {
		cfg.Query = decodeQuery(u.RawQuery)
	}

	return cfg, nil
}

// splitUserinfo cuts the userinfo out of the authority of raw. The part
// before the last '@' is split on the first ':' into user and password.
func splitUserinfo(raw string) (string, *url.Userinfo) {
	i := strings.Index(raw, "://")
	if i < 0 {
		return raw, nil
	}
	start := i + len("://")
	end := len(raw)
	if j := strings.IndexAny(raw[start:], "/?#"); j >= 0 {
		end = start + j
	}
	at := strings.LastIndexByte(raw[start:end], '@')
	if at < 0 {
		return raw, nil
	}

	info := raw[start : start+at]
	rest := raw[:start] + raw[start+at+1:]
	if name, pass, ok := strings.Cut(info, ":"); ok {
		return rest, url.UserPassword(name, pass)
	}
	return rest, url.User(info)
}

// decodeQuery keeps every pair url.ParseQuery managed to decode; a bad
// pair does not invalidate the DSN.
func decodeQuery(raw string) map[string]string {
	values, _ := url.ParseQuery(raw)

	query := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			query[k] = v[len(v)-1]
		}
	}
	return query
}
