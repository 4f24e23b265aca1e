package mailer

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"braces.dev/errtrace"
	"github.com/emersion/go-msgauth/dkim"
)

// DefaultDKIMSelector is used when DKIMSigner.Selector is empty.
const DefaultDKIMSelector = "default"

// dkimHeaderKeys excludes Bcc, which sendmail strips after signing.
var dkimHeaderKeys = []string{
	"From", "To", "Cc", "Subject", "Date", "Message-Id",
	"Mime-Version", "Content-Type", "Content-Transfer-Encoding",
}

// DKIMSigner signs outgoing messages.
type DKIMSigner struct {
	// Domain is the signing domain; empty means the sender's domain.
	Domain   string
	Selector string
	Key      crypto.Signer
}

// EnsureDKIMKey creates a 2048-bit RSA key at path unless a file already
// exists there. It reports whether a key was created.
func EnsureDKIMKey(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, errtrace.Wrap(err)
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return false, errtrace.Errorf("generate DKIM key: %w", err)
	}
	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return false, errtrace.Errorf("write DKIM key: %w", err)
	}
	return true, nil
}

// LoadDKIMSigner reads a PEM private key (PKCS#1 RSA or PKCS#8 RSA or
// Ed25519) from path.
func LoadDKIMSigner(path, domain, selector string) (*DKIMSigner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errtrace.Errorf("read DKIM key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errtrace.Errorf("decode DKIM key %s: no PEM block", path)
	}

	var key crypto.Signer
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		var k any
		k, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		if err == nil {
			switch k := k.(type) {
			case *rsa.PrivateKey:
				key = k
			case ed25519.PrivateKey:
				key = k
			default:
				err = fmt.Errorf("unsupported key type %T", k)
			}
		}
	default:
		err = fmt.Errorf("unsupported PEM block %q", block.Type)
	}
	if err != nil {
		return nil, errtrace.Errorf("parse DKIM key %s: %w", path, err)
	}

	return &DKIMSigner{Domain: domain, Selector: selector, Key: key}, nil
}

// DKIMRecord returns the DNS TXT record value publishing pub.
func DKIMRecord(pub crypto.PublicKey) (string, error) {
	switch pub := pub.(type) {
	case *rsa.PublicKey:
		der, err := x509.MarshalPKIXPublicKey(pub)
		if err != nil {
			return "", errtrace.Wrap(err)
		}
		return "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(der), nil
	case ed25519.PublicKey:
		return "v=DKIM1; k=ed25519; p=" + base64.StdEncoding.EncodeToString(pub), nil
	default:
		return "", errtrace.Errorf("unsupported public key type %T", pub)
	}
}

// Sign returns msg with a DKIM-Signature header prepended.
func (s *DKIMSigner) Sign(msg []byte, from string) ([]byte, error) {
	domain := s.Domain
	if domain == "" {
		domain = domainOf(from)
	}
	if domain == "" {
		return nil, errtrace.Errorf("no signing domain for sender %q", from)
	}
	selector := s.Selector
	if selector == "" {
		selector = DefaultDKIMSelector
	}

	opts := &dkim.SignOptions{
		Domain:     domain,
		Selector:   selector,
		Signer:     s.Key,
		HeaderKeys: dkimHeaderKeys,
	}
	var buf bytes.Buffer
	if err := dkim.Sign(&buf, bytes.NewReader(msg), opts); err != nil {
		return nil, errtrace.Errorf("dkim sign: %w", err)
	}
	return buf.Bytes(), nil
}
