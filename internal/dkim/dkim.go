// Package dkim signs outgoing newsletters for the sender domain.
package dkim

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"fmt"
	"net/mail"
	"strings"

	"github.com/emersion/go-msgauth/dkim"
)

// Signer adds a DKIM-Signature header for a single domain
type Signer struct {
	key      *rsa.PrivateKey
	domain   string
	selector string
}

// NewSigner creates a signer for domain using the given selector
func NewSigner(key *rsa.PrivateKey, domain, selector string) *Signer {
	return &Signer{
		key:      key,
		domain:   strings.ToLower(domain),
		selector: selector,
	}
}

// Load reads the PEM key at keyFile and returns a signer
func Load(keyFile, domain, selector string) (*Signer, error) {
	key, err := ReadKey(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load DKIM key: %w", err)
	}
	return NewSigner(key, domain, selector), nil
}

// Applies reports whether the signer's domain matches the sender address,
// either exactly or as a parent domain
func (s *Signer) Applies(from string) bool {
	addr := from
	if parsed, err := mail.ParseAddress(from); err == nil {
		addr = parsed.Address
	}
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return false
	}
	domain := strings.ToLower(addr[at+1:])
	return domain == s.domain || strings.HasSuffix(domain, "."+s.domain)
}

// Sign returns message with a relaxed/relaxed rsa-sha256 signature prepended
func (s *Signer) Sign(message []byte) ([]byte, error) {
	options := &dkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.key,
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
		HeaderKeys:             []string{"From", "To", "Subject", "Date", "Message-ID", "MIME-Version", "Content-Type"},
	}

	var out bytes.Buffer
	if err := dkim.Sign(&out, bytes.NewReader(message), options); err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	return out.Bytes(), nil
}

func (s *Signer) Domain() string {
	return s.domain
}

func (s *Signer) Selector() string {
	return s.selector
}
