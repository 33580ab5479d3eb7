package sasl

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// CramMD5 implements the CRAM-MD5 mechanism (RFC 2195). The server
// issues one challenge; the client answers with
// "username HEX(HMAC-MD5(challenge, password))". Verification happens
// inside the mechanism because it needs the stored password.
type CramMD5 struct {
	challenge string
	lookup    PasswordLookup
	creds     *Credentials
}

// NewCramMD5 creates a CRAM-MD5 handler. The challenge embeds a strong
// nonce, the current time and the server hostname.
func NewCramMD5(hostname string, lookup PasswordLookup) *CramMD5 {
	return &CramMD5{
		challenge: fmt.Sprintf("<%s.%d@%s>", Nonce(), time.Now().Unix(), hostname),
		lookup:    lookup,
	}
}

// Name returns "CRAM-MD5".
func (c *CramMD5) Name() string {
	return "CRAM-MD5"
}

// Start issues the challenge. CRAM-MD5 has no initial response.
func (c *CramMD5) Start(initialResponse string) (string, bool, error) {
	if initialResponse != "" {
		return "", true, ErrInvalidFormat
	}
	return base64.StdEncoding.EncodeToString([]byte(c.challenge)), false, nil
}

// Next verifies the client's digest against the stored password.
func (c *CramMD5) Next(response string) (string, bool, error) {
	if response == "*" {
		return "", true, ErrCancelled
	}

	decoded, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		return "", true, ErrInvalidBase64
	}

	// The digest is the final space-separated token; the username may
	// itself contain spaces.
	idx := strings.LastIndexByte(string(decoded), ' ')
	if idx <= 0 {
		return "", true, ErrInvalidFormat
	}
	username := string(decoded[:idx])
	digest := string(decoded[idx+1:])

	if c.lookup == nil {
		return "", true, ErrUnverifiable
	}
	password, ok := c.lookup(username)
	if !ok {
		return "", true, ErrUnverifiable
	}

	mac := hmac.New(md5.New, []byte(password))
	mac.Write([]byte(c.challenge))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(digest))) {
		return "", true, ErrBadCredentials
	}

	c.creds = &Credentials{
		AuthenticationID: username,
		Password:         password,
		Verified:         true,
	}
	return "", true, nil
}

// Credentials returns the verified credentials.
func (c *CramMD5) Credentials() *Credentials {
	return c.creds
}

// Challenge exposes the clear-text challenge for tests and client use.
func (c *CramMD5) Challenge() string {
	return c.challenge
}
