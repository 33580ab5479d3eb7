package sasl

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// DigestMD5 implements the DIGEST-MD5 mechanism (RFC 2831) with
// qop=auth. The exchange is: challenge with realm and nonce, client
// digest-response, server rspauth, empty client acknowledgment.
type DigestMD5 struct {
	realm   string
	nonce   string
	lookup  PasswordLookup
	rspauth bool
	creds   *Credentials
}

// NewDigestMD5 creates a DIGEST-MD5 handler using the server hostname
// as the realm.
func NewDigestMD5(hostname string, lookup PasswordLookup) *DigestMD5 {
	return &DigestMD5{
		realm:  hostname,
		nonce:  Nonce(),
		lookup: lookup,
	}
}

// Name returns "DIGEST-MD5".
func (d *DigestMD5) Name() string {
	return "DIGEST-MD5"
}

// Start issues the digest challenge. DIGEST-MD5 has no initial response.
func (d *DigestMD5) Start(initialResponse string) (string, bool, error) {
	if initialResponse != "" {
		return "", true, ErrInvalidFormat
	}
	challenge := fmt.Sprintf(
		`realm="%s",nonce="%s",qop="auth",charset=utf-8,algorithm=md5-sess`,
		d.realm, d.nonce,
	)
	return base64.StdEncoding.EncodeToString([]byte(challenge)), false, nil
}

// Next verifies the digest-response, then sends rspauth and waits for
// the client's empty acknowledgment.
func (d *DigestMD5) Next(response string) (string, bool, error) {
	if response == "*" {
		return "", true, ErrCancelled
	}
	if d.rspauth {
		// Final empty (or ignored) acknowledgment after rspauth.
		return "", true, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		return "", true, ErrInvalidBase64
	}

	fields := parseDigestResponse(string(decoded))
	username := fields["username"]
	cnonce := fields["cnonce"]
	nc := fields["nc"]
	uri := fields["digest-uri"]
	proof := fields["response"]
	if username == "" || cnonce == "" || nc == "" || uri == "" || proof == "" {
		return "", true, ErrInvalidFormat
	}
	if fields["nonce"] != d.nonce {
		return "", true, ErrBadCredentials
	}
	qop := fields["qop"]
	if qop == "" {
		qop = "auth"
	}
	realm := fields["realm"]

	if d.lookup == nil {
		return "", true, ErrUnverifiable
	}
	password, ok := d.lookup(username)
	if !ok {
		return "", true, ErrUnverifiable
	}

	expected := d.computeResponse(username, realm, password, cnonce, nc, qop, uri, "AUTHENTICATE")
	if subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(proof))) != 1 {
		return "", true, ErrBadCredentials
	}

	d.creds = &Credentials{
		AuthorizationID:  fields["authzid"],
		AuthenticationID: username,
		Password:         password,
		Verified:         true,
	}
	d.rspauth = true

	rspauth := d.computeResponse(username, realm, password, cnonce, nc, qop, uri, "")
	return base64.StdEncoding.EncodeToString([]byte("rspauth=" + rspauth)), false, nil
}

// computeResponse derives the RFC 2831 response value for md5-sess.
// method is "AUTHENTICATE" for the client proof and "" for rspauth.
func (d *DigestMD5) computeResponse(username, realm, password, cnonce, nc, qop, uri, method string) string {
	h := func(data []byte) []byte {
		sum := md5.Sum(data)
		return sum[:]
	}

	// A1 = H(username:realm:password) ":" nonce ":" cnonce
	a1 := append(h([]byte(username+":"+realm+":"+password)), []byte(":"+d.nonce+":"+cnonce)...)
	ha1 := hex.EncodeToString(h(a1))

	a2 := method + ":" + uri
	ha2 := hex.EncodeToString(h([]byte(a2)))

	kd := ha1 + ":" + d.nonce + ":" + nc + ":" + cnonce + ":" + qop + ":" + ha2
	return hex.EncodeToString(h([]byte(kd)))
}

// Credentials returns the verified credentials.
func (d *DigestMD5) Credentials() *Credentials {
	return d.creds
}

// parseDigestResponse splits a digest-response into key/value pairs,
// honoring quoted values. Malformed pairs are skipped.
func parseDigestResponse(s string) map[string]string {
	fields := make(map[string]string)
	for len(s) > 0 {
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			break
		}
		key := strings.ToLower(strings.TrimSpace(s[:eq]))
		s = s[eq+1:]

		var value string
		if strings.HasPrefix(s, `"`) {
			s = s[1:]
			end := strings.IndexByte(s, '"')
			if end < 0 {
				break
			}
			value = s[:end]
			s = s[end+1:]
			s = strings.TrimPrefix(s, ",")
		} else {
			end := strings.IndexByte(s, ',')
			if end < 0 {
				value = s
				s = ""
			} else {
				value = s[:end]
				s = s[end+1:]
			}
		}
		if key != "" {
			fields[key] = strings.TrimSpace(value)
		}
	}
	return fields
}
