package sasl

import (
	"encoding/base64"
	"strings"
)

// Plain implements the PLAIN mechanism (RFC 4616). The client sends
// authzid NUL authcid NUL password in a single base64 blob, either as
// the initial response or after an empty challenge.
type Plain struct {
	creds *Credentials
}

// NewPlain creates a PLAIN mechanism handler.
func NewPlain() *Plain {
	return &Plain{}
}

// Name returns "PLAIN".
func (p *Plain) Name() string {
	return "PLAIN"
}

// Start consumes the initial response when present, otherwise issues an
// empty challenge per RFC 4954.
func (p *Plain) Start(initialResponse string) (string, bool, error) {
	if initialResponse == "" {
		return "", false, nil
	}
	return p.consume(initialResponse)
}

// Next consumes the client's response to the empty challenge.
func (p *Plain) Next(response string) (string, bool, error) {
	return p.consume(response)
}

func (p *Plain) consume(response string) (string, bool, error) {
	if response == "*" {
		return "", true, ErrCancelled
	}

	decoded, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		return "", true, ErrInvalidBase64
	}

	fields := strings.Split(string(decoded), "\x00")
	if len(fields) != 3 || fields[1] == "" {
		return "", true, ErrInvalidFormat
	}

	p.creds = &Credentials{
		AuthorizationID:  fields[0],
		AuthenticationID: fields[1],
		Password:         fields[2],
	}
	return "", true, nil
}

// Credentials returns the extracted credentials.
func (p *Plain) Credentials() *Credentials {
	return p.creds
}
