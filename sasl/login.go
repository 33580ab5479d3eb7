package sasl

import (
	"encoding/base64"
)

// Base64-encoded prompts for the LOGIN mechanism.
const (
	loginPromptUsername = "VXNlcm5hbWU6" // "Username:"
	loginPromptPassword = "UGFzc3dvcmQ6" // "Password:"
)

// Login implements the legacy LOGIN mechanism: two 334 prompts, one for
// the username and one for the password. Kept for clients that do not
// speak PLAIN.
type Login struct {
	username    string
	gotUsername bool
	creds       *Credentials
}

// NewLogin creates a LOGIN mechanism handler.
func NewLogin() *Login {
	return &Login{}
}

// Name returns "LOGIN".
func (l *Login) Name() string {
	return "LOGIN"
}

// Start issues the username prompt. An initial response carrying the
// username is accepted, as some clients send it with the AUTH verb.
func (l *Login) Start(initialResponse string) (string, bool, error) {
	if initialResponse != "" {
		return l.Next(initialResponse)
	}
	return loginPromptUsername, false, nil
}

// Next consumes the username then the password.
func (l *Login) Next(response string) (string, bool, error) {
	if response == "*" {
		return "", true, ErrCancelled
	}

	decoded, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		return "", true, ErrInvalidBase64
	}

	if !l.gotUsername {
		l.username = string(decoded)
		l.gotUsername = true
		return loginPromptPassword, false, nil
	}

	l.creds = &Credentials{
		AuthenticationID: l.username,
		Password:         string(decoded),
	}
	return "", true, nil
}

// Credentials returns the extracted credentials.
func (l *Login) Credentials() *Credentials {
	return l.creds
}
