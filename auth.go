package robin

import (
	"crypto/subtle"
	"strings"

	"github.com/robinmta/robin/sasl"
	"golang.org/x/crypto/bcrypt"
)

// AuthMechanisms are the mechanisms advertised when AUTH is enabled.
var AuthMechanisms = []string{"PLAIN", "LOGIN", "CRAM-MD5", "DIGEST-MD5"}

// CredentialBackend validates credentials. Verify handles clear-text
// mechanisms; Lookup reveals the stored password for digest mechanisms,
// with ok=false when the backend cannot (Dovecot, bcrypt hashes).
type CredentialBackend interface {
	Verify(username, password string) bool
	Lookup(username string) (password string, ok bool)
}

// UserTable is the default backend: an immutable snapshot of the
// configured user list. Passwords starting with $2 are bcrypt hashes;
// anything else is compared in constant time.
type UserTable struct {
	users map[string]string
}

// NewUserTable builds the snapshot. Refreshing requires a restart.
func NewUserTable(users []UserConfig) *UserTable {
	table := make(map[string]string, len(users))
	for _, u := range users {
		if u.Name != "" {
			table[u.Name] = u.Password
		}
	}
	return &UserTable{users: table}
}

// Verify checks a clear-text password against the table.
func (t *UserTable) Verify(username, password string) bool {
	stored, ok := t.users[username]
	if !ok {
		return false
	}
	if strings.HasPrefix(stored, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(password)) == 1
}

// Lookup reveals the stored password for digest verification. Hashed
// entries cannot be revealed.
func (t *UserTable) Lookup(username string) (string, bool) {
	stored, ok := t.users[username]
	if !ok || strings.HasPrefix(stored, "$2") {
		return "", false
	}
	return stored, true
}

// newMechanism constructs the handler for a mechanism name, binding
// digest mechanisms to the backend's password lookup.
func (s *Server) newMechanism(name string) sasl.Mechanism {
	switch name {
	case "PLAIN":
		return sasl.NewPlain()
	case "LOGIN":
		return sasl.NewLogin()
	case "CRAM-MD5":
		return sasl.NewCramMD5(s.config.Hostname, s.backend.Lookup)
	case "DIGEST-MD5":
		return sasl.NewDigestMD5(s.config.Hostname, s.backend.Lookup)
	default:
		return nil
	}
}
