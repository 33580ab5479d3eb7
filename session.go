package robin

import (
	"crypto/tls"
	"net"
	"sync/atomic"
	"time"

	"github.com/robinmta/robin/utils"
)

// sessionUID is the process-wide monotonic counter for session UIDs.
var sessionUID atomic.Uint64

// SessionState is the position in the SMTP dialog. STARTTLS drops an
// upgraded session back to StateConnect so the peer must re-greet.
type SessionState int

const (
	StateConnect SessionState = iota
	StateGreeted
	StateMail
	StateRcpt
	StateBdat
	StateQuit
)

// String returns the state name.
func (s SessionState) String() string {
	switch s {
	case StateConnect:
		return "CONNECT"
	case StateGreeted:
		return "GREETED"
	case StateMail:
		return "MAIL"
	case StateRcpt:
		return "RCPT"
	case StateBdat:
		return "BDAT"
	case StateQuit:
		return "QUIT"
	default:
		return "UNKNOWN"
	}
}

// TLSInfo records the negotiated TLS parameters once a session has been
// upgraded or accepted on an implicit-TLS listener.
type TLSInfo struct {
	Enabled     bool
	Version     uint16
	CipherSuite uint16
	ServerName  string
}

// AuthInfo records a successful authentication. It is sticky across
// RSET by default.
type AuthInfo struct {
	Authenticated   bool
	Mechanism       string
	Identity        string
	AuthenticatedAt time.Time
}

// Session holds all per-connection state. It has a single owning worker
// for its whole lifetime, so none of it is locked.
type Session struct {
	// UID is assigned from a process-wide monotonic counter at accept.
	UID uint64

	// ID is the connection trace id used in log lines and replies.
	ID string

	RemoteAddr net.Addr
	LocalAddr  net.Addr

	// Greeting identity: the verb used (HELO/EHLO/LHLO) and its argument.
	GreetingVerb Command
	Identity     string

	// Extensions offered in the last EHLO reply.
	Extensions map[string]string

	TLS  TLSInfo
	Auth AuthInfo

	// State is the dialog position.
	State SessionState

	// Log records the wire exchanges.
	Log *TransactionLog

	// Scenario bound at greeting time, nil when none matched.
	Scenario *Scenario

	envelopes []*Envelope
	magic     map[string]string

	// errorCount counts protocol errors; scenario-injected failures
	// are excluded. commandCount counts processed commands.
	errorCount   int
	commandCount int

	// bdat accumulates BDAT chunks until LAST.
	bdat []byte
}

// NewSession creates a session for an accepted socket.
func NewSession(remote, local net.Addr) *Session {
	return &Session{
		UID:        sessionUID.Add(1),
		RemoteAddr: remote,
		LocalAddr:  local,
		Extensions: make(map[string]string),
		Log:        NewTransactionLog(),
		magic:      make(map[string]string),
	}
}

// RemoteIP returns the peer IP, IPv4zero when the remote address
// cannot be parsed. Greetings and log fields use it.
func (s *Session) RemoteIP() net.IP {
	ip, err := utils.GetIPFromAddr(s.RemoteAddr)
	if err != nil {
		return net.IPv4zero
	}
	return ip
}

// Envelopes returns all envelopes opened in this session.
func (s *Session) Envelopes() []*Envelope {
	return s.envelopes
}

// CurrentEnvelope returns the most recently opened envelope, creating
// one on demand for the first MAIL of a transaction.
func (s *Session) CurrentEnvelope() *Envelope {
	if len(s.envelopes) == 0 || s.envelopes[len(s.envelopes)-1] == nil {
		s.envelopes = append(s.envelopes, NewEnvelope())
	}
	return s.envelopes[len(s.envelopes)-1]
}

// OpenEnvelope starts a fresh envelope for a new MAIL FROM.
func (s *Session) OpenEnvelope() *Envelope {
	env := NewEnvelope()
	s.envelopes = append(s.envelopes, env)
	return env
}

// HasOpenEnvelope reports whether a MAIL transaction is in progress.
func (s *Session) HasOpenEnvelope() bool {
	return s.State == StateMail || s.State == StateRcpt || s.State == StateBdat
}

// Reset closes the current envelope and returns the dialog to the
// greeted state. Authentication is sticky: RSET does not clear it.
func (s *Session) Reset() {
	s.bdat = nil
	if s.State != StateConnect {
		s.State = StateGreeted
	}
}

// Downgrade rewinds the session to the ungreeted state after a TLS
// upgrade; the peer must greet again and extensions are renegotiated.
func (s *Session) Downgrade() {
	s.State = StateConnect
	s.GreetingVerb = ""
	s.Identity = ""
	s.Scenario = nil
	s.Extensions = make(map[string]string)
	s.bdat = nil
}

// PutMagic stores a magic variable for scenario templating.
func (s *Session) PutMagic(key, value string) {
	s.magic[key] = value
}

// GetMagic returns a magic variable.
func (s *Session) GetMagic(key string) string {
	return s.magic[key]
}

// Magic returns the magic-variable map for Render.
func (s *Session) Magic() map[string]string {
	return s.magic
}

// RecordTLS captures the handshake parameters.
func (s *Session) RecordTLS(state tls.ConnectionState) {
	s.TLS = TLSInfo{
		Enabled:     true,
		Version:     state.Version,
		CipherSuite: state.CipherSuite,
		ServerName:  state.ServerName,
	}
}

// CountCommand increments the transaction counter and reports whether
// the limit is now exceeded.
func (s *Session) CountCommand(limit int) bool {
	s.commandCount++
	return limit > 0 && s.commandCount > limit
}

// CountError increments the protocol error counter and reports whether
// the limit is now exceeded.
func (s *Session) CountError(limit int) bool {
	s.errorCount++
	return limit > 0 && s.errorCount > limit
}

// ErrorCount returns the protocol error count.
func (s *Session) ErrorCount() int {
	return s.errorCount
}

// CommandCount returns the processed command count.
func (s *Session) CommandCount() int {
	return s.commandCount
}
