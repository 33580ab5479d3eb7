package robin

import "errors"

// Common errors.
var (
	ErrServerClosed   = errors.New("smtp: server closed")
	ErrListenerClosed = errors.New("smtp: listener closed")
	ErrLineTooLong    = errors.New("smtp: line too long")
	ErrTooManyErrors  = errors.New("smtp: error limit exceeded")
	ErrTooManyCmds    = errors.New("smtp: transaction limit exceeded")
	ErrTLSUnavailable = errors.New("smtp: no TLS context configured")
	ErrAuthFailed     = errors.New("smtp: authentication failed")
	ErrNoKeystore     = errors.New("smtp: keystore not readable")
	ErrNoRecipients   = errors.New("smtp: no valid recipients")
	ErrNoMXRecords    = errors.New("smtp: no MX records found")
)
