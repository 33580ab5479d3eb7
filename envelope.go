package robin

import (
	"errors"
	"strings"
	"time"
)

// Envelope is one mail transaction inside a session: the MAIL FROM
// sender, the ordered unique RCPT TO recipients and, once the body has
// arrived, the message id and the persisted file path.
type Envelope struct {
	Sender     string
	Recipients []string
	MessageID  string
	File       string
	ReceivedAt time.Time
}

// NewEnvelope creates an empty envelope stamped with the arrival time.
func NewEnvelope() *Envelope {
	return &Envelope{ReceivedAt: time.Now()}
}

// AddRecipient appends a recipient, keeping order and dropping
// duplicates.
func (e *Envelope) AddRecipient(address string) {
	for _, existing := range e.Recipients {
		if strings.EqualFold(existing, address) {
			return
		}
	}
	e.Recipients = append(e.Recipients, address)
}

// parsePath extracts the mailbox from a MAIL FROM / RCPT TO argument
// after the FROM:/TO: keyword: an angle-bracketed address, optionally
// followed by ESMTP parameters. The null path <> is returned as "".
func parsePath(args string) (address string, params map[string]string, err error) {
	start := strings.IndexByte(args, '<')
	end := strings.IndexByte(args, '>')
	if start == -1 || end == -1 || end < start {
		return "", nil, errors.New("missing angle brackets")
	}

	address = strings.TrimSpace(args[start+1 : end])
	if address != "" {
		// Strip deprecated source routes: "@relay:user@domain".
		if address[0] == '@' {
			if colon := strings.LastIndexByte(address, ':'); colon != -1 {
				address = address[colon+1:]
			}
		}
		if !strings.Contains(address, "@") {
			return "", nil, errors.New("invalid mailbox: missing domain")
		}
	}

	paramStr := strings.TrimSpace(args[end+1:])
	if paramStr != "" {
		params = make(map[string]string)
		for _, field := range strings.Fields(paramStr) {
			key, value, _ := strings.Cut(field, "=")
			params[strings.ToUpper(key)] = value
		}
	}

	return address, params, nil
}

// splitMailbox separates an address into local part and domain.
func splitMailbox(address string) (local, domain string) {
	at := strings.LastIndexByte(address, '@')
	if at == -1 {
		return address, ""
	}
	return address[:at], address[at+1:]
}
