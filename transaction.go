package robin

import (
	"log/slog"
	"strings"
)

// Transaction is an immutable record of one SMTP exchange: the verb,
// whatever the peer sent beyond it, the server's reply line and an
// error flag set for 4xx/5xx replies. RCPT transactions also carry the
// normalized mailbox.
type Transaction struct {
	Command  string
	Payload  string
	Response string
	Err      bool
	Address  string
}

// IsError reports whether the reply was a 4xx/5xx.
func (t Transaction) IsError() bool {
	return t.Err
}

// repeatable verbs are recorded on every occurrence; all other verbs
// only on their first.
var repeatable = map[string]bool{
	string(CmdBanner): true,
	string(CmdRcpt):   true,
	string(CmdBdat):   true,
}

// TransactionLog is the append-only, insertion-ordered record of a
// session's wire exchanges. It is only ever touched by the worker that
// owns the session, so it needs no locking.
type TransactionLog struct {
	entries []Transaction
	logger  *slog.Logger
}

// NewTransactionLog creates an empty log.
func NewTransactionLog() *TransactionLog {
	return &TransactionLog{logger: slog.Default()}
}

// Add records a transaction. For verbs outside the repeatable set a
// second occurrence is silently dropped.
func (l *TransactionLog) Add(command Command, payload, response string, isErr bool) {
	l.add(Transaction{
		Command:  string(command),
		Payload:  payload,
		Response: response,
		Err:      isErr,
	})
}

// AddRecipient records a RCPT transaction carrying the normalized
// mailbox address.
func (l *TransactionLog) AddRecipient(payload, response, address string, isErr bool) {
	l.add(Transaction{
		Command:  string(CmdRcpt),
		Payload:  payload,
		Response: response,
		Err:      isErr,
		Address:  address,
	})
}

func (l *TransactionLog) add(t Transaction) {
	if !repeatable[t.Command] && len(l.ByCommand(Command(t.Command))) > 0 {
		return
	}
	l.entries = append(l.entries, t)
	l.logger.Debug("transaction recorded",
		slog.String("command", t.Command),
		slog.String("response", strings.ReplaceAll(t.Response, "\r\n", " ")),
		slog.Bool("error", t.Err),
	)
}

// All returns the transactions in wire order.
func (l *TransactionLog) All() []Transaction {
	out := make([]Transaction, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of recorded transactions.
func (l *TransactionLog) Len() int {
	return len(l.entries)
}

// ByCommand returns the transactions for one verb, case-insensitively.
func (l *TransactionLog) ByCommand(command Command) []Transaction {
	var found []Transaction
	for _, t := range l.entries {
		if strings.EqualFold(t.Command, string(command)) {
			found = append(found, t)
		}
	}
	return found
}

// Errors returns the transactions whose reply was 4xx/5xx.
func (l *TransactionLog) Errors() []Transaction {
	var found []Transaction
	for _, t := range l.entries {
		if t.Err {
			found = append(found, t)
		}
	}
	return found
}

// HasDataError reports whether a DATA exchange failed.
func (l *TransactionLog) HasDataError() bool {
	for _, t := range l.entries {
		if t.Err && strings.EqualFold(t.Command, string(CmdData)) {
			return true
		}
	}
	return false
}

// FailedRecipients returns the address of every failed RCPT.
func (l *TransactionLog) FailedRecipients() []string {
	var failed []string
	for _, t := range l.entries {
		if t.Err && t.Address != "" && strings.EqualFold(t.Command, string(CmdRcpt)) {
			failed = append(failed, t.Address)
		}
	}
	return failed
}

// Recipients returns the address of every RCPT, failed or not.
func (l *TransactionLog) Recipients() []string {
	var rcpts []string
	for _, t := range l.entries {
		if t.Address != "" && strings.EqualFold(t.Command, string(CmdRcpt)) {
			rcpts = append(rcpts, t.Address)
		}
	}
	return rcpts
}

// Clear empties the log.
func (l *TransactionLog) Clear() {
	l.entries = l.entries[:0]
}
