package robin

import (
	"bytes"

	"github.com/tinylib/msgp/msgp"
)

// MessagePack encoding of the transaction log, used by assertion
// harnesses to persist a session's wire record between processes.
// A transaction is a fixed 5-element array; the log is an array of
// transactions.

// EncodeMsg implements msgp.Encodable.
func (t *Transaction) EncodeMsg(en *msgp.Writer) error {
	if err := en.WriteArrayHeader(5); err != nil {
		return err
	}
	if err := en.WriteString(t.Command); err != nil {
		return err
	}
	if err := en.WriteString(t.Payload); err != nil {
		return err
	}
	if err := en.WriteString(t.Response); err != nil {
		return err
	}
	if err := en.WriteBool(t.Err); err != nil {
		return err
	}
	return en.WriteString(t.Address)
}

// DecodeMsg implements msgp.Decodable.
func (t *Transaction) DecodeMsg(dc *msgp.Reader) error {
	sz, err := dc.ReadArrayHeader()
	if err != nil {
		return err
	}
	if sz != 5 {
		return msgp.ArrayError{Wanted: 5, Got: sz}
	}
	if t.Command, err = dc.ReadString(); err != nil {
		return err
	}
	if t.Payload, err = dc.ReadString(); err != nil {
		return err
	}
	if t.Response, err = dc.ReadString(); err != nil {
		return err
	}
	if t.Err, err = dc.ReadBool(); err != nil {
		return err
	}
	t.Address, err = dc.ReadString()
	return err
}

// EncodeMsg implements msgp.Encodable.
func (l *TransactionLog) EncodeMsg(en *msgp.Writer) error {
	if err := en.WriteArrayHeader(uint32(len(l.entries))); err != nil {
		return err
	}
	for i := range l.entries {
		if err := l.entries[i].EncodeMsg(en); err != nil {
			return err
		}
	}
	return nil
}

// DecodeMsg implements msgp.Decodable.
func (l *TransactionLog) DecodeMsg(dc *msgp.Reader) error {
	sz, err := dc.ReadArrayHeader()
	if err != nil {
		return err
	}
	l.entries = make([]Transaction, sz)
	for i := range l.entries {
		if err := l.entries[i].DecodeMsg(dc); err != nil {
			return err
		}
	}
	return nil
}

// ToMessagePack serializes the log.
func (l *TransactionLog) ToMessagePack() ([]byte, error) {
	var buf bytes.Buffer
	if err := msgp.Encode(&buf, l); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// TransactionLogFromMessagePack deserializes a log snapshot.
func TransactionLogFromMessagePack(data []byte) (*TransactionLog, error) {
	l := NewTransactionLog()
	if err := msgp.Decode(bytes.NewReader(data), l); err != nil {
		return nil, err
	}
	return l, nil
}
