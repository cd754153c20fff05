package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// Status values carried in message metadata.
const (
	StatusOK      = "OK"
	StatusError   = "error"
	StatusPartial = "partial"
)

// Header carries routing information for a message.
type Header struct {
	Type string `json:"type"`
	Src  string `json:"src"`
	Dst  string `json:"dst"`
}

// Metadata carries tracking and result information. Status and Message
// are only set on replies.
type Metadata struct {
	MsgID     string `json:"msg_id"`
	Timestamp int64  `json:"timestamp"`
	Status    string `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Message is the envelope exchanged between nodes: one JSON object per
// line, newline terminated.
type Message struct {
	Header   Header          `json:"header"`
	Payload  json.RawMessage `json:"payload"`
	Metadata Metadata        `json:"metadata"`
}

// New builds a message of the given type. payload may be nil, in which
// case an empty object is sent.
func New(msgType, src, dst string, payload any) *Message {
	raw := json.RawMessage("{}")
	if payload != nil {
		b, err := json.Marshal(payload)
		if err == nil {
			raw = b
		}
	}
	return &Message{
		Header:  Header{Type: msgType, Src: src, Dst: dst},
		Payload: raw,
		Metadata: Metadata{
			MsgID:     uuid.NewString(),
			Timestamp: time.Now().Unix(),
		},
	}
}

// NewReply builds a reply to m with the given type, status and payload.
func NewReply(m *Message, msgType, src, status string, payload any) *Message {
	r := New(msgType, src, m.Header.Src, payload)
	r.Metadata.Status = status
	return r
}

// NewErrorReply builds an error reply to m carrying a human-readable
// reason in metadata.
func NewErrorReply(m *Message, msgType, src, reason string) *Message {
	r := New(msgType, src, m.Header.Src, nil)
	r.Metadata.Status = StatusError
	r.Metadata.Message = reason
	return r
}

// OK reports whether the message carries a success status.
func (m *Message) OK() bool {
	return m.Metadata.Status == StatusOK
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Header.Type, err)
	}
	return nil
}

// Encode writes the message as a single newline-terminated JSON record.
func (m *Message) Encode(w io.Writer) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	b = append(b, '\n')
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// maxRecordSize bounds a single wire record. State dumps carry whole
// metadata tables, so the limit is generous.
const maxRecordSize = 64 << 20

// ReadMessage reads one newline-terminated message from r.
func ReadMessage(r *bufio.Reader) (*Message, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && len(line) > 0 {
			// tolerate a missing trailing newline on the last record
		} else {
			return nil, err
		}
	}
	if len(line) > maxRecordSize {
		return nil, fmt.Errorf("wire record exceeds %d bytes", maxRecordSize)
	}
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return &m, nil
}
