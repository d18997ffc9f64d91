// Package record defines the messages consumed by the pipeline and the row
// shape staged into raw tables.
package record

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"stageload/internal/catalog"
)

// Type discriminates a Message.
type Type string

const (
	TypeRecord Type = "RECORD"
	TypeState  Type = "STATE"
)

// Record is one data row emitted by the source for a stream.
type Record struct {
	Namespace string          `json:"namespace,omitempty"`
	Stream    string          `json:"stream"`
	Data      json.RawMessage `json:"data"`
	// EmittedAt is the source extraction time in unix milliseconds.
	EmittedAt int64 `json:"emitted_at"`
}

// Identity returns the stream the record belongs to.
func (r *Record) Identity() catalog.StreamIdentity {
	return catalog.StreamIdentity{Namespace: r.Namespace, Name: r.Stream}
}

// State is an opaque checkpoint. It is echoed back upstream once every record
// accepted before it is durable in a raw table.
type State struct {
	Data json.RawMessage `json:"data"`
}

// Message is the unit handed to Pipeline.Accept.
type Message struct {
	Type   Type    `json:"type"`
	Record *Record `json:"record,omitempty"`
	State  *State  `json:"state,omitempty"`
}

// Validate checks that the payload matches the type.
func (m *Message) Validate() error {
	switch m.Type {
	case TypeRecord:
		if m.Record == nil {
			return errors.New("record message without record payload")
		}
		if m.Record.Stream == "" {
			return errors.New("record message without stream name")
		}
		if len(m.Record.Data) == 0 {
			return fmt.Errorf("record for %s has no data", m.Record.Identity())
		}
	case TypeState:
		if m.State == nil {
			return errors.New("state message without state payload")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

// approxOverhead accounts for per-record bookkeeping kept alongside the
// payload while it sits in the buffer.
const approxOverhead = 96

// Size is the number of buffer bytes a record occupies.
func (r *Record) Size() int64 {
	return int64(len(r.Data)+len(r.Stream)+len(r.Namespace)) + approxOverhead
}

// Decoder reads newline-delimited JSON messages.
type Decoder struct {
	dec *json.Decoder
}

// NewDecoder wraps r with a buffered JSON decoder.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: json.NewDecoder(bufio.NewReaderSize(r, 1<<20))}
}

// Next decodes the next message. It returns io.EOF at end of input.
func (d *Decoder) Next() (Message, error) {
	var m Message
	if err := d.dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return Message{}, io.EOF
		}
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
