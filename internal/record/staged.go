package record

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"
)

// Staged is one row as written to a stage file and copied into a raw table.
// The run id and load time are column values owned by the loader.
type Staged struct {
	RawID       string          `json:"_raw_id"`
	Seq         int64           `json:"_seq"`
	ExtractedAt int64           `json:"_extracted_at"`
	PK          string          `json:"_pk,omitempty"`
	Data        json.RawMessage `json:"_data"`
}

// NewStaged converts an accepted record. seq is the per-stream arrival
// order; it breaks ties between rows extracted in the same millisecond.
func NewStaged(r *Record, seq int64, primaryKey [][]string) (Staged, error) {
	pk, err := PrimaryKeyHash(r.Data, primaryKey)
	if err != nil {
		return Staged{}, fmt.Errorf("%s: %w", r.Identity(), err)
	}
	return Staged{
		RawID:       uuid.NewString(),
		Seq:         seq,
		ExtractedAt: r.EmittedAt,
		PK:          pk,
		Data:        r.Data,
	}, nil
}

// PrimaryKeyHash returns the dedup key of a row: the hex xxh3-128 of the
// JSON-encoded primary key values, in key order. Each key is a path into
// nested objects. Missing values hash as null. An empty primary key yields
// an empty hash.
func PrimaryKeyHash(data json.RawMessage, primaryKey [][]string) (string, error) {
	if len(primaryKey) == 0 {
		return "", nil
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("primary key: data is not an object: %w", err)
	}

	values := make([]json.RawMessage, len(primaryKey))
	for i, path := range primaryKey {
		v, err := lookupPath(doc, path)
		if err != nil {
			return "", err
		}
		values[i] = v
	}
	enc, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("primary key: encode: %w", err)
	}
	h := xxh3.Hash128(enc)
	return fmt.Sprintf("%016x%016x", h.Hi, h.Lo), nil
}

var jsonNull = json.RawMessage("null")

func lookupPath(doc map[string]json.RawMessage, path []string) (json.RawMessage, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("primary key: empty field path")
	}
	cur := doc
	for i, field := range path {
		v, ok := cur[field]
		if !ok {
			return jsonNull, nil
		}
		if i == len(path)-1 {
			return compact(v), nil
		}
		next := map[string]json.RawMessage{}
		if err := json.Unmarshal(v, &next); err != nil {
			return jsonNull, nil
		}
		cur = next
	}
	return jsonNull, nil
}

// compact strips insignificant whitespace so equal values hash equally.
func compact(v json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return v
	}
	return buf.Bytes()
}
