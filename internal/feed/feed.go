// Package feed delivers row-level change events from the shared store and
// routes them to sessions, groups and the message relay.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Change is one row-level change event. Delivery is at least once and
// unordered across tables.
type Change struct {
	Seq   int64
	Table string
	Op    string
	Row   json.RawMessage

	// token lets the producing source acknowledge the change.
	token any
}

// Source produces changes. Commit acknowledges a change once it has been
// dispatched; uncommitted changes are redelivered after a restart.
type Source interface {
	Start(ctx context.Context) error
	Changes() <-chan Change
	Commit(ctx context.Context, c Change) error
	Close() error
}

// envelope is the wire form used by the Kafka and Redis sources.
type envelope struct {
	Table string          `json:"table"`
	Op    string          `json:"op"`
	Row   json.RawMessage `json:"row"`
}

var errBadEnvelope = errors.New("feed: malformed change envelope")

// Encode renders c as a JSON envelope.
func Encode(c Change) ([]byte, error) {
	return json.Marshal(envelope{Table: c.Table, Op: c.Op, Row: c.Row})
}

func decodeEnvelope(data []byte) (Change, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Change{}, fmt.Errorf("%w: %v", errBadEnvelope, err)
	}
	if env.Table == "" || len(env.Row) == 0 {
		return Change{}, fmt.Errorf("%w: table and row are required", errBadEnvelope)
	}
	return Change{Table: env.Table, Op: env.Op, Row: env.Row}, nil
}
