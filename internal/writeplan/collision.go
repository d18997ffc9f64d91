package writeplan

import (
	"fmt"
	"strings"

	"stageload/internal/catalog"
)

const collisionHint = "Each stream must land in its own destination table; " +
	"move the conflicting streams to a separate connection or use a templated destination namespace"

// tableRef is a raw or final table of the plan.
type tableRef struct {
	final bool
	key   DestinationTableKey
}

func (r tableRef) String() string {
	if r.final {
		return "final table " + r.key.String()
	}
	return r.key.String()
}

// DetectCollisions fails the whole plan when two or more streams resolve to
// the same raw table or the same final table. The check always covers the
// entire plan so the error lists every participating stream, in plan order,
// including the first one mapped to a shared table.
func DetectCollisions(plan []WriteConfig) error {
	// Pass 1: count users of every table, remembering first-seen order.
	users := make(map[tableRef]int, 2*len(plan))
	var order []tableRef
	refs := func(wc WriteConfig) []tableRef {
		out := []tableRef{{key: wc.Key()}}
		if fk := wc.FinalKey(); fk != (DestinationTableKey{}) {
			out = append(out, tableRef{final: true, key: fk})
		}
		return out
	}
	for _, wc := range plan {
		for _, r := range refs(wc) {
			if users[r] == 0 {
				order = append(order, r)
			}
			users[r]++
		}
	}

	// Pass 2: keep every stream that shares a table, in plan order.
	var streams []catalog.StreamIdentity
	for _, wc := range plan {
		for _, r := range refs(wc) {
			if users[r] > 1 {
				streams = append(streams, wc.Identity())
				break
			}
		}
	}
	if len(streams) == 0 {
		return nil
	}

	var tables []string
	for _, r := range order {
		if users[r] > 1 {
			tables = append(tables, r.String())
		}
	}
	return &ConfigurationError{
		Reason: fmt.Sprintf("more than one stream maps to the same destination table %s",
			strings.Join(tables, ", ")),
		Streams: streams,
		Hint:    collisionHint,
	}
}
