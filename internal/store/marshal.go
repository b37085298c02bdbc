package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/fedlog/internal/ir"
)

// marshalBody serializes a payload body to canonical JSON.
// A nil body is stored as "{}".
func marshalBody(body ir.IRObject) (string, error) {
	if body == nil {
		body = ir.IRObject{}
	}
	b, err := ir.MarshalCanonical(body)
	if err != nil {
		return "", fmt.Errorf("marshal body: %w", err)
	}
	return string(b), nil
}

func unmarshalBody(data string) (ir.IRObject, error) {
	var body ir.IRObject
	if err := json.Unmarshal([]byte(data), &body); err != nil {
		return nil, fmt.Errorf("unmarshal body: %w", err)
	}
	if body == nil {
		body = ir.IRObject{}
	}
	return body, nil
}

// Times are stored as UNIX microseconds; 0 is the zero time.
func toMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicros(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
