package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/tillsync/internal/ir"
)

// marshalData stores record data as sorted-key JSON. Server responses may
// carry nulls, so records are not forced through canonical encoding.
func marshalData(data ir.IRObject) (string, error) {
	if data == nil {
		return "{}", nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal data: %w", err)
	}
	return string(b), nil
}

// marshalPayload stores operation payloads as canonical JSON. A payload
// that cannot be encoded canonically is not durable and is refused.
func marshalPayload(payload ir.IRObject) (string, error) {
	if payload == nil {
		return "{}", nil
	}
	b, err := ir.MarshalCanonical(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(b), nil
}

// unmarshalObject parses stored JSON TEXT. IRObject.UnmarshalJSON keeps
// large integers exact.
func unmarshalObject(data string) (ir.IRObject, error) {
	if data == "" || data == "{}" {
		return ir.IRObject{}, nil
	}
	var obj ir.IRObject
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return nil, fmt.Errorf("unmarshal object: %w", err)
	}
	return obj, nil
}

// Times are stored as unix milliseconds; zero time is stored as 0.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
