package standx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/sawpanic/makerbot/internal/exchange"
)

// shape tags which of the venue's response layouts a body used
type shape int

const (
	shapeUnknown shape = iota
	shapeBare          // payload is the body itself
	shapeResult        // payload under "result"
	shapeData          // payload under "data"
)

func (s shape) String() string {
	switch s {
	case shapeBare:
		return "bare"
	case shapeResult:
		return "result"
	case shapeData:
		return "data"
	default:
		return "unknown"
	}
}

// envelope is the normalized form of every REST response
type envelope struct {
	shape   shape
	payload json.RawMessage
}

// decodeEnvelope classifies body once so callers never test for keys
func decodeEnvelope(body []byte) (envelope, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return envelope{}, fmt.Errorf("empty body: %w", exchange.ErrNoData)
	}

	switch trimmed[0] {
	case '[':
		return envelope{shape: shapeBare, payload: trimmed}, nil
	case '{':
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return envelope{}, fmt.Errorf("decode response: %w", err)
		}
		if raw, ok := fields["result"]; ok && !isNull(raw) {
			return envelope{shape: shapeResult, payload: raw}, nil
		}
		if raw, ok := fields["data"]; ok && !isNull(raw) {
			return envelope{shape: shapeData, payload: raw}, nil
		}
		return envelope{shape: shapeBare, payload: trimmed}, nil
	default:
		return envelope{}, fmt.Errorf("unrecognized response %.40q: %w", trimmed, exchange.ErrNoData)
	}
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null"
}

// list returns the payload elements; a payload that is not an array is no data
func (e envelope) list() ([]json.RawMessage, error) {
	payload := bytes.TrimSpace(e.payload)
	if len(payload) == 0 || payload[0] != '[' {
		return nil, fmt.Errorf("%s payload is not a list: %w", e.shape, exchange.ErrNoData)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(payload, &items); err != nil {
		return nil, fmt.Errorf("decode %s list: %w", e.shape, err)
	}
	return items, nil
}

// object decodes an object payload into v
func (e envelope) object(v interface{}) error {
	payload := bytes.TrimSpace(e.payload)
	if len(payload) == 0 || payload[0] != '{' {
		return fmt.Errorf("%s payload is not an object: %w", e.shape, exchange.ErrNoData)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode %s object: %w", e.shape, err)
	}
	return nil
}

// flexString accepts a JSON string or number; order ids arrive as either
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	if string(b) == "null" {
		*f = ""
		return nil
	}
	if _, err := strconv.ParseFloat(string(b), 64); err != nil {
		return fmt.Errorf("invalid id %s", b)
	}
	*f = flexString(b)
	return nil
}
