package keyset

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
)

var _encoder = base64.RawURLEncoding

// CursorDirection tells which way a cursor continues.
type CursorDirection string

const (
	CursorDirectionNext CursorDirection = "n"
	CursorDirectionPrev CursorDirection = "p"
)

// cursorDirectionKey is the reserved cursor attribute holding the direction.
const cursorDirectionKey = "_kd"

func (d CursorDirection) Valid() bool {
	return d == CursorDirectionNext || d == CursorDirectionPrev
}

// EncodeCursor turns cursor attributes into an opaque URL-safe token of the form
// base64url({"<attribute>": <value>, ..., "_kd": "n"|"p"}).
func EncodeCursor(attributes map[string]any, direction CursorDirection) (string, error) {
	if !direction.Valid() {
		return "", fmt.Errorf("%w: unknown direction '%s'", ErrInvalidCursor, direction)
	}

	if _, ok := attributes[cursorDirectionKey]; ok {
		return "", fmt.Errorf("%w: attribute name '%s' is reserved", ErrInvalidCursor, cursorDirectionKey)
	}

	payload := make(map[string]any, len(attributes)+1)
	maps.Copy(payload, attributes)
	payload[cursorDirectionKey] = string(direction)

	jTok, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("cannot marshal cursor value: %w", err)
	}

	return _encoder.EncodeToString(jTok), nil
}

// DecodeCursor parses a token produced by EncodeCursor. An empty token means the
// first page. Integral numbers decode as int64 (uint64 above math.MaxInt64), other
// numbers as float64.
func DecodeCursor(token string) (map[string]any, CursorDirection, error) {
	if len(token) == 0 {
		return nil, CursorDirectionNext, nil
	}

	jsonData, err := _encoder.DecodeString(token)
	if err != nil {
		return nil, "", fmt.Errorf("%w: failed to decode base64 encoded cursor: %v", ErrInvalidCursor, err)
	}

	decoder := json.NewDecoder(bytes.NewReader(jsonData))
	decoder.UseNumber()

	var payload map[string]any
	if err = decoder.Decode(&payload); err != nil {
		return nil, "", fmt.Errorf("%w: failed to unmarshal json encoded cursor: %v", ErrInvalidCursor, err)
	}

	direction := CursorDirectionNext
	if rawDirection, ok := payload[cursorDirectionKey]; ok {
		s, _ := rawDirection.(string)
		direction = CursorDirection(s)
		delete(payload, cursorDirectionKey)
	}

	if !direction.Valid() {
		return nil, "", fmt.Errorf("%w: unknown direction '%s'", ErrInvalidCursor, direction)
	}

	attributes := make(map[string]any, len(payload))
	for key, value := range payload {
		attributes[key] = fromJSONValue(value)
	}

	if len(attributes) == 0 {
		attributes = nil
	}

	return attributes, direction, nil
}

func fromJSONValue(v any) any {
	switch vt := v.(type) {
	case json.Number:
		if i, err := vt.Int64(); err == nil {
			return i
		}
		if u, err := strconv.ParseUint(vt.String(), 10, 64); err == nil {
			return u
		}
		if f, err := vt.Float64(); err == nil {
			return f
		}
		return vt.String()
	case []any:
		ret := make([]any, 0, len(vt))
		for _, elem := range vt {
			ret = append(ret, fromJSONValue(elem))
		}
		return ret
	case map[string]any:
		ret := make(map[string]any, len(vt))
		for key, elem := range vt {
			ret[key] = fromJSONValue(elem)
		}
		return ret
	default:
		return v
	}
}
