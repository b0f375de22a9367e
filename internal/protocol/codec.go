package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// The codec renders frames as JSON extended with typed wrappers so that
// dates, binary buffers, and integers beyond the float53 range survive a
// round-trip:
//
//	time.Time  ⇄ {"$date": <unix ms>}
//	[]byte     ⇄ {"$binary": "<base64>"}
//	int64/uint64 outside ±2^53 ⇄ {"$int": "<decimal>"}
//
// encoding/json sorts map keys, so encoding is stable for a given logical
// value.

const (
	tagDate   = "$date"
	tagBinary = "$binary"
	tagInt    = "$int"
)

// maxSafeInt is the largest integer exactly representable as a float64.
const maxSafeInt = 1 << 53

// Encode serializes a frame for the wire.
func Encode(f Frame) ([]byte, error) {
	if err := validateFrame(f); err != nil {
		return nil, err
	}
	f.Params = encodeValue(f.Params)
	f.Result = encodeValue(f.Result)
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// Decode parses wire bytes into a frame. Failures are reported as a public
// Parse Error so the dispatcher can answer without tearing down the
// connection.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, NewParseError(err)
	}
	if err := validateFrame(f); err != nil {
		return Frame{}, NewParseError(err)
	}
	f.Params = decodeValue(f.Params)
	f.Result = decodeValue(f.Result)
	return f, nil
}

// EncodeValue serializes a bare value (not a frame) with the same extended
// rules. Used for the client's persisted context record.
func EncodeValue(v any) ([]byte, error) {
	data, err := json.Marshal(encodeValue(v))
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return data, nil
}

// DecodeValue reverses EncodeValue.
func DecodeValue(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return decodeValue(v), nil
}

func encodeValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case time.Time:
		return map[string]any{tagDate: val.UnixMilli()}
	case []byte:
		return map[string]any{tagBinary: base64.StdEncoding.EncodeToString(val)}
	case int64:
		if val > maxSafeInt || val < -maxSafeInt {
			return map[string]any{tagInt: strconv.FormatInt(val, 10)}
		}
		return val
	case uint64:
		if val > maxSafeInt {
			return map[string]any{tagInt: strconv.FormatUint(val, 10)}
		}
		return val
	case int:
		return encodeValue(int64(val))
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = encodeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = encodeValue(item)
		}
		return out
	default:
		return v
	}
}

func decodeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		if len(val) == 1 {
			if decoded, ok := decodeTagged(val); ok {
				return decoded
			}
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = decodeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = decodeValue(item)
		}
		return out
	default:
		return v
	}
}

func decodeTagged(val map[string]any) (any, bool) {
	if ms, ok := val[tagDate]; ok {
		if f, ok := ms.(float64); ok && !math.IsNaN(f) {
			return time.UnixMilli(int64(f)).UTC(), true
		}
	}
	if b64, ok := val[tagBinary]; ok {
		if s, ok := b64.(string); ok {
			if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
				return raw, true
			}
		}
	}
	if dec, ok := val[tagInt]; ok {
		if s, ok := dec.(string); ok {
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return n, true
			}
			if n, err := strconv.ParseUint(s, 10, 64); err == nil {
				return n, true
			}
		}
	}
	return nil, false
}
