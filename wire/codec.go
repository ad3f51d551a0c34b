package wire

import jsoniter "github.com/json-iterator/go"

// json is the fabric-wide json-iterator configuration, grounded on the
// teacher's pervasive use of jsoniter in place of encoding/json.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EncodeJSON marshals v into a BodyJSON-tagged body.
func EncodeJSON(v any) ([]byte, error) { return json.Marshal(v) }

// DecodeJSON unmarshals a BodyJSON-tagged body into v.
func DecodeJSON(body []byte, v any) error {
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, v)
}

// IsJSONNull reports whether body is empty or the JSON literal null — the
// shape a null passthrough reply (no provider, spawn failure) takes once
// forwarded verbatim across a hop.
func IsJSONNull(body []byte) bool {
	trimmed := trimSpace(body)
	return len(trimmed) == 0 || string(trimmed) == "null"
}

func trimSpace(b []byte) []byte {
	i, j := 0, len(b)
	for i < j && isSpace(b[i]) {
		i++
	}
	for j > i && isSpace(b[j-1]) {
		j--
	}
	return b[i:j]
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\n' || c == '\r' }
