package jsonx

import (
	"bytes"
	"io"

	"github.com/goccy/go-json"
)

// Thin wrapper so the codec, transport and fake server share one JSON implementation.
var (
	Marshal       = json.Marshal
	MarshalIndent = json.MarshalIndent
	Unmarshal     = json.Unmarshal
	NewDecoder    = json.NewDecoder
	NewEncoder    = json.NewEncoder
)

type RawMessage = json.RawMessage
type Number = json.Number

// UnmarshalNumbers decodes data keeping numeric literals as Number so callers
// can tell integers from floating point values.
func UnmarshalNumbers(data []byte, v any) error {
	return DecodeNumbers(bytes.NewReader(data), v)
}

// DecodeNumbers is the streaming variant of UnmarshalNumbers.
func DecodeNumbers(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	return dec.Decode(v)
}
