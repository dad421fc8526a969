// Package json provides high-performance JSON serialization for trawler
package json

import (
	"io"

	gojson "github.com/goccy/go-json"
)

// Marshal is a high-performance drop-in replacement for json.Marshal
func Marshal(v interface{}) ([]byte, error) {
	return gojson.Marshal(v)
}

// Unmarshal is a high-performance drop-in replacement for json.Unmarshal
func Unmarshal(data []byte, v interface{}) error {
	return gojson.Unmarshal(data, v)
}

// MarshalIndent is a high-performance replacement for json.MarshalIndent
func MarshalIndent(v interface{}, prefix, indent string) ([]byte, error) {
	return gojson.MarshalIndent(v, prefix, indent)
}

// UnmarshalFromReader decodes a single value from a reader
func UnmarshalFromReader(r io.Reader, v interface{}) error {
	dec := gojson.NewDecoder(r)
	return dec.Decode(v)
}
