package cache

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
)

// Codec turns values into the bytes a NodeCache stores on a node.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec is the default codec. Values stay readable with redis-cli.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// GobCodec stores values in gob form. Only exported fields survive, and json
// tags are ignored.
type GobCodec struct{}

func (GobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GobCodec) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// ParseCodec maps a codec name ("json" or "gob") to a Codec. The empty name
// selects JSON.
func ParseCodec(name string) (Codec, bool) {
	switch name {
	case "", "json":
		return JSONCodec{}, true
	case "gob":
		return GobCodec{}, true
	}
	return nil, false
}
