// Package poolcodec provides the pluggable serialization codecs used for
// the pool's structured snapshots and on-disk caches: a selectable JSON
// codec (goccy/go-json or segmentio/encoding, chosen at runtime rather
// than by build tag) for human/machine inspect() variants, and a
// MessagePack codec for small binary caches that are never meant to be
// read by a human.
package poolcodec

import (
	"fmt"
	"os"

	gojson "github.com/goccy/go-json"
	segmentjson "github.com/segmentio/encoding/json"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec serializes and deserializes Go values.
type Codec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
	Name() string
}

// JSONCodecEnv names the environment variable that selects the JSON
// codec implementation, read by DefaultJSONCodec.
const JSONCodecEnv = "POOLCORE_JSON_CODEC"

type goccyCodec struct{}

func (goccyCodec) Marshal(v interface{}) ([]byte, error)      { return gojson.Marshal(v) }
func (goccyCodec) Unmarshal(data []byte, v interface{}) error { return gojson.Unmarshal(data, v) }
func (goccyCodec) Name() string                               { return "json-goccy" }

type segmentioCodec struct{}

func (segmentioCodec) Marshal(v interface{}) ([]byte, error)      { return segmentjson.Marshal(v) }
func (segmentioCodec) Unmarshal(data []byte, v interface{}) error { return segmentjson.Unmarshal(data, v) }
func (segmentioCodec) Name() string                               { return "json-segmentio" }

// NewJSONCodec returns the named JSON codec implementation ("goccy" or
// "segmentio"; "" defaults to "goccy").
func NewJSONCodec(name string) (Codec, error) {
	switch name {
	case "", "goccy":
		return goccyCodec{}, nil
	case "segmentio":
		return segmentioCodec{}, nil
	default:
		return nil, fmt.Errorf("poolcodec: unknown json codec %q", name)
	}
}

// DefaultJSONCodec picks the JSON codec named by POOLCORE_JSON_CODEC, or
// goccy/go-json if unset, matching the teacher's GetJSONCodecType
// pattern but resolved at runtime instead of by build tag.
func DefaultJSONCodec() Codec {
	codec, err := NewJSONCodec(os.Getenv(JSONCodecEnv))
	if err != nil {
		return goccyCodec{}
	}
	return codec
}

// MessagePackCodec is the binary codec used for caches that are written
// and read back by poolcore itself, never rendered for a human -- the
// same rationale the teacher applies in codec_msgpack.go.
type MessagePackCodec struct{}

func (MessagePackCodec) Marshal(v interface{}) ([]byte, error)      { return msgpack.Marshal(v) }
func (MessagePackCodec) Unmarshal(data []byte, v interface{}) error { return msgpack.Unmarshal(data, v) }
func (MessagePackCodec) Name() string                               { return "msgpack" }
