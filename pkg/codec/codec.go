// Package codec encodes history messages for storage in a cache backend.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/txn2/chat-session-store/pkg/history"
)

// Codec names.
const (
	NameJSON = "json"
	NameCBOR = "cbor"
)

// Codec converts a message to and from its stored form.
type Codec interface {
	Name() string
	Encode(msg history.Message) ([]byte, error)
	Decode(data []byte) (history.Message, error)
}

// New returns the codec registered under name. An empty name selects JSON.
func New(name string) (Codec, error) {
	switch name {
	case "", NameJSON:
		return JSON{}, nil
	case NameCBOR:
		return CBOR{}, nil
	default:
		return nil, fmt.Errorf("unknown codec: %s", name)
	}
}

// JSON stores messages as JSON objects. It is readable with redis-cli and
// matches the layout written by earlier deployments.
type JSON struct{}

// Name implements Codec.
func (JSON) Name() string { return NameJSON }

// Encode implements Codec.
func (JSON) Encode(msg history.Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return data, nil
}

// Decode implements Codec.
func (JSON) Decode(data []byte) (history.Message, error) {
	var msg history.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return history.Message{}, fmt.Errorf("decoding message: %w", err)
	}
	return msg, nil
}

// encMode uses Core Deterministic Encoding with timestamps written as
// RFC 3339 text so sub-second precision survives the round trip.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBOR stores messages as compact CBOR maps.
type CBOR struct{}

// Name implements Codec.
func (CBOR) Name() string { return NameCBOR }

// Encode implements Codec.
func (CBOR) Encode(msg history.Message) ([]byte, error) {
	data, err := encMode.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return data, nil
}

// Decode implements Codec.
func (CBOR) Decode(data []byte) (history.Message, error) {
	var msg history.Message
	if err := decMode.Unmarshal(data, &msg); err != nil {
		return history.Message{}, fmt.Errorf("decoding message: %w", err)
	}
	return msg, nil
}

// Verify interface compliance.
var (
	_ Codec = JSON{}
	_ Codec = CBOR{}
)
