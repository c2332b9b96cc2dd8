package task

import (
	"fmt"
	"reflect"

	cbor "github.com/fxamacker/cbor/v2"
)

// Codec marshals task messages to and from opaque broker payloads.
// Implementations must be deterministic so redelivered payloads decode
// identically on any worker.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORCodec returns a canonical CBOR codec (RFC 8949 core profile)
func NewCBORCodec() (Codec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to build CBOR encoder: %w", err)
	}
	dm, err := cbor.DecOptions{
		// Untyped maps inside args decode as string-keyed so handlers never
		// see map[interface{}]interface{}.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("failed to build CBOR decoder: %w", err)
	}
	return &cborCodec{enc: em, dec: dm}, nil
}

func (c *cborCodec) ContentType() string { return "application/cbor" }

func (c *cborCodec) Marshal(v any) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c *cborCodec) Unmarshal(data []byte, v any) error {
	return c.dec.Unmarshal(data, v)
}

// EncodeMessage serializes a message for the broker
func EncodeMessage(codec Codec, msg *Message) ([]byte, error) {
	payload, err := codec.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task message %s: %w", msg.ID, err)
	}
	return payload, nil
}

// DecodeMessage deserializes a broker payload back into a message
func DecodeMessage(codec Codec, payload []byte) (*Message, error) {
	var msg Message
	if err := codec.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode task message: %w", err)
	}
	if msg.ID == "" {
		return nil, fmt.Errorf("decoded task message has no ID")
	}
	return &msg, nil
}
