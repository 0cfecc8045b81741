// Package codec is the single place the daemon encodes structured data:
// feed records, archive index entries, replication messages and overlay
// RPCs all go through the same deterministic CBOR configuration.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Name is the gRPC content-subtype registered for this codec.
const Name = "cbor"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	// Core Deterministic Encoding: the same value always produces the same
	// bytes, which matters for anything that ends up hashed or signed.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// GRPC adapts the CBOR configuration to google.golang.org/grpc/encoding.Codec
// so overlay RPCs can carry plain Go structs without generated code.
type GRPC struct{}

func (GRPC) Marshal(v any) ([]byte, error)      { return Marshal(v) }
func (GRPC) Unmarshal(data []byte, v any) error { return Unmarshal(data, v) }
func (GRPC) Name() string                       { return Name }
