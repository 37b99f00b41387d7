// Package serializer implements the value<->bytes contract (spec.md §4.2)
// the manager applies to every value it stores in or reads from the storage
// tiers. Backplane messages do not go through it; they are encoded as JSON.
package serializer

import (
	"github.com/eoniclabs/methodcache-go/errs"
	"github.com/vmihailenco/msgpack/v5"
)

// Serializer converts values to and from bytes for out-of-process storage.
// Round-trip is the defining invariant: Deserialize(Serialize(v)) must equal
// v for any value that serializes successfully.
type Serializer interface {
	// Serialize encodes value. Returns an errs.Serialization-classified
	// error (carrying the offending type name) on failure.
	Serialize(value interface{}) ([]byte, error)

	// Deserialize decodes data into target, a pointer to the destination
	// type. Empty input decodes to a null/absent result, not an error.
	// Returns an errs.Deserialization-classified error (carrying the target
	// type name) on failure.
	Deserialize(data []byte, target interface{}) error

	// ContentType names the wire format, e.g. "application/x-msgpack".
	ContentType() string
}

// MsgpackSerializer is the default out-of-process serializer.
type MsgpackSerializer struct{}

// NewMsgpackSerializer constructs the default serializer.
func NewMsgpackSerializer() Serializer { return MsgpackSerializer{} }

// Serialize implements Serializer.
func (MsgpackSerializer) Serialize(value interface{}) ([]byte, error) {
	data, err := msgpack.Marshal(value)
	if err != nil {
		return nil, errs.Wrap(errs.Serialization, err, "serialize %T", value)
	}
	return data, nil
}

// Deserialize implements Serializer.
func (MsgpackSerializer) Deserialize(data []byte, target interface{}) error {
	if len(data) == 0 {
		// Empty input deserializes to a null/absent result, not an error.
		return nil
	}
	if err := msgpack.Unmarshal(data, target); err != nil {
		return errs.Wrap(errs.Deserialization, err, "deserialize into %T", target)
	}
	return nil
}

// ContentType implements Serializer.
func (MsgpackSerializer) ContentType() string { return "application/x-msgpack" }

// Default is the serializer used when a layer is not configured with one
// explicitly.
var Default Serializer = MsgpackSerializer{}
