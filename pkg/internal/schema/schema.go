// Package schema is the wire codec. Every payload that crosses a transport is encoded here.
package schema

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/shamaton/msgpack/v3"
)

// Serialize encodes v as a msgpack map keyed by field name.
// The underlying format is an implementation detail and may change.
func Serialize(v any) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "failed to serialize")
	}
	return data, nil
}

// Deserialize decodes data into v, which must be a pointer.
func Deserialize(data []byte, v any) (err error) {
	defer func() {
		// shamaton/msgpack can panic on malformed input instead of returning an error. Inbound
		// bytes come from the network so recover here and report it as a decode failure.
		if r := recover(); r != nil {
			err = eris.Wrap(fmt.Errorf("panic: %v", r), "failed to deserialize")
		}
	}()

	if err := msgpack.Unmarshal(data, v); err != nil {
		return eris.Wrap(err, "failed to deserialize")
	}
	return nil
}

// SerializeCompact encodes structs as positional arrays. Used for packets and envelopes where
// field names would eat into the MTU.
func SerializeCompact(v any) ([]byte, error) {
	data, err := msgpack.MarshalAsArray(v)
	if err != nil {
		return nil, eris.Wrap(err, "failed to serialize")
	}
	return data, nil
}

// DeserializeCompact is the inverse of SerializeCompact.
func DeserializeCompact(data []byte, v any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Wrap(fmt.Errorf("panic: %v", r), "failed to deserialize")
		}
	}()

	if err := msgpack.UnmarshalAsArray(data, v); err != nil {
		return eris.Wrap(err, "failed to deserialize")
	}
	return nil
}
