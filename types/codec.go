package types

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Wire encoding for all consensus records. Canonical mode keeps the
// encoding deterministic: map keys sorted, shortest-form integers, no
// indefinite lengths. Record digests and signatures depend on this.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("CONSENSUS CRITICAL: cbor encode mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 20,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("CONSENSUS CRITICAL: cbor decode mode: %v", err))
	}
}

// MarshalCanonical encodes v in canonical CBOR.
func MarshalCanonical(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// MustMarshalCanonical encodes v, panicking on failure. Use only on
// in-memory consensus types whose encoding cannot fail; a failure here
// means a corrupted type definition, not bad input.
func MustMarshalCanonical(v interface{}) []byte {
	data, err := encMode.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("CONSENSUS CRITICAL: failed to marshal %T: %v", v, err))
	}
	return data
}

// UnmarshalCanonical decodes canonical CBOR produced by MarshalCanonical.
func UnmarshalCanonical(data []byte, v interface{}) error {
	return decMode.Unmarshal(data, v)
}
