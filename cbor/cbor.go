// Package cbor wraps fxamacker/cbor with the deterministic encoding
// options used for all state transfer wire messages.
package cbor

import (
	"bytes"
	"errors"
	"sync"

	_cbor "github.com/fxamacker/cbor/v2"
)

type RawMessage = _cbor.RawMessage

// StructAsArray tells the encoder to convert to/from a struct and a CBOR array
type StructAsArray struct {
	_ struct{} `cbor:",toarray"`
}

var (
	cachedEncMode     _cbor.EncMode
	cachedEncModeErr  error
	cachedEncModeOnce sync.Once

	cachedDecMode     _cbor.DecMode
	cachedDecModeErr  error
	cachedDecModeOnce sync.Once
)

func getEncMode() (_cbor.EncMode, error) {
	cachedEncModeOnce.Do(func() {
		opts := _cbor.EncOptions{
			// Make sure that maps have ordered keys
			Sort: _cbor.SortCoreDeterministic,
		}
		cachedEncMode, cachedEncModeErr = opts.EncMode()
	})
	return cachedEncMode, cachedEncModeErr
}

func getDecMode() (_cbor.DecMode, error) {
	cachedDecModeOnce.Do(func() {
		opts := _cbor.DecOptions{
			ExtraReturnErrors: _cbor.ExtraDecErrorUnknownField,
			MaxNestedLevels:   16,
		}
		cachedDecMode, cachedDecModeErr = opts.DecMode()
	})
	return cachedDecMode, cachedDecModeErr
}

func Encode(data any) ([]byte, error) {
	em, err := getEncMode()
	if err != nil {
		return nil, err
	}
	buf := bytes.NewBuffer(nil)
	enc := em.NewEncoder(buf)
	err = enc.Encode(data)
	return buf.Bytes(), err
}

// Decode decodes the first CBOR item in dataBytes into dest and returns
// the number of bytes consumed
func Decode(dataBytes []byte, dest any) (int, error) {
	decMode, err := getDecMode()
	if err != nil {
		return 0, err
	}
	if decMode == nil {
		return 0, errors.New("CBOR decoder mode not initialized")
	}
	dec := decMode.NewDecoder(bytes.NewReader(dataBytes))
	err = dec.Decode(dest)
	return dec.NumBytesRead(), err
}

// DecodeFirstUint returns the first item of a CBOR list when it is an
// unsigned integer. Used to peek at message type tags.
func DecodeFirstUint(data []byte) (uint64, error) {
	var items []RawMessage
	if _, err := Decode(data, &items); err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, errors.New("cbor: empty list")
	}
	var v uint64
	if _, err := Decode(items[0], &v); err != nil {
		return 0, err
	}
	return v, nil
}
