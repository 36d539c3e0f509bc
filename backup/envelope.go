// backup/envelope.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/lacoski/benji/transform"
)

// Stored objects are self-describing: a magic number, then a gob-encoded
// envelope carrying the per-stage transform metadata followed by the
// transformed payload. Decoding needs nothing beyond the object itself
// and the transform implementations.
var objectMagic = []byte{'B', 'N', 'J', '1'}

type envelope struct {
	Metas   []transform.Meta
	Payload []byte
}

func encodeObject(metas []transform.Meta, payload []byte) ([]byte, error) {
	var b bytes.Buffer
	b.Write(objectMagic)
	if err := gob.NewEncoder(&b).Encode(envelope{Metas: metas, Payload: payload}); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func decodeObject(data []byte) ([]transform.Meta, []byte, error) {
	if len(data) < len(objectMagic) || !bytes.Equal(data[:len(objectMagic)], objectMagic) {
		return nil, nil, fmt.Errorf("stored object bytes don't start with magic number: %w",
			transform.ErrIntegrity)
	}
	var e envelope
	if err := gob.NewDecoder(bytes.NewReader(data[len(objectMagic):])).Decode(&e); err != nil {
		return nil, nil, fmt.Errorf("stored object envelope: %v: %w", err,
			transform.ErrIntegrity)
	}
	return e.Metas, e.Payload, nil
}
