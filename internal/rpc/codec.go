package rpc

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Frames are a 4-byte big-endian payload length followed by a CBOR
// encoded envelope. Both requests and responses travel in envelopes,
// in either direction of the connection.
const maxFrameSize = 4 << 20

type msgKind uint8

const (
	kindRequest msgKind = iota + 1
	kindResponse
)

type envelope struct {
	Kind  msgKind         `cbor:"kind"`
	ID    uint64          `cbor:"id"`
	Proc  string          `cbor:"proc,omitempty"`
	Body  cbor.RawMessage `cbor:"body,omitempty"`
	Error string          `cbor:"error,omitempty"`
}

func writeFrame(w io.Writer, env *envelope) error {
	payload, err := cbor.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	if len(payload) > maxFrameSize {
		return ErrFrameTooLarge
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

func readFrame(r io.Reader) (*envelope, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	env := new(envelope)
	if err := cbor.Unmarshal(payload, env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	return env, nil
}
