// Package serializer turns a checkpoint's value.Value payload into bytes
// (and back), and computes the content fingerprint used for
// deduplication and for detecting drift between two checkpoints.
//
// Three flavors share one guarantee: semantically equal values always
// produce equal fingerprints, because the fingerprint is always computed
// over value.Value's canonical form rather than over the flavor's own
// encoded bytes.
package serializer

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/joss/ckpt/internal/value"
)

// Flavor identifies a wire encoding.
type Flavor string

const (
	FlavorText       Flavor = "text"
	FlavorBinary     Flavor = "binary"
	FlavorCompressed Flavor = "compressed"
)

// SerializationError wraps a failure to encode or decode a value, tagged
// with the flavor that failed.
type SerializationError struct {
	Flavor Flavor
	Op     string // "serialize" or "deserialize"
	Err    error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serializer: %s %s: %v", e.Flavor, e.Op, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// Kind satisfies the substrate's small error-taxonomy interface.
func (e *SerializationError) Kind() string { return "SerializationError" }

// Serializer converts between value.Value and a byte encoding.
type Serializer interface {
	Flavor() Flavor
	Serialize(v value.Value) ([]byte, error)
	Deserialize(data []byte) (value.Value, error)
}

// For parses a flavor name (as stored in config or a CLI flag) into a
// Serializer. It defaults to the text flavor for an empty string.
func For(flavor string) (Serializer, error) {
	switch Flavor(flavor) {
	case "", FlavorText:
		return Text{}, nil
	case FlavorBinary:
		return Binary{}, nil
	case FlavorCompressed:
		return Compressed{}, nil
	default:
		return nil, fmt.Errorf("serializer: unknown flavor %q", flavor)
	}
}

// Fingerprint returns the content fingerprint of v: a hex-encoded SHA-256
// digest of v's canonical byte form. Two values are semantically equal if
// and only if they have the same fingerprint.
func Fingerprint(v value.Value) string {
	sum := sha256.Sum256(v.Canonical())
	return hex.EncodeToString(sum[:])
}

// Text is the canonical-JSON flavor: human-readable, diffable, and the
// default for the file-tree backend.
type Text struct{}

func (Text) Flavor() Flavor { return FlavorText }

func (Text) Serialize(v value.Value) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &SerializationError{Flavor: FlavorText, Op: "serialize", Err: err}
	}
	return data, nil
}

func (Text) Deserialize(data []byte) (value.Value, error) {
	var v value.Value
	if err := json.Unmarshal(data, &v); err != nil {
		return value.Value{}, &SerializationError{Flavor: FlavorText, Op: "deserialize", Err: err}
	}
	return v, nil
}

// Binary is a length-prefixed encoding of the same canonical JSON bytes: a
// 4-byte little-endian length header followed by the payload. Deserialize
// checks the header against the payload length, then parses the JSON.
type Binary struct{}

func (Binary) Flavor() Flavor { return FlavorBinary }

func (Binary) Serialize(v value.Value) ([]byte, error) {
	payload := v.Canonical()
	buf := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	return buf, nil
}

func (Binary) Deserialize(data []byte) (value.Value, error) {
	if len(data) < 4 {
		return value.Value{}, &SerializationError{Flavor: FlavorBinary, Op: "deserialize", Err: fmt.Errorf("truncated header")}
	}
	n := binary.LittleEndian.Uint32(data[:4])
	if uint32(len(data)-4) != n {
		return value.Value{}, &SerializationError{Flavor: FlavorBinary, Op: "deserialize", Err: fmt.Errorf("length mismatch: header says %d, have %d", n, len(data)-4)}
	}
	var v value.Value
	if err := json.Unmarshal(data[4:], &v); err != nil {
		return value.Value{}, &SerializationError{Flavor: FlavorBinary, Op: "deserialize", Err: err}
	}
	return v, nil
}

// Compressed gzips the canonical JSON form, trading CPU for size on large
// reasoning-state payloads.
type Compressed struct{}

func (Compressed) Flavor() Flavor { return FlavorCompressed }

func (Compressed) Serialize(v value.Value) ([]byte, error) {
	var buf bytes.Buffer
	gzw := gzip.NewWriter(&buf)
	if _, err := gzw.Write(v.Canonical()); err != nil {
		return nil, &SerializationError{Flavor: FlavorCompressed, Op: "serialize", Err: err}
	}
	if err := gzw.Close(); err != nil {
		return nil, &SerializationError{Flavor: FlavorCompressed, Op: "serialize", Err: err}
	}
	return buf.Bytes(), nil
}

func (Compressed) Deserialize(data []byte) (value.Value, error) {
	gzr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return value.Value{}, &SerializationError{Flavor: FlavorCompressed, Op: "deserialize", Err: err}
	}
	defer gzr.Close()

	decoded, err := io.ReadAll(gzr)
	if err != nil {
		return value.Value{}, &SerializationError{Flavor: FlavorCompressed, Op: "deserialize", Err: err}
	}
	var v value.Value
	if err := json.Unmarshal(decoded, &v); err != nil {
		return value.Value{}, &SerializationError{Flavor: FlavorCompressed, Op: "deserialize", Err: err}
	}
	return v, nil
}
