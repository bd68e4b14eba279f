// Package cas provides content-addressable hashing for version nodes:
// BLAKE3 digests over canonical JSON serialization.
package cas

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"lukechampine.com/blake3"
)

// DigestSize is the size of a content hash in bytes.
const DigestSize = 32

// SerializationError indicates content that cannot be canonicalized.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("content cannot be canonicalized: %v", e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// NowMs returns the current time in milliseconds since epoch.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// Canonical converts a value to canonical JSON (stable key ordering,
// no insertion-order dependence). The same logical document always
// produces the same bytes on every platform.
func Canonical(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &SerializationError{Err: err}
	}

	// Round-trip through interface{} so map ordering is ours to control.
	var obj interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, &SerializationError{Err: err}
	}

	return canonicalMarshal(obj)
}

func canonicalMarshal(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		return marshalSortedMap(val)
	case []interface{}:
		return marshalArray(val)
	default:
		return json.Marshal(v)
	}
}

func marshalSortedMap(m map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')

	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}

		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')

		valBytes, err := canonicalMarshal(m[k])
		if err != nil {
			return nil, err
		}
		buf.Write(valBytes)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func marshalArray(arr []interface{}) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')

	for i, v := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		valBytes, err := canonicalMarshal(v)
		if err != nil {
			return nil, err
		}
		buf.Write(valBytes)
	}

	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// ContentHash computes the hash of a node: blake3 over the canonical
// content bytes concatenated with the sorted hex parent hashes. The
// digest is a pure function of (content, parents) and is re-verifiable
// at any later read.
func ContentHash(content interface{}, parents [][]byte) ([]byte, error) {
	canonical, err := Canonical(content)
	if err != nil {
		return nil, err
	}

	sorted := make([]string, 0, len(parents))
	for _, p := range parents {
		sorted = append(sorted, hex.EncodeToString(p))
	}
	sort.Strings(sorted)

	var buf bytes.Buffer
	buf.Write(canonical)
	for _, p := range sorted {
		buf.WriteByte('\n')
		buf.WriteString(p)
	}

	sum := blake3.Sum256(buf.Bytes())
	return sum[:], nil
}

// ContentHashHex computes the content hash and returns it as hex.
func ContentHashHex(content interface{}, parents [][]byte) (string, error) {
	h, err := ContentHash(content, parents)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h), nil
}

// Verify recomputes the hash of (content, parents) and compares it to
// the stored digest. A mismatch is a corruption signal, never repaired.
func Verify(content interface{}, parents [][]byte, want []byte) (bool, error) {
	got, err := ContentHash(content, parents)
	if err != nil {
		return false, err
	}
	return bytes.Equal(got, want), nil
}

// HexToBytes converts a hex string to bytes.
func HexToBytes(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

// BytesToHex converts bytes to a hex string.
func BytesToHex(b []byte) string {
	return hex.EncodeToString(b)
}

// ShortHex returns the first 12 hex characters of a digest, for display.
func ShortHex(b []byte) string {
	s := hex.EncodeToString(b)
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
