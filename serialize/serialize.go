// Package serialize provides the Serializer contract used to turn cached
// values into bytes for the file and distributed tiers, plus the two
// concrete implementations this module ships: plain JSON and JSON+LZ4.
//
// A Serializer's Tag becomes part of every FormattedKey, so changing codecs
// for a type automatically invalidates the previous generation's on-disk and
// distributed entries instead of silently deserializing garbage.
package serialize

import (
	"encoding/json"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// Serializer converts values of a given Go type to and from bytes.
type Serializer interface {
	// Tag identifies this codec (e.g. "json", "json-lz4"). It is embedded
	// into FormattedKey so incompatible codec changes cannot collide.
	Tag() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, out any) error
}

// JSON is the plain encoding/json serializer, no compression.
type JSON struct{}

// Tag returns "json".
func (JSON) Tag() string { return "json" }

// Marshal encodes v with encoding/json.
func (JSON) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal decodes data into out with encoding/json.
func (JSON) Unmarshal(data []byte, out any) error { return json.Unmarshal(data, out) }

// JSONLZ4 is the default serializer: encoding/json followed by LZ4 block
// compression. It trades a small CPU cost for materially smaller payloads on
// the disk and distributed tiers.
type JSONLZ4 struct{}

// Tag returns "json-lz4".
func (JSONLZ4) Tag() string { return "json-lz4" }

// Marshal JSON-encodes v, then LZ4-compresses the result.
func (JSONLZ4) Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, lz4.CompressBlockBound(len(raw)))
	var c lz4.Compressor
	n, err := c.CompressBlock(raw, buf)
	if err != nil {
		return nil, fmt.Errorf("serialize: lz4 compress: %w", err)
	}
	// Prefix with the uncompressed length so Unmarshal can size the
	// decompression buffer without guessing.
	out := make([]byte, 4+n)
	putUint32(out, uint32(len(raw)))
	copy(out[4:], buf[:n])
	return out, nil
}

// Unmarshal LZ4-decompresses data, then JSON-decodes it into out.
func (JSONLZ4) Unmarshal(data []byte, out any) error {
	if len(data) < 4 {
		return fmt.Errorf("serialize: lz4 payload too short (%d bytes)", len(data))
	}
	rawLen := getUint32(data)
	raw := make([]byte, rawLen)
	n, err := lz4.UncompressBlock(data[4:], raw)
	if err != nil {
		return fmt.Errorf("serialize: lz4 decompress: %w", err)
	}
	return json.Unmarshal(raw[:n], out)
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// ByName returns the built-in serializer for tag, or false if unknown.
func ByName(tag string) (Serializer, bool) {
	switch tag {
	case "json":
		return JSON{}, true
	case "json-lz4", "":
		return JSONLZ4{}, true
	default:
		return nil, false
	}
}
