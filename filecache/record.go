package filecache

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
)

// ticksPerSecond is the on-disk time resolution: 100ns ticks, matching the
// wire format's expires_ticks field. The epoch is the Unix epoch UTC; the
// format does not otherwise care which epoch is used since a record is only
// ever read back by the same installation that wrote it.
const ticksPerSecond = int64(time.Second / 100)

// recordHeaderLen is the fixed-size prefix before the payload:
// [0..8) int64 expires_ticks little-endian
// [8..12) int32 payload_len little-endian
const recordHeaderLen = 12

// fileRecord is the decoded form of an on-disk cache entry.
type fileRecord struct {
	expiresTicks int64 // 0 means "no expiration"
	payload      []byte
}

func ticksFromTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano() / 100
}

func timeFromTicks(ticks int64) time.Time {
	if ticks == 0 {
		return time.Time{}
	}
	return time.Unix(0, ticks*100).UTC()
}

// encodeRecord serializes a fileRecord to the on-disk byte layout.
func encodeRecord(r fileRecord) ([]byte, error) {
	if len(r.payload) > int(^uint32(0)>>1) {
		return nil, fmt.Errorf("filecache: payload too large (%d bytes)", len(r.payload))
	}
	buf := make([]byte, recordHeaderLen+len(r.payload))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(r.expiresTicks))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(r.payload)))
	copy(buf[recordHeaderLen:], r.payload)
	return buf, nil
}

// decodeRecord parses the on-disk byte layout back into a fileRecord.
func decodeRecord(buf []byte) (fileRecord, error) {
	if len(buf) < recordHeaderLen {
		return fileRecord{}, fmt.Errorf("filecache: record too short (%d bytes)", len(buf))
	}
	expires := int64(binary.LittleEndian.Uint64(buf[0:8]))
	payloadLen := binary.LittleEndian.Uint32(buf[8:12])
	if recordHeaderLen+int(payloadLen) > len(buf) {
		return fileRecord{}, fmt.Errorf("filecache: truncated record, want %d bytes have %d", recordHeaderLen+int(payloadLen), len(buf))
	}
	payload := make([]byte, payloadLen)
	copy(payload, buf[recordHeaderLen:recordHeaderLen+int(payloadLen)])
	return fileRecord{expiresTicks: expires, payload: payload}, nil
}

// FilenameEncoding selects how a hashed key is rendered into a filename.
type FilenameEncoding int

const (
	// FilenameHex renders the digest as lowercase hex (the default).
	FilenameHex FilenameEncoding = iota
	// FilenameBase64URL renders the digest as unpadded URL-safe base64.
	FilenameBase64URL
)

// hashFilename derives the on-disk filename for a FormattedKey: the
// BLAKE2b-128 digest of its UTF-8 bytes, hex or base64url encoded.
func hashFilename(formattedKey string, enc FilenameEncoding) (string, error) {
	h, err := blake2b.New(16, nil)
	if err != nil {
		return "", fmt.Errorf("filecache: blake2b init: %w", err)
	}
	_, _ = h.Write([]byte(formattedKey))
	sum := h.Sum(nil)
	switch enc {
	case FilenameBase64URL:
		return base64.RawURLEncoding.EncodeToString(sum), nil
	default:
		return hex.EncodeToString(sum), nil
	}
}
