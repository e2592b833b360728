package megaproxy

import (
	"encoding/hex"
	"io"

	"github.com/zeebo/blake3"
)

// DigestSize is the size of a BLAKE3 digest in bytes.
const DigestSize = 32

// Digest is a BLAKE3 256-bit digest of delivered content.
type Digest [DigestSize]byte

// String returns the hex-encoded digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// ShortString returns the first 8 bytes hex-encoded, for log lines.
func (d Digest) ShortString() string {
	return hex.EncodeToString(d[:8])
}

// IsZero reports whether the digest is unset.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// DigestBytes computes the BLAKE3 digest of data.
func DigestBytes(data []byte) Digest {
	return Digest(blake3.Sum256(data))
}

// HashingReader wraps a reader and digests everything read through it.
type HashingReader struct {
	r io.Reader
	h *blake3.Hasher
	n int64
}

// NewHashingReader returns a reader that digests data as it is read.
func NewHashingReader(r io.Reader) *HashingReader {
	return &HashingReader{r: r, h: blake3.New()}
}

// Read implements io.Reader.
func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		_, _ = hr.h.Write(p[:n])
		hr.n += int64(n)
	}
	return n, err
}

// Sum returns the digest of all data read so far.
func (hr *HashingReader) Sum() Digest {
	var d Digest
	hr.h.Sum(d[:0])
	return d
}

// BytesRead returns the number of bytes read so far.
func (hr *HashingReader) BytesRead() int64 {
	return hr.n
}
