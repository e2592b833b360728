package mega

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/json"
	"io"
)

const fileKeySize = 32

// fileKey is the unpacked form of a link key. The AES-128 key is the XOR of
// both halves and the CTR nonce is the first 8 bytes of the second half. The
// trailing 8 bytes hold the meta-MAC, which is not verified.
type fileKey struct {
	aes   [16]byte
	nonce [8]byte
}

func unpackKey(raw []byte) (fileKey, error) {
	var k fileKey
	if len(raw) != fileKeySize {
		return k, &LinkError{Reason: "key has wrong length"}
	}
	for i := range k.aes {
		k.aes[i] = raw[i] ^ raw[i+16]
	}
	copy(k.nonce[:], raw[16:24])
	return k, nil
}

type attributes struct {
	Name string `json:"n"`
}

// decryptAttributes decrypts the "at" field of a file node: AES-CBC with a
// zero IV over "MEGA" followed by JSON, zero padded to the block size.
func decryptAttributes(k fileKey, encoded string) (attributes, error) {
	var attrs attributes

	ct, err := decodeBase64(encoded)
	if err != nil {
		return attrs, &DecryptError{Reason: "attributes are not base64"}
	}
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return attrs, &DecryptError{Reason: "attributes are not block aligned"}
	}

	block, err := aes.NewCipher(k.aes[:])
	if err != nil {
		return attrs, &DecryptError{Reason: err.Error()}
	}
	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, make([]byte, aes.BlockSize)).CryptBlocks(pt, ct)

	if !bytes.HasPrefix(pt, []byte("MEGA{")) {
		return attrs, &DecryptError{Reason: "wrong key"}
	}
	pt = bytes.TrimRight(pt[len("MEGA"):], "\x00")
	if err := json.Unmarshal(pt, &attrs); err != nil {
		return attrs, &DecryptError{Reason: "malformed attributes"}
	}
	return attrs, nil
}

// contentReader decrypts file content with AES-CTR, counter starting at zero.
type contentReader struct {
	r    io.Reader
	body io.Closer
}

func newContentReader(k fileKey, body io.ReadCloser) (*contentReader, error) {
	block, err := aes.NewCipher(k.aes[:])
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aes.BlockSize)
	copy(iv, k.nonce[:])

	return &contentReader{
		r:    cipher.StreamReader{S: cipher.NewCTR(block, iv), R: body},
		body: body,
	}, nil
}

func (c *contentReader) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *contentReader) Close() error {
	return c.body.Close()
}
