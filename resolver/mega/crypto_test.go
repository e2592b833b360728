package mega

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"testing"

	megaproxy "github.com/Mrlabani/mega-proxy"
	"github.com/stretchr/testify/require"
)

// testFile is an encrypted file as the MEGA API and storage node hold it.
type testFile struct {
	handle     string
	rawKey     []byte
	attr       string
	plaintext  []byte
	ciphertext []byte
}

func (f testFile) link() string {
	return "https://mega.nz/file/" + f.handle + "#" + base64.RawURLEncoding.EncodeToString(f.rawKey)
}

func newTestFile(t *testing.T, handle, name string, content []byte) testFile {
	t.Helper()

	raw := make([]byte, fileKeySize)
	_, err := rand.Read(raw)
	require.NoError(t, err)

	k, err := unpackKey(raw)
	require.NoError(t, err)

	return testFile{
		handle:     handle,
		rawKey:     raw,
		attr:       encryptAttributes(t, k, name),
		plaintext:  content,
		ciphertext: encryptContent(t, k, content),
	}
}

func encryptAttributes(t *testing.T, k fileKey, name string) string {
	t.Helper()

	js, err := json.Marshal(attributes{Name: name})
	require.NoError(t, err)

	pt := append([]byte("MEGA"), js...)
	if pad := len(pt) % aes.BlockSize; pad != 0 {
		pt = append(pt, make([]byte, aes.BlockSize-pad)...)
	}

	block, err := aes.NewCipher(k.aes[:])
	require.NoError(t, err)
	ct := make([]byte, len(pt))
	cipher.NewCBCEncrypter(block, make([]byte, aes.BlockSize)).CryptBlocks(ct, pt)

	return base64.RawURLEncoding.EncodeToString(ct)
}

func encryptContent(t *testing.T, k fileKey, content []byte) []byte {
	t.Helper()

	block, err := aes.NewCipher(k.aes[:])
	require.NoError(t, err)
	iv := make([]byte, aes.BlockSize)
	copy(iv, k.nonce[:])

	out := make([]byte, len(content))
	cipher.NewCTR(block, iv).XORKeyStream(out, content)
	return out
}

func TestUnpackKey(t *testing.T) {
	raw := make([]byte, fileKeySize)
	for i := range raw {
		raw[i] = byte(i)
	}

	k, err := unpackKey(raw)
	require.NoError(t, err)
	for i := 0; i < 16; i++ {
		require.Equal(t, byte(i)^byte(i+16), k.aes[i])
	}
	require.Equal(t, raw[16:24], k.nonce[:])

	_, err = unpackKey(raw[:16])
	require.ErrorIs(t, err, megaproxy.ErrResolution)
}

func TestDecryptAttributes(t *testing.T) {
	f := newTestFile(t, "abcdEFGH", "holiday video.mp4", []byte("x"))
	k, err := unpackKey(f.rawKey)
	require.NoError(t, err)

	attrs, err := decryptAttributes(k, f.attr)
	require.NoError(t, err)
	require.Equal(t, "holiday video.mp4", attrs.Name)
}

func TestDecryptAttributes_WrongKey(t *testing.T) {
	f := newTestFile(t, "abcdEFGH", "report.pdf", []byte("x"))
	other := newTestFile(t, "zzzzzzzz", "other.pdf", []byte("y"))

	k, err := unpackKey(other.rawKey)
	require.NoError(t, err)

	_, err = decryptAttributes(k, f.attr)
	var decErr *DecryptError
	require.ErrorAs(t, err, &decErr)
	require.ErrorIs(t, err, megaproxy.ErrResolution)
}

func TestDecryptAttributes_Malformed(t *testing.T) {
	k, err := unpackKey(make([]byte, fileKeySize))
	require.NoError(t, err)

	for _, at := range []string{"", "!!!", base64.RawURLEncoding.EncodeToString([]byte("short"))} {
		_, err := decryptAttributes(k, at)
		require.Error(t, err, "attributes %q", at)
	}
}

func TestContentReader(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789abcdef"), 4097)
	f := newTestFile(t, "abcdEFGH", "blob.bin", content)
	k, err := unpackKey(f.rawKey)
	require.NoError(t, err)

	body := &closeTracker{Reader: bytes.NewReader(f.ciphertext)}
	r, err := newContentReader(k, body)
	require.NoError(t, err)

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, content, got)

	require.NoError(t, r.Close())
	require.True(t, body.closed)
}

type closeTracker struct {
	io.Reader
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}
