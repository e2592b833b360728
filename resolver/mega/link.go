package mega

import (
	"encoding/base64"
	"net/url"
	"strings"
)

var linkHosts = map[string]bool{
	"mega.nz":        true,
	"www.mega.nz":    true,
	"mega.co.nz":     true,
	"www.mega.co.nz": true,
	"mega.io":        true,
	"www.mega.io":    true,
}

// Link is a parsed public file link.
type Link struct {
	// Handle is the public node handle.
	Handle string

	// Key is the 32 byte file key from the link fragment.
	Key []byte
}

// ParseLink accepts both https://mega.nz/file/<handle>#<key> and the legacy
// https://mega.nz/#!<handle>!<key> form. Folder links are rejected.
func ParseLink(raw string) (Link, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Link{}, &LinkError{Reason: err.Error()}
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return Link{}, &LinkError{Reason: "scheme must be https"}
	}
	if !linkHosts[strings.ToLower(u.Hostname())] {
		return Link{}, &LinkError{Reason: "host " + u.Hostname() + " is not a mega host"}
	}

	var handle, key string
	switch {
	case strings.HasPrefix(u.Path, "/file/"):
		handle = strings.TrimPrefix(u.Path, "/file/")
		key = u.Fragment
	case strings.HasPrefix(u.Path, "/folder/"), strings.HasPrefix(u.Fragment, "F!"):
		return Link{}, &LinkError{Reason: "folder links are not supported"}
	case strings.HasPrefix(u.Fragment, "!"):
		parts := strings.SplitN(u.Fragment[1:], "!", 2)
		if len(parts) != 2 {
			return Link{}, &LinkError{Reason: "missing key"}
		}
		handle, key = parts[0], parts[1]
	default:
		return Link{}, &LinkError{Reason: "not a file link"}
	}

	handle = strings.TrimSuffix(handle, "/")
	if handle == "" || strings.ContainsAny(handle, "/?#") {
		return Link{}, &LinkError{Reason: "malformed handle"}
	}
	if key == "" {
		return Link{}, &LinkError{Reason: "missing key"}
	}

	rawKey, err := decodeBase64(key)
	if err != nil {
		return Link{}, &LinkError{Reason: "key is not base64: " + err.Error()}
	}
	if len(rawKey) != fileKeySize {
		return Link{}, &LinkError{Reason: "key has wrong length"}
	}

	return Link{Handle: handle, Key: rawKey}, nil
}

// decodeBase64 decodes MEGA's unpadded URL-safe base64, tolerating padding
// and the standard alphabet.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	s = strings.NewReplacer("+", "-", "/", "_").Replace(s)
	return base64.RawURLEncoding.DecodeString(s)
}
