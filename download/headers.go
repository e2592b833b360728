package download

import (
	"mime"
	"net/http"
	"strconv"
	"strings"

	megaproxy "github.com/Mrlabani/mega-proxy"
)

// DefaultFilename is used when a remote name sanitizes to nothing.
const DefaultFilename = "download"

// SanitizeFilename strips control characters and path separators from a
// remote file name.
func SanitizeFilename(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r < 0x20, r == 0x7f:
			return -1
		case r == '/', r == '\\':
			return '_'
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return DefaultFilename
	}
	return name
}

// ContentDisposition builds an attachment disposition for name. Non-ASCII
// names are encoded per RFC 2231.
func ContentDisposition(name string) string {
	v := mime.FormatMediaType("attachment", map[string]string{"filename": SanitizeFilename(name)})
	if v == "" {
		return "attachment"
	}
	return v
}

// SetHeaders sets the response headers of a download. They must be written
// before the first body byte.
func SetHeaders(h http.Header, meta megaproxy.ObjectMetadata) {
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Disposition", ContentDisposition(meta.Name))
	h.Set("Content-Length", strconv.FormatUint(meta.Size, 10))
	h.Set("Accept-Ranges", "none")
	h.Set("X-Content-Type-Options", "nosniff")
}
