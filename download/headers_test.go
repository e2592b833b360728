package download

import (
	"mime"
	"net/http"
	"testing"

	megaproxy "github.com/Mrlabani/mega-proxy"
	"github.com/stretchr/testify/require"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"report.pdf", "report.pdf"},
		{"bad\r\nname.txt", "badname.txt"},
		{"tab\there", "tabhere"},
		{"../../etc/passwd", ".._.._etc_passwd"},
		{`C:\temp\file.bin`, "C:_temp_file.bin"},
		{"\x00\x01", DefaultFilename},
		{"  ", DefaultFilename},
		{"..", DefaultFilename},
		{"", DefaultFilename},
		{"vidéo.mp4", "vidéo.mp4"},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, SanitizeFilename(tt.in), "input %q", tt.in)
	}
}

func TestContentDisposition(t *testing.T) {
	tests := []struct {
		name     string
		filename string
	}{
		{"plain", "report.pdf"},
		{"spaces", "my holiday video.mp4"},
		{"quotes", `say "hi".txt`},
		{"non-ascii", "résumé 履歴書.pdf"},
		{"header injection", "evil.txt\r\nX-Injected: 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := ContentDisposition(tt.filename)
			require.NotContains(t, v, "\r")
			require.NotContains(t, v, "\n")

			disp, params, err := mime.ParseMediaType(v)
			require.NoError(t, err)
			require.Equal(t, "attachment", disp)
			require.Equal(t, SanitizeFilename(tt.filename), params["filename"])
		})
	}

	require.Equal(t, "attachment; filename=report.pdf", ContentDisposition("report.pdf"))
}

func TestSetHeaders(t *testing.T) {
	h := make(http.Header)
	SetHeaders(h, megaproxy.ObjectMetadata{Name: "movie.mkv", Size: 1048576})

	require.Equal(t, "application/octet-stream", h.Get("Content-Type"))
	require.Equal(t, "attachment; filename=movie.mkv", h.Get("Content-Disposition"))
	require.Equal(t, "1048576", h.Get("Content-Length"))
	require.Equal(t, "none", h.Get("Accept-Ranges"))
}
