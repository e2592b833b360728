package mega

import (
	"fmt"

	megaproxy "github.com/Mrlabani/mega-proxy"
)

// MEGA API error codes.
const (
	EINTERNAL    = -1
	EARGS        = -2
	EAGAIN       = -3
	ERATELIMIT   = -4
	EFAILED      = -5
	ETOOMANY     = -6
	ERANGE       = -7
	EEXPIRED     = -8
	ENOENT       = -9
	ECIRCULAR    = -10
	EACCESS      = -11
	EEXIST       = -12
	EINCOMPLETE  = -13
	EKEY         = -14
	ESID         = -15
	EBLOCKED     = -16
	EOVERQUOTA   = -17
	ETEMPUNAVAIL = -18
	ETOOMANYCONN = -19
)

var apiErrorNames = map[int]string{
	EINTERNAL:    "EINTERNAL",
	EARGS:        "EARGS",
	EAGAIN:       "EAGAIN",
	ERATELIMIT:   "ERATELIMIT",
	EFAILED:      "EFAILED",
	ETOOMANY:     "ETOOMANY",
	ERANGE:       "ERANGE",
	EEXPIRED:     "EEXPIRED",
	ENOENT:       "ENOENT",
	ECIRCULAR:    "ECIRCULAR",
	EACCESS:      "EACCESS",
	EEXIST:       "EEXIST",
	EINCOMPLETE:  "EINCOMPLETE",
	EKEY:         "EKEY",
	ESID:         "ESID",
	EBLOCKED:     "EBLOCKED",
	EOVERQUOTA:   "EOVERQUOTA",
	ETEMPUNAVAIL: "ETEMPUNAVAIL",
	ETOOMANYCONN: "ETOOMANYCONN",
}

var apiErrorText = map[int]string{
	EARGS:        "invalid arguments",
	EAGAIN:       "server busy, try again",
	ERATELIMIT:   "rate limited",
	ENOENT:       "file not found",
	EACCESS:      "access denied",
	EKEY:         "invalid key",
	ESID:         "invalid session",
	EBLOCKED:     "file is blocked",
	EOVERQUOTA:   "transfer quota exceeded",
	ETEMPUNAVAIL: "temporarily unavailable",
	ETOOMANYCONN: "too many connections",
}

// APIError is a negative status code returned by the MEGA API.
type APIError struct {
	Code int
}

func (e *APIError) Error() string {
	name, ok := apiErrorNames[e.Code]
	if !ok {
		name = "EUNKNOWN"
	}
	if text, ok := apiErrorText[e.Code]; ok {
		return fmt.Sprintf("mega api error %d (%s): %s", e.Code, name, text)
	}
	return fmt.Sprintf("mega api error %d (%s)", e.Code, name)
}

func (e *APIError) Unwrap() error {
	return megaproxy.ErrResolution
}

// Temporary reports whether the request may succeed if retried.
func (e *APIError) Temporary() bool {
	switch e.Code {
	case EAGAIN, ERATELIMIT, ETEMPUNAVAIL, ETOOMANYCONN:
		return true
	}
	return false
}

// LinkError reports a share link that cannot be parsed.
type LinkError struct {
	Reason string
}

func (e *LinkError) Error() string {
	return "invalid mega link: " + e.Reason
}

func (e *LinkError) Unwrap() error {
	return megaproxy.ErrResolution
}

// DecryptError reports attributes that do not decrypt with the link key.
type DecryptError struct {
	Reason string
}

func (e *DecryptError) Error() string {
	return "cannot decrypt file attributes: " + e.Reason
}

func (e *DecryptError) Unwrap() error {
	return megaproxy.ErrResolution
}
