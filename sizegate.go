package megaproxy

// MaxSize is the largest object the proxy will describe or transfer (5 GiB).
const MaxSize uint64 = 5 * 1024 * 1024 * 1024

// SizeLimitMessage is reported to clients when an object exceeds MaxSize.
const SizeLimitMessage = "File exceeds 5GB limit"

// Permits reports whether an object of the given size may be transferred.
// Callers reject unknown (zero) sizes before consulting the gate.
func Permits(size uint64) bool {
	return size <= MaxSize
}
