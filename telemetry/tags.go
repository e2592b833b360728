// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

// requestTagsKey is the context key for the request tags holder.
const requestTagsKey contextKey = "request_tags"

// CacheResult represents the outcome of a metadata cache lookup.
type CacheResult string

const (
	CacheHit    CacheResult = "hit"
	CacheMiss   CacheResult = "miss"
	CacheBypass CacheResult = "bypass"
	CacheNA     CacheResult = "na"
)

// Flow names the router branch that served a request.
const (
	FlowRoot     = "root"
	FlowMetadata = "metadata"
	FlowDownload = "download"
	FlowNotFound = "not_found"
	FlowInternal = "internal"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Flow        string
	CacheResult CacheResult
	Outcome     string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheBypass}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	return TagsFromContext(r.Context())
}

// TagsFromContext retrieves the request tags from ctx, or nil.
func TagsFromContext(ctx context.Context) *RequestTags {
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult sets the cache result for logging.
func SetCacheResult(r *http.Request, result CacheResult) {
	if tags := GetTags(r); tags != nil {
		tags.CacheResult = result
	}
}

// SetFlow sets the router flow tag for metrics and logging.
func SetFlow(r *http.Request, flow string) {
	if tags := GetTags(r); tags != nil {
		tags.Flow = flow
	}
}

// SetOutcome records how the handler finished, e.g. "success" or "size_exceeded".
func SetOutcome(r *http.Request, outcome string) {
	if tags := GetTags(r); tags != nil {
		tags.Outcome = outcome
	}
}
