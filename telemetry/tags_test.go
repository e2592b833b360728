package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTaggedRequest() *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api?url=x", nil)
	return InjectTags(r)
}

func TestInjectTags_DefaultsCacheResultToBypass(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)
	require.NotNil(t, tags)
	require.Equal(t, CacheBypass, tags.CacheResult)
	require.Empty(t, tags.Flow)
	require.Empty(t, tags.Outcome)
}

func TestGetTags_NilWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	require.Nil(t, GetTags(r))
	require.Nil(t, TagsFromContext(context.Background()))
}

func TestSetters_NoopWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	// none of these may panic
	SetFlow(r, FlowMetadata)
	SetCacheResult(r, CacheHit)
	SetOutcome(r, "success")
}

func TestTagsMutationVisibleThroughPointer(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)

	SetFlow(r, FlowDownload)
	SetCacheResult(r, CacheNA)
	SetOutcome(r, "aborted")

	require.Equal(t, FlowDownload, tags.Flow)
	require.Equal(t, CacheNA, tags.CacheResult)
	require.Equal(t, "aborted", tags.Outcome)
}
