package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// Upstream request legs.
const (
	LegAPI     = "api"
	LegStorage = "storage"
)

// statusBandwidthExceeded is the status MEGA storage nodes send when the
// transfer quota of the caller is used up.
const statusBandwidthExceeded = 509

// InstrumentedTransport records upstream fetch metrics for every request it
// carries. Requests are split into legs: POSTs are API commands, anything
// else is a storage node transfer.
type InstrumentedTransport struct {
	base     http.RoundTripper
	upstream string
}

// NewInstrumentedTransport wraps base for the named upstream. A nil base
// means http.DefaultTransport.
func NewInstrumentedTransport(base http.RoundTripper, upstream string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, upstream: upstream}
}

// RequestLeg names the leg a request belongs to.
func RequestLeg(req *http.Request) string {
	if req.Method == http.MethodPost {
		return LegAPI
	}
	return LegStorage
}

// ResponseOutcome classifies an upstream status code.
func ResponseOutcome(status int) string {
	switch {
	case status == statusBandwidthExceeded:
		return "quota"
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "success"
	}
}

// RoundTrip implements http.RoundTripper.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	fetch := upstreamFetch{
		ctx:      req.Context(),
		upstream: t.upstream,
		leg:      RequestLeg(req),
		start:    time.Now(),
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		fetch.outcome = "error"
		if req.Context().Err() != nil {
			fetch.outcome = "canceled"
		}
		fetch.record()
		return nil, err
	}

	fetch.outcome = ResponseOutcome(resp.StatusCode)
	resp.Body = &instrumentedBody{ReadCloser: resp.Body, fetch: fetch}
	return resp, nil
}

// upstreamFetch accumulates one request until it is recorded.
type upstreamFetch struct {
	ctx      context.Context
	upstream string
	leg      string
	start    time.Time
	bytes    int64
	outcome  string
}

func (f *upstreamFetch) record() {
	RecordUpstreamFetch(f.ctx, f.upstream, f.leg, time.Since(f.start), f.bytes, f.outcome)
}

// instrumentedBody records the fetch when the body is closed. A read error
// on an otherwise successful response marks it interrupted.
type instrumentedBody struct {
	io.ReadCloser
	fetch    upstreamFetch
	recorded bool
}

func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.fetch.bytes += int64(n)
	if err != nil && !errors.Is(err, io.EOF) && b.fetch.outcome == "success" {
		b.fetch.outcome = "interrupted"
	}
	return n, err
}

func (b *instrumentedBody) Close() error {
	if !b.recorded {
		b.recorded = true
		b.fetch.record()
	}
	return b.ReadCloser.Close()
}
