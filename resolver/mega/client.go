// Package mega resolves public MEGA file links: it fetches node metadata
// from the MEGA API, decrypts the file name and streams the decrypted
// content from the storage node.
package mega

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	megaproxy "github.com/Mrlabani/mega-proxy"
	"github.com/Mrlabani/mega-proxy/telemetry"
	"github.com/cenkalti/backoff/v5"
)

const (
	// DefaultAPIURL is the MEGA API endpoint.
	DefaultAPIURL = "https://g.api.mega.co.nz"

	// DefaultRetryMaxElapsed bounds retries of temporary API errors.
	DefaultRetryMaxElapsed = 15 * time.Second

	maxResponseSize = 1 << 20
)

// Client talks to the MEGA API. It is safe for concurrent use and keeps no
// per-request state.
type Client struct {
	apiURL          string
	sessionID       string
	client          *http.Client
	logger          *slog.Logger
	retryInitial    time.Duration
	retryMaxElapsed time.Duration
	seq             atomic.Uint64
}

// Option configures a Client.
type Option func(*Client)

// WithAPIURL overrides the API endpoint.
func WithAPIURL(u string) Option {
	return func(c *Client) {
		c.apiURL = strings.TrimSuffix(u, "/")
	}
}

// WithHTTPClient sets the HTTP client used for API calls and downloads.
// It must not set a total Timeout, downloads run for as long as the
// content takes to transfer.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithSessionID attaches a logged-in session id to API calls, which raises
// the transfer quota of downloads.
func WithSessionID(sid string) Option {
	return func(c *Client) {
		c.sessionID = sid
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRetry sets the backoff used for temporary API errors.
func WithRetry(initial, maxElapsed time.Duration) Option {
	return func(c *Client) {
		c.retryInitial = initial
		c.retryMaxElapsed = maxElapsed
	}
}

// New creates a MEGA client.
func New(opts ...Option) *Client {
	c := &Client{
		apiURL: DefaultAPIURL,
		client: &http.Client{
			Transport: telemetry.NewInstrumentedTransport(nil, "mega"),
		},
		logger:          slog.Default(),
		retryInitial:    250 * time.Millisecond,
		retryMaxElapsed: DefaultRetryMaxElapsed,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "mega")
	c.seq.Store(rand.Uint64N(1 << 32))
	return c
}

type getCommand struct {
	A   string `json:"a"`
	P   string `json:"p"`
	G   int    `json:"g,omitempty"`
	SSL int    `json:"ssl,omitempty"`
}

type fileInfo struct {
	Size int64  `json:"s"`
	Attr string `json:"at"`
	URL  string `json:"g"`
	Err  int    `json:"e"`
}

// Resolve returns the decrypted name and the size of the linked file.
func (c *Client) Resolve(ctx context.Context, ref megaproxy.ShareReference) (megaproxy.ObjectMetadata, error) {
	link, err := ParseLink(ref.String())
	if err != nil {
		return megaproxy.ObjectMetadata{}, err
	}
	key, err := unpackKey(link.Key)
	if err != nil {
		return megaproxy.ObjectMetadata{}, err
	}

	info, err := c.getFile(ctx, link, false)
	if err != nil {
		return megaproxy.ObjectMetadata{}, err
	}

	attrs, err := decryptAttributes(key, info.Attr)
	if err != nil {
		return megaproxy.ObjectMetadata{}, err
	}

	c.logger.Debug("resolved file", "handle", link.Handle, "name", attrs.Name, "size", info.Size)
	return megaproxy.ObjectMetadata{Name: attrs.Name, Size: uint64(info.Size)}, nil
}

// OpenStream requests a download URL for the linked file and returns its
// decrypted content. The request is bound to ctx.
func (c *Client) OpenStream(ctx context.Context, ref megaproxy.ShareReference) (io.ReadCloser, error) {
	link, err := ParseLink(ref.String())
	if err != nil {
		return nil, err
	}
	key, err := unpackKey(link.Key)
	if err != nil {
		return nil, err
	}

	info, err := c.getFile(ctx, link, true)
	if err != nil {
		return nil, err
	}
	if info.URL == "" {
		return nil, fmt.Errorf("%w: mega api returned no download url", megaproxy.ErrResolution)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, info.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching content: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case 509:
		_ = resp.Body.Close()
		return nil, &APIError{Code: EOVERQUOTA}
	default:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: storage node returned status %d", megaproxy.ErrResolution, resp.StatusCode)
	}

	if resp.ContentLength >= 0 && resp.ContentLength != info.Size {
		c.logger.Warn("storage node length differs from node size",
			"handle", link.Handle,
			"content_length", resp.ContentLength,
			"size", info.Size,
		)
	}

	body, err := newContentReader(key, resp.Body)
	if err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	return body, nil
}

// Ping sends an empty command batch to check the API is reachable.
func (c *Client) Ping(ctx context.Context) error {
	raw, err := c.post(ctx, []byte("[]"))
	if err != nil {
		return err
	}
	if code, ok := parseCode(raw); ok && code < 0 {
		return &APIError{Code: code}
	}
	return nil
}

func (c *Client) getFile(ctx context.Context, link Link, withURL bool) (fileInfo, error) {
	cmd := getCommand{A: "g", P: link.Handle}
	if withURL {
		cmd.G = 1
		cmd.SSL = 2
	}

	var info fileInfo
	if err := c.call(ctx, cmd, &info); err != nil {
		return info, err
	}
	if info.Err < 0 {
		return info, &APIError{Code: info.Err}
	}
	if info.Size < 0 {
		return info, fmt.Errorf("%w: mega api returned negative size %d", megaproxy.ErrResolution, info.Size)
	}
	return info, nil
}

// call sends a single command and decodes its result into out, retrying
// temporary errors with exponential backoff.
func (c *Client) call(ctx context.Context, cmd any, out any) error {
	payload, err := json.Marshal([]any{cmd})
	if err != nil {
		return fmt.Errorf("encoding command: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInitial

	result, err := backoff.Retry(ctx, func() (json.RawMessage, error) {
		raw, err := c.post(ctx, payload)
		if err != nil {
			return nil, err
		}
		return decodeBatch(raw)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(c.retryMaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Debug("mega api call failed, retrying", "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("%w: decoding mega api response: %v", megaproxy.ErrResolution, err)
	}
	return nil
}

// post sends a raw batch. Errors that retrying cannot fix are marked
// permanent.
func (c *Client) post(ctx context.Context, payload []byte) ([]byte, error) {
	q := url.Values{}
	q.Set("id", strconv.FormatUint(c.seq.Add(1), 10))
	if c.sessionID != "" {
		q.Set("sid", c.sessionID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/cs?"+q.Encode(), bytes.NewReader(payload))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("mega api returned status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, backoff.Permanent(fmt.Errorf("%w: mega api returned status %d", megaproxy.ErrResolution, resp.StatusCode))
	}

	return bytes.TrimSpace(body), nil
}

// decodeBatch extracts the first result of a batch response. The API
// replies with a bare error code when the whole batch fails and with an
// error code in place of a result when one command fails.
func decodeBatch(raw []byte) (json.RawMessage, error) {
	if code, ok := parseCode(raw); ok {
		return nil, classify(code)
	}

	var results []json.RawMessage
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%w: malformed mega api response", megaproxy.ErrResolution))
	}
	if len(results) == 0 {
		return nil, backoff.Permanent(fmt.Errorf("%w: empty mega api response", megaproxy.ErrResolution))
	}

	first := bytes.TrimSpace(results[0])
	if code, ok := parseCode(first); ok && code < 0 {
		return nil, classify(code)
	}
	return first, nil
}

func classify(code int) error {
	apiErr := &APIError{Code: code}
	if apiErr.Temporary() {
		return apiErr
	}
	return backoff.Permanent(apiErr)
}

func parseCode(raw []byte) (int, bool) {
	code, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, false
	}
	return code, true
}

// IsTemporary reports whether err is an API error worth retrying later.
func IsTemporary(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Temporary()
}
