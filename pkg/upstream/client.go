// Package upstream talks to the remote statistics service.
//
// The service is treated as opaque: every query is an HTTP GET returning a
// stats-style JSON document. Three queries are used per run:
//   - Enumerate: one bulk query listing every identifier in a scope
//   - FetchPrimary: the primary detail record set for one identifier
//   - FetchSecondary: the supplementary record set for one identifier
//
// The client never retries. Failures are classified with the sentinel errors
// in errors.go so the retry controller can decide what to do.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/3leaps/gamesync/pkg/record"
)

// Fetcher retrieves the per-identifier record sets.
type Fetcher interface {
	// FetchPrimary returns the primary record set for id.
	FetchPrimary(ctx context.Context, id string, timeout time.Duration) (*record.RecordSet, error)

	// FetchSecondary returns the supplementary record set for id.
	FetchSecondary(ctx context.Context, id string, timeout time.Duration) (*record.RecordSet, error)
}

// Source enumerates the identifiers of a scope.
type Source interface {
	Enumerate(ctx context.Context, scope string) ([]string, error)
}

// Endpoint describes one upstream query.
//
// Param values may reference {id} and {scope}; they are substituted per call.
type Endpoint struct {
	Path   string
	Params map[string]string
}

// Config configures an HTTP client.
type Config struct {
	// BaseURL is the service root, e.g. "https://stats.example.com/stats".
	BaseURL string

	// Headers are sent with every request (user agent, referer, tokens).
	Headers map[string]string

	// Scope is substituted for {scope} in per-identifier queries.
	Scope string

	// Enumerate is the bulk identifier query.
	Enumerate Endpoint

	// EnumerateTable selects the table holding identifiers (by name, or
	// first table when empty).
	EnumerateTable string

	// IDColumn is the normalized identifier column in the enumeration table.
	// Default: GAME_ID
	IDColumn string

	// Primary and Secondary are the per-identifier queries.
	Primary   Endpoint
	Secondary Endpoint

	// EnumerateTimeout bounds the enumeration query. Default: 60s
	EnumerateTimeout time.Duration
}

// DefaultIDColumn is the identifier column used when none is configured.
const DefaultIDColumn = "GAME_ID"

// Client is an HTTP implementation of Fetcher and Source.
type Client struct {
	cfg  Config
	http *http.Client
}

var (
	_ Fetcher = (*Client)(nil)
	_ Source  = (*Client)(nil)
)

// New creates a client. A nil httpClient uses a client without a global
// timeout; per-call timeouts are applied through the request context.
func New(cfg Config, httpClient *http.Client) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("upstream base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid upstream base url: %w", err)
	}
	if cfg.IDColumn == "" {
		cfg.IDColumn = DefaultIDColumn
	}
	if cfg.EnumerateTimeout <= 0 {
		cfg.EnumerateTimeout = 60 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{cfg: cfg, http: httpClient}, nil
}

// FetchPrimary implements Fetcher.
func (c *Client) FetchPrimary(ctx context.Context, id string, timeout time.Duration) (*record.RecordSet, error) {
	return c.fetch(ctx, "FetchPrimary", c.cfg.Primary, id, c.cfg.Scope, timeout)
}

// FetchSecondary implements Fetcher.
func (c *Client) FetchSecondary(ctx context.Context, id string, timeout time.Duration) (*record.RecordSet, error) {
	return c.fetch(ctx, "FetchSecondary", c.cfg.Secondary, id, c.cfg.Scope, timeout)
}

// Enumerate implements Source.
//
// Identifiers are returned in upstream order with duplicates removed. Any
// failure is reported as ErrSourceUnavailable.
func (c *Client) Enumerate(ctx context.Context, scope string) ([]string, error) {
	rs, err := c.fetch(ctx, "Enumerate", c.cfg.Enumerate, "", scope, c.cfg.EnumerateTimeout)
	if err != nil && !IsEmptyResponse(err) {
		return nil, &FetchError{Op: "Enumerate", ID: scope, Kind: ErrSourceUnavailable, Err: err}
	}
	if rs == nil || rs.Empty() {
		return []string{}, nil
	}

	t, ok := rs.Table(c.cfg.EnumerateTable, 0)
	if !ok {
		return nil, &FetchError{Op: "Enumerate", ID: scope, Kind: ErrSourceUnavailable,
			Err: fmt.Errorf("%w: table %q not found", ErrSchema, c.cfg.EnumerateTable)}
	}
	t = t.Clone().Normalize()
	col := record.NormalizeColumn(c.cfg.IDColumn)
	if !t.Has(col) {
		return nil, &FetchError{Op: "Enumerate", ID: scope, Kind: ErrSourceUnavailable,
			Err: fmt.Errorf("%w: %s", record.ErrMissingColumn, col)}
	}
	return Dedupe(columnValues(t, col)), nil
}

func (c *Client) fetch(ctx context.Context, op string, ep Endpoint, id, scope string, timeout time.Duration) (*record.RecordSet, error) {
	reqURL, err := c.buildURL(ep, id, scope)
	if err != nil {
		return nil, &FetchError{Op: op, ID: id, Kind: ErrRejected, Err: err}
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &FetchError{Op: op, ID: id, Kind: ErrRejected, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Network errors, timeouts and parent cancellation are all transient
		// from the client's point of view; the retry controller checks the
		// parent context itself.
		return nil, &FetchError{Op: op, ID: id, Kind: ErrTransient, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{Op: op, ID: id, Status: resp.StatusCode, Kind: ErrTransient, Err: err}
	}

	if kind := classifyStatus(resp.StatusCode); kind != nil {
		return nil, &FetchError{Op: op, ID: id, Status: resp.StatusCode, Kind: kind, Err: errors.New(snippet(body))}
	}

	rs, err := Decode(body)
	if err != nil {
		return nil, &FetchError{Op: op, ID: id, Status: resp.StatusCode, Kind: ErrSchema, Err: err}
	}
	if rs.Empty() {
		return rs, &FetchError{Op: op, ID: id, Status: resp.StatusCode, Kind: ErrEmptyResponse}
	}
	return rs, nil
}

func (c *Client) buildURL(ep Endpoint, id, scope string) (string, error) {
	base, err := url.Parse(strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(ep.Path, "/"))
	if err != nil {
		return "", err
	}
	q := base.Query()
	r := strings.NewReplacer("{id}", id, "{scope}", scope)
	for k, v := range ep.Params {
		q.Set(k, r.Replace(v))
	}
	base.RawQuery = q.Encode()
	return base.String(), nil
}

// classifyStatus maps an HTTP status to an error kind, or nil for success.
func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return ErrTransient
	default:
		return ErrRejected
	}
}

func snippet(body []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	if s == "" {
		return "empty body"
	}
	return s
}

func columnValues(t *record.Table, column string) []string {
	idx := t.Index(column)
	out := make([]string, 0, len(t.Rows))
	for _, row := range t.Rows {
		if v := strings.TrimSpace(row[idx]); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Dedupe removes duplicate identifiers, preserving first-seen order.
func Dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
