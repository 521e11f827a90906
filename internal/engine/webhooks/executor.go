package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"shiftline/internal/pkg/urlguard"
)

const (
	DefaultProductName       = "Shiftline"
	DefaultRequestTimeout    = 30 * time.Second
	DefaultResponseBodyLimit = 10 * 1024
)

// HeaderName builds a product-prefixed header such as X-Shiftline-Signature.
func HeaderName(product, suffix string) string {
	return "X-" + product + "-" + suffix
}

// Request is one attempt to POST an event to an endpoint.
type Request struct {
	URL        string
	Payload    any
	Secret     string
	EventType  string
	DeliveryID string
}

// Result captures every outcome of an attempt; Deliver never returns an error.
type Result struct {
	Success      bool
	HTTPStatus   *int
	ResponseBody string
	ErrorMessage string
	DurationMs   int64
}

type Executor struct {
	client    *http.Client
	product   string
	timeout   time.Duration
	bodyLimit int64
	now       func() time.Time
}

type ExecutorOption func(*Executor)

// WithHTTPClient replaces the guarded default client. Tests use it to reach httptest servers.
func WithHTTPClient(c *http.Client) ExecutorOption {
	return func(e *Executor) { e.client = c }
}

func WithProductName(name string) ExecutorOption {
	return func(e *Executor) {
		if name != "" {
			e.product = name
		}
	}
}

func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithResponseBodyLimit(n int64) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.bodyLimit = n
		}
	}
}

func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		product:   DefaultProductName,
		timeout:   DefaultRequestTimeout,
		bodyLimit: DefaultResponseBodyLimit,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.client == nil {
		e.client = guardedClient()
	}
	return e
}

// guardedClient refuses private addresses at connect time and never follows
// redirects, so a public endpoint cannot bounce a signed request inward.
func guardedClient() *http.Client {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   urlguard.DialControl,
	}
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Deliver signs and POSTs req.Payload. The payload is serialized once so the
// signed bytes are the sent bytes.
func (e *Executor) Deliver(ctx context.Context, req Request) (res Result) {
	start := e.now()
	defer func() {
		if r := recover(); r != nil {
			res = Result{ErrorMessage: fmt.Sprintf("Internal error: %v", r)}
		}
		res.DurationMs = e.now().Sub(start).Milliseconds()
	}()

	body, err := marshalPayload(req.Payload)
	if err != nil {
		return Result{ErrorMessage: fmt.Sprintf("Failed to serialize payload: %v", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(body))
	if err != nil {
		return Result{ErrorMessage: fmt.Sprintf("Invalid request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", e.product+"-Webhooks/1.0")
	httpReq.Header.Set(HeaderName(e.product, "Signature"), Sign(body, req.Secret))
	httpReq.Header.Set(HeaderName(e.product, "Timestamp"), start.UTC().Format(time.RFC3339))
	httpReq.Header.Set(HeaderName(e.product, "Event-Type"), req.EventType)
	httpReq.Header.Set(HeaderName(e.product, "Delivery-Id"), req.DeliveryID)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return Result{ErrorMessage: e.classify(ctx, err)}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, e.bodyLimit))
	// Drain a little more so the connection can be reused.
	io.CopyN(io.Discard, resp.Body, 64*1024)

	status := resp.StatusCode
	res = Result{HTTPStatus: &status, ResponseBody: storableBody(respBody)}
	if status >= 200 && status < 300 {
		res.Success = true
	} else {
		res.ErrorMessage = fmt.Sprintf("HTTP %d", status)
	}
	return res
}

func (e *Executor) classify(ctx context.Context, err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Sprintf("Request timed out after %s", e.timeout)
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Sprintf("Request timed out after %s", e.timeout)
	case errors.Is(err, context.Canceled):
		return "Request cancelled"
	default:
		return fmt.Sprintf("Network error: %v", err)
	}
}

// storableBody makes a captured response safe for a UTF-8 TEXT column: a
// character cut by the size limit is dropped, invalid bytes become U+FFFD and
// NUL bytes are removed.
func storableBody(b []byte) string {
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		if !utf8.RuneStart(b[len(b)-i]) {
			continue
		}
		if !utf8.FullRune(b[len(b)-i:]) {
			b = b[:len(b)-i]
		}
		break
	}
	s := strings.ToValidUTF8(string(b), "\uFFFD")
	return strings.ReplaceAll(s, "\x00", "")
}

// marshalPayload keeps pre-serialized payloads byte-for-byte.
func marshalPayload(p any) ([]byte, error) {
	switch v := p.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	default:
		return json.Marshal(v)
	}
}
