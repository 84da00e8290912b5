package outbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// RequestSigner signs a request on behalf of a hosted identity.
type RequestSigner interface {
	Sign(ctx context.Context, req *http.Request, did string, body []byte) error
}

// HTTPDeliverer POSTs the payload to TargetURL+Endpoint, signed as the
// sender. Any non-2xx response is a failure.
type HTTPDeliverer struct {
	client  *http.Client
	signer  RequestSigner
	timeout time.Duration

	rps   rate.Limit
	burst int
	mu    sync.Mutex
	limit *expirable.LRU[string, *rate.Limiter]
}

// NewHTTPDeliverer creates a deliverer. Requests to one target host are
// limited to rps with the given burst.
func NewHTTPDeliverer(signer RequestSigner, timeout time.Duration, rps float64, burst int) *HTTPDeliverer {
	if burst <= 0 {
		burst = 1
	}
	return &HTTPDeliverer{
		client:  &http.Client{},
		signer:  signer,
		timeout: timeout,
		rps:     rate.Limit(rps),
		burst:   burst,
		limit:   expirable.NewLRU[string, *rate.Limiter](4096, nil, 10*time.Minute),
	}
}

func (d *HTTPDeliverer) limiter(host string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.limit.Get(host); ok {
		return l
	}
	l := rate.NewLimiter(d.rps, d.burst)
	d.limit.Add(host, l)
	return l
}

// Deliver implements Deliverer.
func (d *HTTPDeliverer) Deliver(ctx context.Context, m *Message) error {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	target := strings.TrimRight(m.TargetURL, "/") + "/" + strings.TrimLeft(m.Endpoint, "/")
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("outbox: target %q: %w", target, err)
	}

	if err := d.limiter(u.Host).Wait(ctx); err != nil {
		return fmt.Errorf("outbox: rate limit %s: %w", u.Host, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(m.Payload))
	if err != nil {
		return fmt.Errorf("outbox: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", m.IdempotencyKey)
	}
	if err := d.signer.Sign(ctx, req, m.SenderDID, m.Payload); err != nil {
		return err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("outbox: POST %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("outbox: POST %s returned %d: %s", target, resp.StatusCode, strings.TrimSpace(string(body)))
}
