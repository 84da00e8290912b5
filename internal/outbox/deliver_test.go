package outbox

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type headerSigner struct{}

func (headerSigner) Sign(_ context.Context, req *http.Request, did string, _ []byte) error {
	req.Header.Set("X-Test-Signer", did)
	return nil
}

func TestHTTPDeliverer(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/xrpc/coop.federation.receive", r.URL.Path)
		assert.Equal(t, "did:web:coop.example", r.Header.Get("X-Test-Signer"))
		assert.Equal(t, "abc", r.Header.Get("Idempotency-Key"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"type":"test"}`, string(body))
		if n == 1 {
			http.Error(w, "hub overloaded", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := NewHTTPDeliverer(headerSigner{}, time.Second, 100, 10)
	m := &Message{
		SenderDID:      "did:web:coop.example",
		TargetURL:      srv.URL + "/",
		Endpoint:       "/xrpc/coop.federation.receive",
		Payload:        json.RawMessage(`{"type":"test"}`),
		IdempotencyKey: "abc",
	}

	err := d.Deliver(context.Background(), m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "hub overloaded")

	require.NoError(t, d.Deliver(context.Background(), m))
	assert.Equal(t, int32(2), hits.Load())
}

func TestHTTPDelivererTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	d := NewHTTPDeliverer(headerSigner{}, 50*time.Millisecond, 100, 10)
	start := time.Now()
	err := d.Deliver(context.Background(), &Message{
		SenderDID: "did:web:coop.example",
		TargetURL: srv.URL,
		Endpoint:  "/x",
		Payload:   json.RawMessage(`{}`),
	})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestHTTPDelivererRateLimitsPerHost(t *testing.T) {
	d := NewHTTPDeliverer(headerSigner{}, time.Second, 1, 2)
	a := d.limiter("hub.example")
	assert.Same(t, a, d.limiter("hub.example"))
	assert.NotSame(t, a, d.limiter("other.example"))
	assert.True(t, a.Allow())
	assert.True(t, a.Allow())
	assert.False(t, a.Allow())
}
