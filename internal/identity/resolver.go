package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

const maxDocumentSize = 64 << 10

// LocalDocuments serves documents of identities hosted in-process.
type LocalDocuments interface {
	Document(ctx context.Context, did string) (*DIDDocument, error)
}

// ResolverOptions configures a Resolver.
type ResolverOptions struct {
	PLCEndpoint string
	CacheSize   int
	CacheTTL    time.Duration
	Timeout     time.Duration
	RetryMax    int
	AllowHTTP   bool
}

// Resolver fetches DID documents over HTTP and caches them.
type Resolver struct {
	client    *retryablehttp.Client
	cache     *expirable.LRU[string, *DIDDocument]
	local     LocalDocuments
	plc       string
	allowHTTP bool
	logger    *zap.SugaredLogger
}

// NewResolver creates a Resolver.
func NewResolver(opts ResolverOptions, logger *zap.SugaredLogger) *Resolver {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1024
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 10 * time.Minute
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	client := retryablehttp.NewClient()
	client.RetryMax = opts.RetryMax
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = opts.Timeout
	client.Logger = leveledLogger{logger}

	return &Resolver{
		client:    client,
		cache:     expirable.NewLRU[string, *DIDDocument](opts.CacheSize, nil, opts.CacheTTL),
		plc:       opts.PLCEndpoint,
		allowHTTP: opts.AllowHTTP,
		logger:    logger,
	}
}

// SetLocal makes the resolver answer for hosted identities without a
// network round trip. Local documents are never cached.
func (r *Resolver) SetLocal(l LocalDocuments) {
	r.local = l
}

// Resolve returns the DID document for did.
func (r *Resolver) Resolve(ctx context.Context, did string) (*DIDDocument, error) {
	if r.local != nil {
		doc, err := r.local.Document(ctx, did)
		if err == nil {
			return doc, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	if doc, ok := r.cache.Get(did); ok {
		return doc, nil
	}

	url, err := DocumentURL(did, r.plc, r.allowHTTP)
	if err != nil {
		return nil, err
	}
	doc, err := r.fetch(ctx, did, url)
	if err != nil {
		return nil, err
	}
	r.cache.Add(did, doc)
	return doc, nil
}

func (r *Resolver) fetch(ctx context.Context, did, url string) (*DIDDocument, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrResolve, did, err)
	}
	req.Header.Set("Accept", "application/did+json, application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %v", ErrResolve, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: GET %s returned %d", ErrResolve, url, resp.StatusCode)
	}

	var doc DIDDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentSize)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrResolve, url, err)
	}
	if doc.ID != did {
		return nil, fmt.Errorf("%w: document at %s is for %q", ErrResolve, url, doc.ID)
	}
	return &doc, nil
}

// PublicKey resolves did and returns its #atproto signing key.
func (r *Resolver) PublicKey(ctx context.Context, did string) (atcrypto.PublicKey, error) {
	doc, err := r.Resolve(ctx, did)
	if err != nil {
		return nil, err
	}
	return doc.SigningKey()
}

// Forget drops did from the cache so the next lookup refetches it.
func (r *Resolver) Forget(did string) {
	r.cache.Remove(did)
}

// leveledLogger adapts zap to retryablehttp's LeveledLogger.
type leveledLogger struct {
	l *zap.SugaredLogger
}

func (z leveledLogger) Error(msg string, kv ...interface{}) { z.l.Errorw(msg, kv...) }
func (z leveledLogger) Info(msg string, kv ...interface{})  { z.l.Debugw(msg, kv...) }
func (z leveledLogger) Debug(msg string, kv ...interface{}) { z.l.Debugw(msg, kv...) }
func (z leveledLogger) Warn(msg string, kv ...interface{})  { z.l.Warnw(msg, kv...) }
