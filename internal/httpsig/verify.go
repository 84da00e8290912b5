package httpsig

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"go.uber.org/zap"

	"github.com/primal-host/primal-coop/internal/metrics"
)

// KeyResolver resolves the public signing key of any identity.
type KeyResolver interface {
	PublicKey(ctx context.Context, did string) (atcrypto.PublicKey, error)
}

// forgetter is implemented by resolvers that cache documents.
type forgetter interface {
	Forget(did string)
}

// Verifier checks inbound request signatures.
type Verifier struct {
	keys   KeyResolver
	skew   time.Duration
	now    func() time.Time
	logger *zap.SugaredLogger
}

// NewVerifier creates a Verifier accepting signatures created within
// skew of the current time.
func NewVerifier(keys KeyResolver, skew time.Duration, logger *zap.SugaredLogger) *Verifier {
	return &Verifier{keys: keys, skew: skew, now: time.Now, logger: logger}
}

// Verify checks r's digest and signature against body and returns the
// signer's DID.
func (v *Verifier) Verify(ctx context.Context, r *http.Request, body []byte) (string, error) {
	did, err := v.verify(ctx, r, body)
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrMissingSignature):
		result = "missing"
	case errors.Is(err, ErrDigestMismatch):
		result = "digest"
	case errors.Is(err, ErrExpired):
		result = "expired"
	case errors.Is(err, ErrUnknownSigner):
		result = "unresolved"
	default:
		result = "invalid"
	}
	metrics.SignatureChecks.WithLabelValues(result).Inc()
	return did, err
}

func (v *Verifier) verify(ctx context.Context, r *http.Request, body []byte) (string, error) {
	input := r.Header.Values(HeaderSignatureInput)
	sigHeader := r.Header.Values(HeaderSignature)
	if len(input) == 0 || len(sigHeader) == 0 {
		return "", ErrMissingSignature
	}

	name, p, err := parseInput(input)
	if err != nil {
		return "", err
	}
	for _, c := range covered {
		if !slices.Contains(p.components, c) {
			return "", fmt.Errorf("%w: %s not covered", ErrInvalidSignature, c)
		}
	}
	if p.alg != "" && p.alg != algorithm {
		return "", fmt.Errorf("%w: algorithm %q", ErrInvalidSignature, p.alg)
	}

	created := time.Unix(p.created, 0)
	if d := v.now().Sub(created); d > v.skew || d < -v.skew {
		return "", fmt.Errorf("%w: created %s", ErrExpired, created.UTC().Format(time.RFC3339))
	}

	if err := checkDigest(r.Header.Values(HeaderContentDigest), body); err != nil {
		return "", err
	}

	didStr, ok := strings.CutSuffix(p.keyID, keySuffix)
	if !ok {
		return "", fmt.Errorf("%w: keyid %q", ErrInvalidSignature, p.keyID)
	}
	did, err := syntax.ParseDID(didStr)
	if err != nil {
		return "", fmt.Errorf("%w: keyid %q", ErrInvalidSignature, p.keyID)
	}

	sig, err := parseSignature(sigHeader, name)
	if err != nil {
		return "", err
	}
	base, err := signatureBase(r, p)
	if err != nil {
		return "", err
	}

	if err := v.check(ctx, did.String(), []byte(base), sig); err != nil {
		// The signer may have rotated keys since its document was cached.
		f, ok := v.keys.(forgetter)
		if !ok || errors.Is(err, ErrUnknownSigner) {
			return "", err
		}
		f.Forget(did.String())
		if err := v.check(ctx, did.String(), []byte(base), sig); err != nil {
			return "", err
		}
	}
	return did.String(), nil
}

func (v *Verifier) check(ctx context.Context, did string, base, sig []byte) error {
	pub, err := v.keys.PublicKey(ctx, did)
	if err != nil {
		v.logger.Warnf("httpsig: resolve %s: %v", did, err)
		return fmt.Errorf("%w: %s", ErrUnknownSigner, did)
	}
	if err := pub.HashAndVerify(base, sig); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}
