package httpsig

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
)

// KeySource loads the active private key of a hosted identity.
type KeySource interface {
	SigningKey(ctx context.Context, did string) (atcrypto.PrivateKey, error)
}

// Signer signs outbound requests on behalf of hosted identities.
type Signer struct {
	keys KeySource
	now  func() time.Time
}

// NewSigner creates a Signer.
func NewSigner(keys KeySource) *Signer {
	return &Signer{keys: keys, now: time.Now}
}

// Sign adds Date, Content-Digest, Signature-Input and Signature headers
// to req. body must be the exact bytes sent as the request body.
func (s *Signer) Sign(ctx context.Context, req *http.Request, did string, body []byte) error {
	priv, err := s.keys.SigningKey(ctx, did)
	if err != nil {
		return fmt.Errorf("httpsig: sign as %s: %w", did, err)
	}

	now := s.now()
	req.Header.Set(HeaderDate, formatDate(now))
	req.Header.Set(HeaderContentDigest, Digest(body))

	p := newParams(covered, now.Unix(), did+keySuffix, algorithm)
	base, err := signatureBase(req, p)
	if err != nil {
		return err
	}
	sig, err := priv.HashAndSign([]byte(base))
	if err != nil {
		return fmt.Errorf("httpsig: sign as %s: %w", did, err)
	}

	input, signature, err := formatSignature(p, sig)
	if err != nil {
		return fmt.Errorf("httpsig: sign as %s: %w", did, err)
	}
	req.Header.Set(HeaderSignatureInput, input)
	req.Header.Set(HeaderSignature, signature)
	return nil
}
