package httpsig

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const alice = "did:web:coop.example:u:alice"

// keyring is both KeySource and KeyResolver.
type keyring struct {
	priv   map[string]atcrypto.PrivateKeyExportable
	pub    map[string]atcrypto.PublicKey
	forgot []string
}

func newKeyring(t *testing.T, dids ...string) *keyring {
	t.Helper()
	k := &keyring{priv: map[string]atcrypto.PrivateKeyExportable{}, pub: map[string]atcrypto.PublicKey{}}
	for _, did := range dids {
		priv, err := atcrypto.GeneratePrivateKeyK256()
		require.NoError(t, err)
		pub, err := priv.PublicKey()
		require.NoError(t, err)
		k.priv[did], k.pub[did] = priv, pub
	}
	return k
}

func (k *keyring) SigningKey(_ context.Context, did string) (atcrypto.PrivateKey, error) {
	if p, ok := k.priv[did]; ok {
		return p, nil
	}
	return nil, errors.New("no key")
}

func (k *keyring) PublicKey(_ context.Context, did string) (atcrypto.PublicKey, error) {
	if p, ok := k.pub[did]; ok {
		return p, nil
	}
	return nil, errors.New("not found")
}

func (k *keyring) Forget(did string) { k.forgot = append(k.forgot, did) }

func signedRequest(t *testing.T, k *keyring, did string, body []byte) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "https://hub.example/xrpc/coop.federation.receive", bytes.NewReader(body))
	require.NoError(t, err)
	require.NoError(t, NewSigner(k).Sign(context.Background(), req, did, body))
	return req
}

func verifier(k *keyring) *Verifier {
	return NewVerifier(k, 5*time.Minute, zap.NewNop().Sugar())
}

func TestSignVerifyRoundTrip(t *testing.T) {
	k := newKeyring(t, alice)
	body := []byte(`{"type":"coop.membership.request","member":"alice"}`)
	req := signedRequest(t, k, alice, body)

	assert.Contains(t, req.Header.Get(HeaderSignatureInput), `keyid="`+alice+`#atproto"`)
	assert.Equal(t, Digest(body), req.Header.Get(HeaderContentDigest))

	did, err := verifier(k).Verify(context.Background(), req, body)
	require.NoError(t, err)
	assert.Equal(t, alice, did)
}

func TestVerifyRejectsBodyMutation(t *testing.T) {
	k := newKeyring(t, alice)
	body := []byte(`{"amount":100}`)
	req := signedRequest(t, k, alice, body)
	v := verifier(k)

	for i := range body {
		mutated := bytes.Clone(body)
		mutated[i] ^= 0x01
		_, err := v.Verify(context.Background(), req, mutated)
		assert.ErrorIs(t, err, ErrDigestMismatch, "byte %d", i)
	}

	// A forged digest matching the new body still fails the signature.
	mutated := []byte(`{"amount":900}`)
	req.Header.Set(HeaderContentDigest, Digest(mutated))
	_, err := v.Verify(context.Background(), req, mutated)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyFailsClosed(t *testing.T) {
	k := newKeyring(t, alice, "did:web:mallory.example")
	body := []byte(`{}`)
	ctx := context.Background()
	v := verifier(k)

	unsigned, err := http.NewRequest(http.MethodPost, "https://hub.example/x", nil)
	require.NoError(t, err)
	_, err = v.Verify(ctx, unsigned, body)
	assert.ErrorIs(t, err, ErrMissingSignature)

	// Signed by mallory but claiming alice's key.
	req := signedRequest(t, k, "did:web:mallory.example", body)
	req.Header.Set(HeaderSignatureInput, replaceKeyID(req.Header.Get(HeaderSignatureInput), "did:web:mallory.example", alice))
	_, err = v.Verify(ctx, req, body)
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Equal(t, []string{alice}, k.forgot)

	// Unknown signer.
	stranger := newKeyring(t, "did:web:stranger.example")
	req = signedRequest(t, stranger, "did:web:stranger.example", body)
	_, err = v.Verify(ctx, req, body)
	assert.ErrorIs(t, err, ErrUnknownSigner)

	// Retargeted to another endpoint.
	req = signedRequest(t, k, alice, body)
	req.URL.Path = "/xrpc/coop.admin.rotateKey"
	_, err = v.Verify(ctx, req, body)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	// Garbage headers.
	req = signedRequest(t, k, alice, body)
	req.Header.Set(HeaderSignature, "sig1=:!!!:")
	_, err = v.Verify(ctx, req, body)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyAcceptsEquivalentHeaderForms(t *testing.T) {
	k := newKeyring(t, alice)
	body := []byte(`{"n":1}`)
	v := verifier(k)
	ctx := context.Background()

	cases := map[string]func(r *http.Request){
		"space after parameter separator": func(r *http.Request) {
			r.Header.Set(HeaderSignatureInput, strings.ReplaceAll(r.Header.Get(HeaderSignatureInput), ";", "; "))
		},
		"second signature in the dictionary": func(r *http.Request) {
			r.Header.Set(HeaderSignatureInput, r.Header.Get(HeaderSignatureInput)+`, sig2=("@method");created=1;keyid="did:web:other.example#atproto";alg="ed25519"`)
			r.Header.Set(HeaderSignature, r.Header.Get(HeaderSignature)+", sig2=:AAAA:")
		},
		"second signature listed first": func(r *http.Request) {
			r.Header.Set(HeaderSignatureInput, `sig2=("@method");created=1;keyid="x"`+", "+r.Header.Get(HeaderSignatureInput))
		},
		"dictionary split across header lines": func(r *http.Request) {
			r.Header.Add(HeaderSignatureInput, `sig2=("@method");created=1;keyid="x"`)
		},
		"other label": func(r *http.Request) {
			r.Header.Set(HeaderSignatureInput, "coop"+strings.TrimPrefix(r.Header.Get(HeaderSignatureInput), "sig1"))
			r.Header.Set(HeaderSignature, "coop"+strings.TrimPrefix(r.Header.Get(HeaderSignature), "sig1"))
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := signedRequest(t, k, alice, body)
			mutate(req)
			did, err := v.Verify(ctx, req, body)
			require.NoError(t, err)
			assert.Equal(t, alice, did)
		})
	}
}

func TestVerifyRejectsMalformedStructuredFields(t *testing.T) {
	k := newKeyring(t, alice)
	body := []byte(`{}`)
	v := verifier(k)
	ctx := context.Background()

	cases := map[string]func(r *http.Request){
		"input is not a dictionary": func(r *http.Request) { r.Header.Set(HeaderSignatureInput, "((") },
		"input member is an item":   func(r *http.Request) { r.Header.Set(HeaderSignatureInput, `sig1="x"`) },
		"created is a string": func(r *http.Request) {
			r.Header.Set(HeaderSignatureInput, `sig1=("@method" "@target-uri" "content-digest" "date");created="1";keyid="`+alice+`#atproto"`)
		},
		"signature label missing": func(r *http.Request) {
			r.Header.Set(HeaderSignature, "sig9"+strings.TrimPrefix(r.Header.Get(HeaderSignature), "sig1"))
		},
		"signature is a string": func(r *http.Request) { r.Header.Set(HeaderSignature, `sig1="abc"`) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := signedRequest(t, k, alice, body)
			mutate(req)
			_, err := v.Verify(ctx, req, body)
			assert.ErrorIs(t, err, ErrInvalidSignature)
		})
	}
}

func TestContentDigestDictionary(t *testing.T) {
	k := newKeyring(t, alice)
	body := []byte(`{"n":1}`)
	v := verifier(k)

	// Extra algorithms alongside sha-256 are ignored.
	req := signedRequest(t, k, alice, body)
	req.Header.Add(HeaderContentDigest, "sha-512=:AAAA:")
	_, err := v.Verify(context.Background(), req, body)
	assert.ErrorIs(t, err, ErrInvalidSignature, "the digest header is covered, so changing it breaks the signature")
	assert.NoError(t, checkDigest(req.Header.Values(HeaderContentDigest), body))

	assert.ErrorIs(t, checkDigest([]string{"sha-512=:AAAA:"}, body), ErrDigestMismatch)
	assert.ErrorIs(t, checkDigest([]string{`sha-256="nope"`}, body), ErrDigestMismatch)
	assert.ErrorIs(t, checkDigest(nil, body), ErrDigestMismatch)
}

func TestVerifySkew(t *testing.T) {
	k := newKeyring(t, alice)
	body := []byte(`{}`)

	s := NewSigner(k)
	s.now = func() time.Time { return time.Now().Add(-10 * time.Minute) }
	req, err := http.NewRequest(http.MethodPost, "https://hub.example/x", bytes.NewReader(body))
	require.NoError(t, err)
	require.NoError(t, s.Sign(context.Background(), req, alice, body))

	_, err = verifier(k).Verify(context.Background(), req, body)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestMiddleware(t *testing.T) {
	k := newKeyring(t, alice)
	e := echo.New()
	trusted := func(c echo.Context) bool { return c.Request().Header.Get("X-Local") == "1" }
	e.POST("/xrpc/coop.federation.receive", func(c echo.Context) error {
		var v map[string]any
		if err := c.Bind(&v); err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]any{"signer": SignerDID(c), "body": v})
	}, Middleware(verifier(k), trusted))

	srv := httptest.NewServer(e)
	defer srv.Close()

	body := []byte(`{"hello":"world"}`)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/xrpc/coop.federation.receive", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	require.NoError(t, NewSigner(k).Sign(context.Background(), req, alice, body))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, err = http.NewRequest(http.MethodPost, srv.URL+"/xrpc/coop.federation.receive", bytes.NewReader(body))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err = http.NewRequest(http.MethodPost, srv.URL+"/xrpc/coop.federation.receive", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Local", "1")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func replaceKeyID(input, from, to string) string {
	return string(bytes.Replace([]byte(input), []byte(`keyid="`+from), []byte(`keyid="`+to), 1))
}
