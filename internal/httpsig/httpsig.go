// Package httpsig signs outbound federation requests and verifies
// inbound ones.
//
// Requests carry a Content-Digest of the body and an HTTP message
// signature (Signature-Input and Signature headers) over the method,
// target URI, digest and date, made with the sender's #atproto key.
// Verification resolves the signer's DID document and fails closed on
// any mismatch.
package httpsig

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dunglas/httpsfv"
)

// Header names.
const (
	HeaderSignature      = "Signature"
	HeaderSignatureInput = "Signature-Input"
	HeaderContentDigest  = "Content-Digest"
	HeaderDate           = "Date"
)

const (
	label     = "sig1"
	algorithm = "es256k"
	keySuffix = "#atproto"

	digestAlgorithm = "sha-256"
)

// covered lists the signed components, in order.
var covered = []string{"@method", "@target-uri", "content-digest", "date"}

var (
	// ErrMissingSignature means the request carries no signature headers.
	ErrMissingSignature = errors.New("httpsig: missing signature")

	// ErrInvalidSignature means the signature headers are malformed or the
	// signature does not verify.
	ErrInvalidSignature = errors.New("httpsig: invalid signature")

	// ErrDigestMismatch means the body does not match Content-Digest.
	ErrDigestMismatch = errors.New("httpsig: content digest mismatch")

	// ErrExpired means the signature's created time is outside the
	// allowed skew.
	ErrExpired = errors.New("httpsig: signature outside allowed skew")

	// ErrUnknownSigner means the signer's key could not be resolved.
	ErrUnknownSigner = errors.New("httpsig: unknown signer")
)

// Digest returns the Content-Digest header value for body.
func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	d := httpsfv.NewDictionary()
	d.Add(digestAlgorithm, httpsfv.NewItem(sum[:]))
	v, _ := httpsfv.Marshal(d)
	return v
}

// checkDigest verifies the sha-256 member of a Content-Digest dictionary
// against body. Other algorithms in the dictionary are ignored.
func checkDigest(values []string, body []byte) error {
	dict, err := httpsfv.UnmarshalDictionary(values)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDigestMismatch, err)
	}
	m, ok := dict.Get(digestAlgorithm)
	if !ok {
		return fmt.Errorf("%w: no %s digest", ErrDigestMismatch, digestAlgorithm)
	}
	it, ok := m.(httpsfv.Item)
	if !ok {
		return ErrDigestMismatch
	}
	got, ok := it.Value.([]byte)
	if !ok {
		return ErrDigestMismatch
	}
	sum := sha256.Sum256(body)
	if subtle.ConstantTimeCompare(got, sum[:]) != 1 {
		return ErrDigestMismatch
	}
	return nil
}

// params is one signature's covered components and parameters. list is
// the structured-field inner list they were read from or will be written
// as; its serialization is the @signature-params value.
type params struct {
	list       httpsfv.InnerList
	components []string
	created    int64
	keyID      string
	alg        string
}

func newParams(components []string, created int64, keyID, alg string) params {
	list := httpsfv.InnerList{Params: httpsfv.NewParams()}
	for _, c := range components {
		list.Items = append(list.Items, httpsfv.NewItem(c))
	}
	list.Params.Add("created", created)
	list.Params.Add("keyid", keyID)
	list.Params.Add("alg", alg)
	return params{list: list, components: components, created: created, keyID: keyID, alg: alg}
}

// serialize returns the canonical inner-list form of p.
func (p params) serialize() (string, error) {
	return httpsfv.Marshal(p.list)
}

// parseInput picks one signature from a Signature-Input dictionary: sig1
// when present, otherwise the first inner-list member. It returns the
// chosen label.
func parseInput(values []string) (string, params, error) {
	dict, err := httpsfv.UnmarshalDictionary(values)
	if err != nil {
		return "", params{}, fmt.Errorf("%w: %s: %v", ErrInvalidSignature, HeaderSignatureInput, err)
	}

	name := ""
	var list httpsfv.InnerList
	if m, ok := dict.Get(label); ok {
		l, isList := m.(httpsfv.InnerList)
		if !isList {
			return "", params{}, fmt.Errorf("%w: %s is not an inner list", ErrInvalidSignature, label)
		}
		name, list = label, l
	} else {
		for _, n := range dict.Names() {
			m, _ := dict.Get(n)
			if l, isList := m.(httpsfv.InnerList); isList {
				name, list = n, l
				break
			}
		}
	}
	if name == "" {
		return "", params{}, fmt.Errorf("%w: no signature input", ErrInvalidSignature)
	}

	p := params{list: list}
	for _, it := range list.Items {
		c, ok := it.Value.(string)
		if !ok {
			return "", p, fmt.Errorf("%w: component %v", ErrInvalidSignature, it.Value)
		}
		p.components = append(p.components, c)
	}
	if list.Params != nil {
		if v, ok := list.Params.Get("created"); ok {
			n, isInt := v.(int64)
			if !isInt {
				return "", p, fmt.Errorf("%w: created %v", ErrInvalidSignature, v)
			}
			p.created = n
		}
		if v, ok := list.Params.Get("keyid"); ok {
			p.keyID, _ = v.(string)
		}
		if v, ok := list.Params.Get("alg"); ok {
			alg, isStr := v.(string)
			if !isStr {
				return "", p, fmt.Errorf("%w: alg %v", ErrInvalidSignature, v)
			}
			p.alg = alg
		}
	}
	if p.created == 0 || p.keyID == "" {
		return "", p, fmt.Errorf("%w: created and keyid are required", ErrInvalidSignature)
	}
	return name, p, nil
}

// parseSignature extracts the byte sequence stored under name in a
// Signature dictionary.
func parseSignature(values []string, name string) ([]byte, error) {
	dict, err := httpsfv.UnmarshalDictionary(values)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidSignature, HeaderSignature, err)
	}
	m, ok := dict.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: no %s signature", ErrInvalidSignature, name)
	}
	it, ok := m.(httpsfv.Item)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an item", ErrInvalidSignature, name)
	}
	sig, ok := it.Value.([]byte)
	if !ok || len(sig) == 0 {
		return nil, fmt.Errorf("%w: %s is not a byte sequence", ErrInvalidSignature, name)
	}
	return sig, nil
}

// formatSignature serializes the Signature-Input and Signature headers
// for a single signature.
func formatSignature(p params, sig []byte) (input, signature string, err error) {
	in := httpsfv.NewDictionary()
	in.Add(label, p.list)
	if input, err = httpsfv.Marshal(in); err != nil {
		return "", "", err
	}
	out := httpsfv.NewDictionary()
	out.Add(label, httpsfv.NewItem(sig))
	if signature, err = httpsfv.Marshal(out); err != nil {
		return "", "", err
	}
	return input, signature, nil
}

// targetURI reconstructs the absolute request URI as the client saw it.
func targetURI(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// signatureBase builds the string that is signed.
func signatureBase(r *http.Request, p params) (string, error) {
	var b strings.Builder
	for _, c := range p.components {
		var v string
		switch c {
		case "@method":
			v = r.Method
		case "@target-uri":
			v = targetURI(r)
		default:
			if strings.HasPrefix(c, "@") {
				return "", fmt.Errorf("%w: unsupported component %s", ErrInvalidSignature, c)
			}
			vals := r.Header.Values(c)
			if len(vals) == 0 {
				return "", fmt.Errorf("%w: covered header %s missing", ErrInvalidSignature, c)
			}
			v = strings.Join(vals, ", ")
		}
		fmt.Fprintf(&b, "%q: %s\n", c, v)
	}
	sp, err := p.serialize()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	fmt.Fprintf(&b, "%q: %s", "@signature-params", sp)
	return b.String(), nil
}

func formatDate(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}
