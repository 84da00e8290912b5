package identity

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bluesky-social/indigo/atproto/syntax"
)

// Identity kinds.
const (
	KindInstance = "instance"
	KindMember   = "member"
)

var memberName = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// InstanceDID returns the did:web identifier of the instance at host.
// A port separator is percent-encoded as did:web requires.
func InstanceDID(host string) string {
	return "did:web:" + strings.ReplaceAll(host, ":", "%3A")
}

// MemberDID returns the did:web identifier of a member hosted at host.
func MemberDID(host, name string) string {
	return InstanceDID(host) + ":u:" + name
}

// ValidName reports whether name can be used as a member name.
func ValidName(name string) bool {
	return memberName.MatchString(name)
}

// DocumentURL returns where the DID document for did is published.
//
//	did:web:host           -> https://host/.well-known/did.json
//	did:web:host:u:alice   -> https://host/u/alice/did.json
//	did:plc:xyz            -> <plcEndpoint>/did:plc:xyz
func DocumentURL(did, plcEndpoint string, allowHTTP bool) (string, error) {
	d, err := syntax.ParseDID(did)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidDID, did)
	}

	switch d.Method() {
	case "web":
		parts := strings.Split(d.Identifier(), ":")
		host := strings.ReplaceAll(parts[0], "%3A", ":")
		if host == "" {
			return "", fmt.Errorf("%w: %s", ErrInvalidDID, did)
		}
		scheme := "https"
		if allowHTTP {
			scheme = "http"
		}
		if len(parts) == 1 {
			return scheme + "://" + host + "/.well-known/did.json", nil
		}
		return scheme + "://" + host + "/" + strings.Join(parts[1:], "/") + "/did.json", nil
	case "plc":
		return strings.TrimRight(plcEndpoint, "/") + "/" + did, nil
	default:
		return "", fmt.Errorf("%w: unsupported method %q", ErrInvalidDID, d.Method())
	}
}
