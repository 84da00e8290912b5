// Package cid computes deterministic content identifiers for records and
// commits. A CID is CIDv1 with the dag-json codec over a sha2-256
// multihash of the value's canonical JSON encoding.
package cid

import (
	"fmt"

	gocid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

var prefix = gocid.NewPrefixV1(gocid.DagJSON, multihash.SHA2_256)

// Compute returns the CID of v together with the canonical bytes that
// were hashed.
func Compute(v any) (gocid.Cid, []byte, error) {
	raw, err := Canonical(v)
	if err != nil {
		return gocid.Undef, nil, err
	}
	c, err := prefix.Sum(raw)
	if err != nil {
		return gocid.Undef, nil, fmt.Errorf("cid: sum: %w", err)
	}
	return c, raw, nil
}

// Of returns the string form of v's CID.
func Of(v any) (string, error) {
	c, _, err := Compute(v)
	if err != nil {
		return "", err
	}
	return c.String(), nil
}

// Parse decodes a CID string.
func Parse(s string) (gocid.Cid, error) {
	c, err := gocid.Decode(s)
	if err != nil {
		return gocid.Undef, fmt.Errorf("cid: decode %q: %w", s, err)
	}
	return c, nil
}
