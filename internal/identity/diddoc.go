package identity

import (
	"fmt"
	"strings"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
)

// DIDDocument is the subset of a DID document this service publishes
// and reads.
type DIDDocument struct {
	Context            []string             `json:"@context"`
	ID                 string               `json:"id"`
	AlsoKnownAs        []string             `json:"alsoKnownAs,omitempty"`
	VerificationMethod []VerificationMethod `json:"verificationMethod"`
	Service            []Service            `json:"service,omitempty"`
}

// VerificationMethod describes a cryptographic key in a DID document.
type VerificationMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller"`
	PublicKeyMultibase string `json:"publicKeyMultibase"`
}

// Service describes a service endpoint in a DID document.
type Service struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

// KeyFragment names the verification method used for request signing.
const KeyFragment = "#atproto"

// BuildDocument constructs the DID document for a hosted identity.
func BuildDocument(did, publicMultibase, serviceEndpoint string) *DIDDocument {
	return &DIDDocument{
		Context: []string{
			"https://www.w3.org/ns/did/v1",
			"https://w3id.org/security/multikey/v1",
			"https://w3id.org/security/suites/secp256k1-2019/v1",
		},
		ID: did,
		VerificationMethod: []VerificationMethod{
			{
				ID:                 did + KeyFragment,
				Type:               "Multikey",
				Controller:         did,
				PublicKeyMultibase: publicMultibase,
			},
		},
		Service: []Service{
			{
				ID:              "#coop",
				Type:            "CooperativeInstance",
				ServiceEndpoint: serviceEndpoint,
			},
		},
	}
}

// SigningKey returns the document's #atproto public key.
func (d *DIDDocument) SigningKey() (atcrypto.PublicKey, error) {
	for _, vm := range d.VerificationMethod {
		if vm.ID != KeyFragment && vm.ID != d.ID+KeyFragment {
			continue
		}
		if !strings.HasPrefix(vm.PublicKeyMultibase, "z") {
			return nil, fmt.Errorf("%w: %s key is not multibase", ErrNoKey, d.ID)
		}
		pub, err := atcrypto.ParsePublicMultibase(vm.PublicKeyMultibase)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrNoKey, d.ID, err)
		}
		return pub, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoKey, d.ID)
}
