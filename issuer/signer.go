// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package issuer

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/hashicorp/vc-issuer/helper/uuid"
	"github.com/hashicorp/vc-issuer/issuer/structs"
)

// SignRequest asks a Signer for a signed artifact over the document. The
// document is the credential body without any proof attached.
type SignRequest struct {
	Document map[string]any

	// Suites are the canonical cryptosuite names to produce proofs for;
	// more than one yields a proof set.
	Suites []string

	// Envelope selects enveloped issuance. When set, Suites is ignored
	// and the result is an EnvelopedVerifiableCredential wrapper.
	Envelope *structs.EnvelopeOptions

	// VerificationMethod is the proof verification method reference.
	VerificationMethod string

	// MandatoryPointers for selective-disclosure suites; opaque here.
	MandatoryPointers []string
}

// Signer produces the signed representation of a credential. The issuer
// core never interprets proof internals; it preserves the returned bytes
// exactly.
type Signer interface {
	Sign(ctx context.Context, req *SignRequest) ([]byte, error)
}

// Ed25519Signer is the built-in signer. It holds one Ed25519 key loaded
// from a JWK and produces either embedded proofs (a DataIntegrityProof per
// requested suite, as a single object or a proof set) or a VC-JWT
// envelope. Heavier cryptosuites are accepted at the interface boundary by
// external signers.
type Ed25519Signer struct {
	key   ed25519.PrivateKey
	keyID string
	now   func() time.Time
}

// NewEd25519Signer parses the JWK and returns a signer.
func NewEd25519Signer(jwkData []byte) (*Ed25519Signer, error) {
	var jwk jose.JSONWebKey
	if err := json.Unmarshal(jwkData, &jwk); err != nil {
		return nil, fmt.Errorf("parsing signing key JWK: %v", err)
	}
	priv, ok := jwk.Key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key is not an Ed25519 private key")
	}
	return &Ed25519Signer{
		key:   priv,
		keyID: jwk.KeyID,
		now:   time.Now,
	}, nil
}

// Sign implements Signer.
func (s *Ed25519Signer) Sign(ctx context.Context, req *SignRequest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Envelope != nil {
		return s.envelope(req)
	}
	return s.embed(req)
}

// embed attaches one proof per suite to the document and returns the
// marshaled result. Proof payloads are signed over the canonical (sorted
// key) JSON form of the proofless document.
func (s *Ed25519Signer) embed(req *SignRequest) ([]byte, error) {
	doc := make(map[string]any, len(req.Document))
	for k, v := range req.Document {
		if k == "proof" {
			continue
		}
		doc[k] = v
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshaling credential: %v", err)
	}

	suites := req.Suites
	if len(suites) == 0 {
		suites = []string{structs.SuiteEddsaRdfc2022}
	}

	created := s.now().UTC().Format(time.RFC3339)
	proofs := make([]map[string]any, 0, len(suites))
	for _, suite := range suites {
		sig := ed25519.Sign(s.key, payload)
		proof := map[string]any{
			"created":            created,
			"verificationMethod": req.VerificationMethod,
			"proofPurpose":       "assertionMethod",
			"proofValue":         "u" + base64.RawURLEncoding.EncodeToString(sig),
		}
		if suite == structs.SuiteEd25519Signature2020 {
			proof["type"] = "Ed25519Signature2020"
		} else {
			proof["type"] = "DataIntegrityProof"
			proof["cryptosuite"] = suite
		}
		proofs = append(proofs, proof)
	}

	if len(proofs) == 1 {
		doc["proof"] = proofs[0]
	} else {
		doc["proof"] = proofs
	}

	return json.Marshal(doc)
}

// envelope wraps the document in a VC-JWT and returns the
// EnvelopedVerifiableCredential form.
func (s *Ed25519Signer) envelope(req *SignRequest) ([]byte, error) {
	if req.Envelope.Format != structs.EnvelopeFormatVCJWT {
		return nil, fmt.Errorf("unsupported envelope format %q", req.Envelope.Format)
	}

	claims := jwt.MapClaims{
		"vc":  req.Document,
		"iat": s.now().UTC().Unix(),
		"jti": uuid.URN(),
	}
	if iss, ok := req.Document["issuer"].(string); ok {
		claims["iss"] = iss
	}
	if id, ok := req.Document["id"].(string); ok {
		claims["jti"] = id
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	if s.keyID != "" {
		tok.Header["kid"] = s.keyID
	}
	signed, err := tok.SignedString(s.key)
	if err != nil {
		return nil, fmt.Errorf("signing envelope: %v", err)
	}

	wrapper := map[string]any{
		"@context": []string{structs.ContextVC20},
		"id":       "data:application/jwt," + signed,
		"type":     structs.EnvelopedCredentialType,
	}
	return json.Marshal(wrapper)
}

// PublicJWK returns the JWK of the signer's public key, for discovery
// surfaces.
func (s *Ed25519Signer) PublicJWK() ([]byte, error) {
	jwk := jose.JSONWebKey{
		Key:       s.key.Public(),
		KeyID:     s.keyID,
		Algorithm: string(jose.EdDSA),
		Use:       "sig",
	}
	return json.Marshal(jwk)
}
