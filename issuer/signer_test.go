// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package issuer

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	jose "github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shoenig/test/must"

	"github.com/hashicorp/vc-issuer/ci"
	"github.com/hashicorp/vc-issuer/issuer/structs"
)

func testDocument() map[string]any {
	return map[string]any{
		"@context":          []any{structs.ContextVC20},
		"id":                "urn:uuid:7f4bbd7a-4640-44b2-9b9e-0c7af1a5a1a1",
		"type":              []any{"VerifiableCredential"},
		"issuer":            "did:example:issuer",
		"credentialSubject": map[string]any{"id": "did:example:subject"},
	}
}

func testKeyPair(t *testing.T) ([]byte, ed25519.PublicKey) {
	t.Helper()
	raw := TestSigningKey(t)
	var jwk jose.JSONWebKey
	must.NoError(t, json.Unmarshal(raw, &jwk))
	priv := jwk.Key.(ed25519.PrivateKey)
	return raw, priv.Public().(ed25519.PublicKey)
}

func TestEd25519Signer_Embed(t *testing.T) {
	ci.Parallel(t)
	raw, pub := testKeyPair(t)

	signer, err := NewEd25519Signer(raw)
	must.NoError(t, err)

	signed, err := signer.Sign(context.Background(), &SignRequest{
		Document:           testDocument(),
		Suites:             []string{structs.SuiteEddsaRdfc2022},
		VerificationMethod: "did:example:issuer#key-1",
	})
	must.NoError(t, err)

	var out map[string]any
	must.NoError(t, json.Unmarshal(signed, &out))

	proof, ok := out["proof"].(map[string]any)
	must.True(t, ok)
	must.Eq(t, "DataIntegrityProof", proof["type"])
	must.Eq(t, structs.SuiteEddsaRdfc2022, proof["cryptosuite"])
	must.Eq(t, "assertionMethod", proof["proofPurpose"])
	must.Eq(t, "did:example:issuer#key-1", proof["verificationMethod"])

	// The signature verifies over the canonical proofless document.
	value, ok := proof["proofValue"].(string)
	must.True(t, ok)
	must.True(t, strings.HasPrefix(value, "u"))
	sig, err := base64.RawURLEncoding.DecodeString(value[1:])
	must.NoError(t, err)

	delete(out, "proof")
	payload, err := json.Marshal(out)
	must.NoError(t, err)
	must.True(t, ed25519.Verify(pub, payload, sig))
}

func TestEd25519Signer_ProofSet(t *testing.T) {
	ci.Parallel(t)
	raw, _ := testKeyPair(t)
	signer, err := NewEd25519Signer(raw)
	must.NoError(t, err)

	signed, err := signer.Sign(context.Background(), &SignRequest{
		Document: testDocument(),
		Suites: []string{
			structs.SuiteEddsaRdfc2022,
			structs.SuiteEd25519Signature2020,
		},
		VerificationMethod: "did:example:issuer#key-1",
	})
	must.NoError(t, err)

	var out map[string]any
	must.NoError(t, json.Unmarshal(signed, &out))

	proofs, ok := out["proof"].([]any)
	must.True(t, ok)
	must.Len(t, 2, proofs)

	first := proofs[0].(map[string]any)
	must.Eq(t, "DataIntegrityProof", first["type"])
	second := proofs[1].(map[string]any)
	must.Eq(t, "Ed25519Signature2020", second["type"])
	_, hasSuite := second["cryptosuite"]
	must.False(t, hasSuite)
}

func TestEd25519Signer_Envelope(t *testing.T) {
	ci.Parallel(t)
	raw, pub := testKeyPair(t)
	signer, err := NewEd25519Signer(raw)
	must.NoError(t, err)

	signed, err := signer.Sign(context.Background(), &SignRequest{
		Document: testDocument(),
		Envelope: &structs.EnvelopeOptions{Format: structs.EnvelopeFormatVCJWT},
	})
	must.NoError(t, err)

	var out map[string]any
	must.NoError(t, json.Unmarshal(signed, &out))
	must.Eq(t, structs.EnvelopedCredentialType, out["type"])

	id, ok := out["id"].(string)
	must.True(t, ok)
	must.True(t, strings.HasPrefix(id, "data:application/jwt,"))

	token := strings.TrimPrefix(id, "data:application/jwt,")
	parsed, err := jwt.Parse(token, func(tok *jwt.Token) (any, error) {
		return pub, nil
	}, jwt.WithValidMethods([]string{"EdDSA"}))
	must.NoError(t, err)
	must.True(t, parsed.Valid)

	claims := parsed.Claims.(jwt.MapClaims)
	must.Eq(t, "did:example:issuer", claims["iss"])
	must.Eq(t, "urn:uuid:7f4bbd7a-4640-44b2-9b9e-0c7af1a5a1a1", claims["jti"])
	_, hasVC := claims["vc"]
	must.True(t, hasVC)
}

func TestEd25519Signer_BadKey(t *testing.T) {
	ci.Parallel(t)

	_, err := NewEd25519Signer([]byte(`{"kty":"oct","k":"c2VjcmV0"}`))
	must.Error(t, err)

	_, err = NewEd25519Signer([]byte(`not json`))
	must.Error(t, err)
}
