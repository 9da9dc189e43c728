// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package issuer

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"

	jose "github.com/go-jose/go-jose/v3"
	testing "github.com/mitchellh/go-testing-interface"

	"github.com/hashicorp/vc-issuer/helper/testlog"
	"github.com/hashicorp/vc-issuer/issuer/state"
	"github.com/hashicorp/vc-issuer/issuer/structs"
)

// TestSigningKey generates an Ed25519 signing key as serialized JWK.
func TestSigningKey(t testing.T) []byte {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating test key: %v", err)
	}
	jwk := jose.JSONWebKey{
		Key:       priv,
		KeyID:     "test-key-1",
		Algorithm: string(jose.EdDSA),
		Use:       "sig",
	}
	raw, err := json.Marshal(jwk)
	if err != nil {
		t.Fatalf("marshaling test key: %v", err)
	}
	return raw
}

// TestIssuerConfig returns a canonicalized tenant configuration with a
// fresh signing key and one bitstring revocation list family.
func TestIssuerConfig(t testing.T) *structs.IssuerConfig {
	cfg := &structs.IssuerConfig{
		ID:                 "test-tenant",
		ControllerID:       "did:example:issuer",
		Issuer:             "did:example:issuer",
		AllowUnidentified:  true,
		BaseURL:            "https://issuer.example.com/test-tenant",
		SigningKey:         TestSigningKey(t),
		VerificationMethod: "did:example:issuer#test-key-1",
		StatusListOptions: []*structs.StatusListOption{
			{
				Type:           structs.StatusListTypeBitstring,
				Purposes:       []structs.StatusPurpose{structs.StatusPurposeRevocation},
				BlockSize:      8,
				BlockCount:     4,
				ListCount:      2,
				IndexAllocator: "did:example:issuer#allocator",
			},
		},
	}
	cfg.Canonicalize()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test issuer config invalid: %v", err)
	}
	return cfg
}

// TestComponents is the wired issuer core for tests.
type TestComponents struct {
	Store     *state.StateStore
	Allocator *BlockAllocator
	Manager   *ListManager
	Updater   *StatusUpdater
	Pipeline  *IssuePipeline
	Signers   SignerProvider
	Writers   StatusWriterFactory
}

// TestComponentsOption mutates the wiring before construction finishes.
type TestComponentsOption func(*TestComponents)

// WithTestWriters replaces the status writer factory, the seam crash and
// failure tests interpose on.
func WithTestWriters(f func(TestComponents) StatusWriterFactory) TestComponentsOption {
	return func(c *TestComponents) {
		c.Writers = f(*c)
	}
}

// NewTestComponents wires a full in-memory issuer core.
func NewTestComponents(t testing.T, opts ...TestComponentsOption) *TestComponents {
	logger := testlog.HCLogger(t)

	store, err := state.NewStateStore(&state.StateStoreConfig{Logger: logger})
	if err != nil {
		t.Fatalf("state store setup: %v", err)
	}

	allocator := NewBlockAllocator(store, logger)
	manager := NewListManager(&ListManagerConfig{
		Store:     store,
		Allocator: allocator,
		Logger:    logger,
	})
	signers := NewCachingSignerProvider()

	c := &TestComponents{
		Store:     store,
		Allocator: allocator,
		Manager:   manager,
		Signers:   signers,
		Writers:   NewStatusWriterFactory(manager, allocator, logger),
	}
	c.Updater = NewStatusUpdater(&StatusUpdaterConfig{
		Store:     store,
		Allocator: allocator,
		Signers:   signers,
		Logger:    logger,
	})

	for _, opt := range opts {
		opt(c)
	}

	c.Pipeline = NewIssuePipeline(&IssuePipelineConfig{
		Store:   store,
		Writers: c.Writers,
		Signers: signers,
		Logger:  logger,
	})
	return c
}
