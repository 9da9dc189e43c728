// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package issuer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hashicorp/vc-issuer/ci"
)

func TestCachingSignerProvider(t *testing.T) {
	ci.Parallel(t)
	provider := NewCachingSignerProvider()

	cfg := TestIssuerConfig(t)
	cfg.ModifySequence = 7

	first, err := provider(cfg)
	require.NoError(t, err)
	require.NotNil(t, first)

	// Same tenant and sequence hit the cache.
	again, err := provider(cfg)
	require.NoError(t, err)
	require.Same(t, first, again)

	// A config rewrite bumps the sequence and rebuilds the signer, so key
	// rotations take effect.
	cfg.SigningKey = TestSigningKey(t)
	cfg.ModifySequence = 8
	rotated, err := provider(cfg)
	require.NoError(t, err)
	require.NotSame(t, first, rotated)

	// Tenants do not share cache entries.
	other := TestIssuerConfig(t)
	other.ID = "other-tenant"
	other.ModifySequence = 7
	otherSigner, err := provider(other)
	require.NoError(t, err)
	require.NotSame(t, first, otherSigner)
}

func TestCachingSignerProvider_BadKey(t *testing.T) {
	ci.Parallel(t)
	provider := NewCachingSignerProvider()

	cfg := TestIssuerConfig(t)
	cfg.SigningKey = []byte("not a jwk")
	_, err := provider(cfg)
	require.Error(t, err)
}
