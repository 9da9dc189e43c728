// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package issuer

import (
	"sync"

	"github.com/hashicorp/vc-issuer/issuer/structs"
)

// SignerProvider resolves the signer for a tenant. The pipeline and the
// status updater share one provider so key parsing happens once per
// tenant.
type SignerProvider func(cfg *structs.IssuerConfig) (Signer, error)

// NewCachingSignerProvider returns a provider that builds an Ed25519
// signer from the tenant's signing key and caches it by tenant id and
// config sequence, so key rotations take effect on the next config write.
func NewCachingSignerProvider() SignerProvider {
	type cacheKey struct {
		tenantID string
		sequence uint64
	}
	var mu sync.Mutex
	cache := make(map[cacheKey]Signer)

	return func(cfg *structs.IssuerConfig) (Signer, error) {
		key := cacheKey{tenantID: cfg.ID, sequence: cfg.ModifySequence}

		mu.Lock()
		if s, ok := cache[key]; ok {
			mu.Unlock()
			return s, nil
		}
		mu.Unlock()

		s, err := NewEd25519Signer(cfg.SigningKey)
		if err != nil {
			return nil, err
		}

		mu.Lock()
		cache[key] = s
		mu.Unlock()
		return s, nil
	}
}
