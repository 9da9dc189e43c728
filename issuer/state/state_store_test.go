// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"testing"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/vc-issuer/ci"
	"github.com/hashicorp/vc-issuer/issuer/structs"
)

func testIssuerConfig() *structs.IssuerConfig {
	return &structs.IssuerConfig{
		ID:     "tenant-a",
		Issuer: "did:example:a",
		StatusListOptions: []*structs.StatusListOption{{
			Type:           structs.StatusListTypeBitstring,
			Purposes:       []structs.StatusPurpose{structs.StatusPurposeRevocation},
			BlockSize:      8,
			BlockCount:     4,
			ListCount:      2,
			IndexAllocator: "did:example:a#allocator",
		}},
	}
}

func TestStateStore_UpsertIssuerConfig(t *testing.T) {
	ci.Parallel(t)
	store := TestStateStore(t)

	cfg := testIssuerConfig()
	must.NoError(t, store.UpsertIssuerConfig(0, cfg))

	out, err := store.GetIssuerConfig(cfg.ID)
	must.NoError(t, err)
	must.NotNil(t, out)
	must.Eq(t, cfg.ID, out.ID)
	must.NonZero(t, out.ModifySequence)

	// Create-only insert of an existing id fails.
	err = store.UpsertIssuerConfig(0, cfg)
	must.ErrorIs(t, err, structs.ErrInvalidState)

	// Update with a stale sequence fails.
	err = store.UpsertIssuerConfig(out.ModifySequence+10, out)
	must.ErrorIs(t, err, structs.ErrInvalidState)

	// Update with the current sequence succeeds.
	out.AllowUnidentified = true
	must.NoError(t, store.UpsertIssuerConfig(out.ModifySequence, out))

	out2, err := store.GetIssuerConfig(cfg.ID)
	must.NoError(t, err)
	must.True(t, out2.AllowUnidentified)
	must.Greater(t, out.ModifySequence, out2.ModifySequence)
}

func TestStateStore_GetIssuerConfig_Missing(t *testing.T) {
	ci.Parallel(t)
	store := TestStateStore(t)

	out, err := store.GetIssuerConfig("nope")
	must.NoError(t, err)
	must.Nil(t, out)
}

func TestStateStore_IssuerConfig_SnapshotIsolation(t *testing.T) {
	ci.Parallel(t)
	store := TestStateStore(t)

	cfg := testIssuerConfig()
	must.NoError(t, store.UpsertIssuerConfig(0, cfg))

	out, err := store.GetIssuerConfig(cfg.ID)
	must.NoError(t, err)

	// Mutating the snapshot must not leak into the store.
	out.Issuer = "did:example:mutated"
	out.StatusListOptions[0].BlockSize = 64

	again, err := store.GetIssuerConfig(cfg.ID)
	must.NoError(t, err)
	must.Eq(t, "did:example:a", again.Issuer)
	must.Eq(t, uint32(8), again.StatusListOptions[0].BlockSize)
}

func TestStateStore_ContextDocuments(t *testing.T) {
	ci.Parallel(t)
	store := TestStateStore(t)

	doc := &structs.ContextDocument{
		TenantID: "tenant-a",
		URL:      "https://example.com/contexts/v1",
		Document: []byte(`{"@context":{}}`),
	}
	must.NoError(t, store.UpsertContextDocument(doc))

	out, err := store.GetContextDocument("tenant-a", doc.URL)
	must.NoError(t, err)
	must.NotNil(t, out)
	must.Eq(t, doc.Document, out.Document)

	// Tenant isolation.
	other, err := store.GetContextDocument("tenant-b", doc.URL)
	must.NoError(t, err)
	must.Nil(t, other)

	// Upsert replaces in place.
	doc.Document = []byte(`{"@context":{"v":2}}`)
	must.NoError(t, store.UpsertContextDocument(doc))

	docs, err := store.ContextDocuments("tenant-a")
	must.NoError(t, err)
	must.Len(t, 1, docs)
	must.Eq(t, doc.Document, docs[0].Document)
}
