// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package issuer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/vc-issuer/ci"
	"github.com/hashicorp/vc-issuer/helper/testlog"
	"github.com/hashicorp/vc-issuer/issuer/state"
	"github.com/hashicorp/vc-issuer/issuer/structs"
)

func newTestManager(t *testing.T, timeout time.Duration) (*ListManager, *BlockAllocator, *state.StateStore) {
	t.Helper()
	logger := testlog.HCLogger(t)
	store := state.TestStateStore(t)
	allocator := NewBlockAllocator(store, logger)
	manager := NewListManager(&ListManagerConfig{
		Store:              store,
		Allocator:          allocator,
		Logger:             logger,
		Random:             ZeroRandomSource{},
		ReservationTimeout: timeout,
	})
	return manager, allocator, store
}

func testOption(blockSize, blockCount, listCount uint32) *structs.StatusListOption {
	return &structs.StatusListOption{
		Type:           structs.StatusListTypeBitstring,
		Purposes:       []structs.StatusPurpose{structs.StatusPurposeRevocation},
		BlockSize:      blockSize,
		BlockCount:     blockCount,
		ListCount:      listCount,
		IndexAllocator: "did:example:a#allocator",
	}
}

func TestListManager_Allocate(t *testing.T) {
	ci.Parallel(t)
	manager, allocator, _ := newTestManager(t, 0)
	ctx := context.Background()
	opt := testOption(8, 4, 1)

	seen := make(map[uint32]bool)
	for i := 0; i < 32; i++ {
		res, err := manager.Allocate(ctx, "tenant-a", opt, structs.StatusPurposeRevocation)
		must.NoError(t, err)
		must.Eq(t, uint32(0), res.ListIndex)
		must.False(t, seen[res.Index])
		seen[res.Index] = true
		must.NoError(t, allocator.Finalize(ctx, res))
	}
	must.Eq(t, 32, len(seen))
}

func TestListManager_Allocate_TenantIsolation(t *testing.T) {
	ci.Parallel(t)
	manager, _, store := newTestManager(t, 0)
	ctx := context.Background()
	opt := testOption(8, 2, 1)

	resA, err := manager.Allocate(ctx, "tenant-a", opt, structs.StatusPurposeRevocation)
	must.NoError(t, err)
	resB, err := manager.Allocate(ctx, "tenant-b", opt, structs.StatusPurposeRevocation)
	must.NoError(t, err)

	must.NotEq(t, resA.SetID, resB.SetID)
	must.NotEq(t, resA.ListID, resB.ListID)

	snapA, err := store.ListSetByID(resA.SetID)
	must.NoError(t, err)
	must.Eq(t, "tenant-a", snapA.Set.TenantID)
}

func TestListManager_Allocate_Rollover(t *testing.T) {
	ci.Parallel(t)
	manager, allocator, store := newTestManager(t, 0)
	ctx := context.Background()
	opt := testOption(8, 1, 2)

	// Fill the first list entirely.
	var first *structs.Reservation
	for i := 0; i < 8; i++ {
		res, err := manager.Allocate(ctx, "tenant-a", opt, structs.StatusPurposeRevocation)
		must.NoError(t, err)
		must.Eq(t, uint32(0), res.ListIndex)
		must.NoError(t, allocator.Finalize(ctx, res))
		first = res
	}

	// The next allocation rolls over to a second list.
	res, err := manager.Allocate(ctx, "tenant-a", opt, structs.StatusPurposeRevocation)
	must.NoError(t, err)
	must.Eq(t, uint32(1), res.ListIndex)
	must.NotEq(t, first.ListID, res.ListID)

	snap, err := store.ListSetByID(res.SetID)
	must.NoError(t, err)
	must.Len(t, 2, snap.Lists)
	must.Eq(t, structs.ListStatusFull, snap.Lists[0].Status)
	must.Eq(t, structs.ListStatusActive, snap.Lists[1].Status)
}

func TestListManager_Allocate_QuotaExceeded(t *testing.T) {
	ci.Parallel(t)
	manager, allocator, _ := newTestManager(t, time.Hour)
	ctx := context.Background()
	opt := testOption(8, 1, 2)

	// 2 lists x 1 block x 8 positions.
	for i := 0; i < 16; i++ {
		res, err := manager.Allocate(ctx, "tenant-a", opt, structs.StatusPurposeRevocation)
		must.NoError(t, err, must.Sprintf("allocation %d failed", i))
		must.NoError(t, allocator.Finalize(ctx, res))
	}

	_, err := manager.Allocate(ctx, "tenant-a", opt, structs.StatusPurposeRevocation)
	must.ErrorIs(t, err, structs.ErrQuotaExceeded)

	// Still exhausted on retry.
	_, err = manager.Allocate(ctx, "tenant-a", opt, structs.StatusPurposeRevocation)
	must.ErrorIs(t, err, structs.ErrQuotaExceeded)
}

func TestListManager_Recovery_AbandonsExpired(t *testing.T) {
	ci.Parallel(t)
	manager, _, _ := newTestManager(t, time.Millisecond)
	ctx := context.Background()
	opt := testOption(8, 1, 1)

	// Exhaust capacity with reservations nobody finishes.
	stale := make(map[uint32]bool)
	for i := 0; i < 8; i++ {
		res, err := manager.Allocate(ctx, "tenant-a", opt, structs.StatusPurposeRevocation)
		must.NoError(t, err)
		stale[res.Index] = true
	}
	time.Sleep(10 * time.Millisecond)

	// With every reservation expired and no credential behind them, the
	// recovery sweep frees the positions instead of failing on quota.
	res, err := manager.Allocate(ctx, "tenant-a", opt, structs.StatusPurposeRevocation)
	must.NoError(t, err)
	must.True(t, stale[res.Index])
}

func TestListManager_Recovery_PromotesStoredCredential(t *testing.T) {
	ci.Parallel(t)
	manager, _, store := newTestManager(t, time.Millisecond)
	ctx := context.Background()
	opt := testOption(8, 1, 1)

	var reservations []*structs.Reservation
	for i := 0; i < 8; i++ {
		res, err := manager.Allocate(ctx, "tenant-a", opt, structs.StatusPurposeRevocation)
		must.NoError(t, err)
		reservations = append(reservations, res)
	}

	// One of the pending reservations has a credential in storage; the
	// issuance crashed before finalizing.
	kept := reservations[2]
	must.NoError(t, store.InsertCredential(&structs.CredentialRecord{
		TenantID:     "tenant-a",
		CredentialID: "urn:uuid:crashed",
		Body:         []byte(`{"id":"urn:uuid:crashed"}`),
		StatusEntries: []*structs.StatusEntry{{
			Purpose:        structs.StatusPurposeRevocation,
			Type:           opt.Type,
			ListID:         kept.ListID,
			ListIndex:      kept.ListIndex,
			Index:          kept.Index,
			IndexAllocator: kept.IndexAllocator,
		}},
	}))
	time.Sleep(10 * time.Millisecond)

	// Recovery promotes the occupied position and frees the other seven;
	// the promoted position must never be reassigned.
	seen := make(map[uint32]bool)
	for i := 0; i < 7; i++ {
		res, err := manager.Allocate(ctx, "tenant-a", opt, structs.StatusPurposeRevocation)
		must.NoError(t, err)
		must.NotEq(t, kept.Index, res.Index)
		must.False(t, seen[res.Index])
		seen[res.Index] = true
	}

	// All positions taken again: quota.
	_, err := manager.Allocate(ctx, "tenant-a", opt, structs.StatusPurposeRevocation)
	must.ErrorIs(t, err, structs.ErrQuotaExceeded)
}

func TestListManager_Allocate_Concurrent(t *testing.T) {
	ci.Parallel(t)
	logger := testlog.HCLogger(t)
	store := state.TestStateStore(t)
	allocator := NewBlockAllocator(store, logger)
	manager := NewListManager(&ListManagerConfig{
		Store:              store,
		Allocator:          allocator,
		Logger:             logger,
		ReservationTimeout: time.Hour,
	})
	ctx := context.Background()
	opt := testOption(32, 8, 1)

	const n = 100
	var wg sync.WaitGroup
	results := make(chan *structs.Reservation, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := manager.Allocate(ctx, "tenant-a", opt, structs.StatusPurposeRevocation)
			if err != nil {
				errs <- err
				return
			}
			if err := allocator.Finalize(ctx, res); err != nil {
				errs <- err
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent allocation failed: %v", err)
	}

	seen := make(map[string]bool)
	count := 0
	for res := range results {
		key := fmt.Sprintf("%d/%d", res.ListIndex, res.Index)
		must.False(t, seen[key], must.Sprintf("position %s assigned twice", key))
		seen[key] = true
		count++
	}
	must.Eq(t, n, count)
}
