// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package issuer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/vc-issuer/helper"
	"github.com/hashicorp/vc-issuer/helper/uuid"
	"github.com/hashicorp/vc-issuer/issuer/state"
	"github.com/hashicorp/vc-issuer/issuer/structs"
)

const (
	// casRetryBase and casRetryLimit bound the backoff between retries of
	// an optimistic write that lost its race.
	casRetryBase  = 5 * time.Millisecond
	casRetryLimit = 250 * time.Millisecond

	// casMaxAttempts bounds how often a contended write is retried before
	// the error is propagated.
	casMaxAttempts = 8
)

// BlockAllocator reserves, finalizes and abandons positions within one
// block of one status list. All coordination happens through sequence CAS
// on the block record; concurrent allocators race and the loser re-reads.
type BlockAllocator struct {
	store  *state.StateStore
	logger hclog.Logger
}

// NewBlockAllocator returns a block allocator backed by the state store.
func NewBlockAllocator(store *state.StateStore, logger hclog.Logger) *BlockAllocator {
	return &BlockAllocator{
		store:  store,
		logger: logger.Named("block_allocator"),
	}
}

// casSleep waits out the backoff for the given attempt, honoring ctx.
func casSleep(ctx context.Context, attempt uint64) error {
	d := helper.Backoff(casRetryBase, casRetryLimit, attempt) + helper.RandomStagger(casRetryBase)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Reserve assigns the lowest free position of the block to a new pending
// reservation. It returns structs.ErrBlockFull when every position is
// taken. The position picked is a deterministic function of the block
// snapshot, so two allocators racing on the same snapshot collide on the
// sequence check and the loser picks the next free position on retry.
func (a *BlockAllocator) Reserve(ctx context.Context, set *structs.StatusListSet, listID string, blockID uint32) (*structs.Reservation, error) {
	defer metrics.MeasureSince([]string{"issuer", "allocator", "reserve"}, time.Now())

	for attempt := uint64(0); attempt < casMaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		block, err := a.store.ReadBlock(listID, blockID)
		if err != nil {
			return nil, err
		}

		expect := uint64(0)
		if block == nil {
			block, err = newBlockRecord(set, listID, blockID)
			if err != nil {
				return nil, err
			}
		} else {
			expect = block.ModifySequence
		}

		if block.AllocatedCount >= set.BlockSize {
			return nil, structs.ErrBlockFull
		}

		bit, ok := block.Allocated.FirstZero()
		if !ok || bit >= uint(set.BlockSize) {
			return nil, structs.ErrBlockFull
		}

		res := &structs.Reservation{
			ID:             uuid.Generate(),
			TenantID:       set.TenantID,
			SetID:          set.ID,
			ListID:         listID,
			BlockID:        blockID,
			Bit:            uint32(bit),
			Index:          blockID*set.BlockSize + uint32(bit),
			IndexAllocator: set.IndexAllocator,
			State:          structs.ReservationStatePending,
			CreateTime:     time.Now().UTC(),
		}

		block.Allocated.Set(bit)
		block.AllocatedCount++
		block.Pending[res.ID] = res

		err = a.store.WriteBlock(expect, block)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, structs.ErrConcurrentModification) {
			return nil, err
		}

		metrics.IncrCounter([]string{"issuer", "allocator", "cas_retry"}, 1)
		if err := casSleep(ctx, attempt); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("block %s/%d: reserve retries exhausted: %w",
		listID, blockID, structs.ErrConcurrentModification)
}

func newBlockRecord(set *structs.StatusListSet, listID string, blockID uint32) (*structs.BlockRecord, error) {
	allocated, err := structs.NewBitmap(uint(set.BlockSize))
	if err != nil {
		return nil, fmt.Errorf("block bitmap: %v", err)
	}
	return &structs.BlockRecord{
		ID:        structs.BlockRecordID(listID, blockID),
		ListID:    listID,
		TenantID:  set.TenantID,
		BlockID:   blockID,
		Allocated: allocated,
		Pending:   make(map[string]*structs.Reservation),
	}, nil
}

// Finalize removes the reservation from the block's pending set, keeping
// its bit assigned for good. Finalizing a reservation that is no longer
// pending is a no-op. When the block ends up full, the list's block
// bookkeeping is updated.
func (a *BlockAllocator) Finalize(ctx context.Context, res *structs.Reservation) error {
	defer metrics.MeasureSince([]string{"issuer", "allocator", "finalize"}, time.Now())

	full := false
	err := a.updateBlock(ctx, res.ListID, res.BlockID, func(block *structs.BlockRecord) bool {
		if _, ok := block.Pending[res.ID]; !ok {
			full = false
			return false
		}
		delete(block.Pending, res.ID)
		full = uint(block.AllocatedCount) == block.Allocated.Size()
		return true
	})
	if err != nil {
		return err
	}
	res.State = structs.ReservationStateFinalized

	if full {
		if err := a.markBlockFull(ctx, res.ListID, res.BlockID); err != nil {
			return err
		}
	}
	return nil
}

// Abandon releases the reserved position: the bit is cleared, the count
// decremented, the pending entry dropped. Abandoning a reservation that is
// no longer pending is a no-op. A previously full block becomes eligible
// for allocation again.
func (a *BlockAllocator) Abandon(ctx context.Context, res *structs.Reservation) error {
	defer metrics.MeasureSince([]string{"issuer", "allocator", "abandon"}, time.Now())

	released := false
	err := a.updateBlock(ctx, res.ListID, res.BlockID, func(block *structs.BlockRecord) bool {
		if _, ok := block.Pending[res.ID]; !ok {
			return false
		}
		block.Allocated.Unset(uint(res.Bit))
		if block.AllocatedCount > 0 {
			block.AllocatedCount--
		}
		delete(block.Pending, res.ID)
		released = true
		return true
	})
	if err != nil {
		return err
	}
	res.State = structs.ReservationStateAbandoned

	if released {
		if err := a.markBlockAvailable(ctx, res.ListID, res.BlockID); err != nil {
			return err
		}
	}
	return nil
}

// updateBlock applies fn to a fresh snapshot of the block under CAS retry.
// fn returns false to skip the write (idempotent no-op path).
func (a *BlockAllocator) updateBlock(ctx context.Context, listID string, blockID uint32, fn func(*structs.BlockRecord) bool) error {
	for attempt := uint64(0); attempt < casMaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		block, err := a.store.ReadBlock(listID, blockID)
		if err != nil {
			return err
		}
		if block == nil {
			return fmt.Errorf("block %s/%d: %w", listID, blockID, structs.ErrNotFound)
		}

		if !fn(block) {
			return nil
		}

		err = a.store.WriteBlock(block.ModifySequence, block)
		if err == nil {
			return nil
		}
		if !errors.Is(err, structs.ErrConcurrentModification) {
			return err
		}

		metrics.IncrCounter([]string{"issuer", "allocator", "cas_retry"}, 1)
		if err := casSleep(ctx, attempt); err != nil {
			return err
		}
	}
	return fmt.Errorf("block %s/%d: update retries exhausted: %w",
		listID, blockID, structs.ErrConcurrentModification)
}

// markBlockFull moves the block from the list's active bitmap into the
// full bitmap, keeping the two disjoint.
func (a *BlockAllocator) markBlockFull(ctx context.Context, listID string, blockID uint32) error {
	return a.updateList(ctx, listID, func(list *structs.StatusListRecord) bool {
		if list.FullBlocks.Check(uint(blockID)) && !list.ActiveBlocks.Check(uint(blockID)) {
			return false
		}
		list.FullBlocks.Set(uint(blockID))
		list.ActiveBlocks.Unset(uint(blockID))
		return true
	})
}

// markBlockAvailable reopens a block after an abandon freed a position. A
// list that had gone full becomes active again so allocators can reclaim
// the freed position.
func (a *BlockAllocator) markBlockAvailable(ctx context.Context, listID string, blockID uint32) error {
	return a.updateList(ctx, listID, func(list *structs.StatusListRecord) bool {
		changed := false
		if list.FullBlocks.Check(uint(blockID)) {
			list.FullBlocks.Unset(uint(blockID))
			changed = true
		}
		if !list.ActiveBlocks.Check(uint(blockID)) {
			list.ActiveBlocks.Set(uint(blockID))
			changed = true
		}
		if list.Status == structs.ListStatusFull {
			list.Status = structs.ListStatusActive
			changed = true
		}
		return changed
	})
}

// updateList applies fn to a fresh list snapshot under CAS retry.
func (a *BlockAllocator) updateList(ctx context.Context, listID string, fn func(*structs.StatusListRecord) bool) error {
	for attempt := uint64(0); attempt < casMaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		list, err := a.store.ReadList(listID)
		if err != nil {
			return err
		}
		if list == nil {
			return fmt.Errorf("status list %s: %w", listID, structs.ErrNotFound)
		}

		if !fn(list) {
			return nil
		}

		err = a.store.WriteList(list.ModifySequence, list)
		if err == nil {
			return nil
		}
		if !errors.Is(err, structs.ErrConcurrentModification) {
			return err
		}

		metrics.IncrCounter([]string{"issuer", "allocator", "cas_retry"}, 1)
		if err := casSleep(ctx, attempt); err != nil {
			return err
		}
	}
	return fmt.Errorf("status list %s: update retries exhausted: %w",
		listID, structs.ErrConcurrentModification)
}
