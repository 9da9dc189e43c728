// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package issuer

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/vc-issuer/issuer/state"
	"github.com/hashicorp/vc-issuer/issuer/structs"
)

const (
	// DefaultReservationTimeout is how long a reservation may stay
	// pending before recovery considers it for reclamation. It must
	// exceed the longest signer call plus a margin.
	DefaultReservationTimeout = 5 * time.Minute

	// allocateMaxPasses bounds the outer allocate loop across snapshot
	// refreshes, recovery sweeps and rollovers.
	allocateMaxPasses = 16
)

// ListManager picks the list and block a reservation is served from,
// creates lists on demand, rolls over full lists and reclaims abandoned
// reservations. It owns no memory state; every decision starts from a
// fresh storage snapshot so concurrent managers in other processes reach
// compatible conclusions.
type ListManager struct {
	store     *state.StateStore
	allocator *BlockAllocator
	logger    hclog.Logger
	rand      RandomSource

	reservationTimeout time.Duration
}

// ListManagerConfig configures a ListManager.
type ListManagerConfig struct {
	Store     *state.StateStore
	Allocator *BlockAllocator
	Logger    hclog.Logger

	// Random is the block-selection randomness; nil gets the seeded
	// default.
	Random RandomSource

	// ReservationTimeout overrides DefaultReservationTimeout.
	ReservationTimeout time.Duration
}

// NewListManager returns a list manager.
func NewListManager(config *ListManagerConfig) *ListManager {
	r := config.Random
	if r == nil {
		r = DefaultRandomSource()
	}
	timeout := config.ReservationTimeout
	if timeout == 0 {
		timeout = DefaultReservationTimeout
	}
	return &ListManager{
		store:              config.Store,
		allocator:          config.Allocator,
		logger:             config.Logger.Named("list_manager"),
		rand:               r,
		reservationTimeout: timeout,
	}
}

// Allocate reserves a unique (list, index) position for the tenant's
// status list family identified by the option and purpose. It fails with
// structs.ErrQuotaExceeded once listCount lists exist and none has free
// positions left, after an attempt to reclaim expired reservations.
func (m *ListManager) Allocate(ctx context.Context, tenantID string, opt *structs.StatusListOption, purpose structs.StatusPurpose) (*structs.Reservation, error) {
	defer metrics.MeasureSince([]string{"issuer", "list_manager", "allocate"}, time.Now())

	set, err := m.store.EnsureListSet(&structs.StatusListSet{
		TenantID:       tenantID,
		Purpose:        purpose,
		Type:           opt.Type,
		IndexAllocator: opt.IndexAllocator,
		BlockSize:      opt.BlockSize,
		BlockCount:     opt.BlockCount,
		ListCount:      opt.ListCount,
	})
	if err != nil {
		return nil, err
	}

	recovered := false
	for pass := 0; pass < allocateMaxPasses; pass++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		snap, err := m.store.ListSetByID(set.ID)
		if err != nil {
			return nil, err
		}
		if snap == nil {
			return nil, fmt.Errorf("list set %q: %w", set.ID, structs.ErrNotFound)
		}

		list := m.chooseList(snap)
		if list == nil {
			// No allocatable list. Try reclaiming expired
			// reservations once before spending a list slot.
			if !recovered {
				recovered = true
				n, err := m.recoverSet(ctx, snap)
				if err != nil {
					m.logger.Warn("reservation recovery failed", "set_id", set.ID, "error", err)
				}
				if n > 0 {
					continue
				}
			}

			if _, err := m.createList(ctx, snap); err != nil {
				if errors.Is(err, structs.ErrConcurrentModification) {
					continue
				}
				return nil, err
			}
			continue
		}

		res, err := m.allocateFromList(ctx, snap, list)
		if err == nil {
			res.ListIndex = list.ListIndex
			return res, nil
		}
		if errors.Is(err, structs.ErrListFull) || errors.Is(err, structs.ErrConcurrentModification) {
			continue
		}
		return nil, err
	}

	return nil, fmt.Errorf("allocation passes exhausted for set %q: %w",
		set.ID, structs.ErrConcurrentModification)
}

// chooseList returns a list that is active and still advertises free
// blocks, preferring the set's active pointer.
func (m *ListManager) chooseList(snap *structs.ListSetState) *structs.StatusListRecord {
	if active := snap.ActiveList(); active != nil && !active.ActiveBlocks.Empty() {
		return active
	}
	for _, l := range snap.Lists {
		if l.Status == structs.ListStatusActive && !l.ActiveBlocks.Empty() {
			return l
		}
	}
	return nil
}

// createList asks the registry for the next list, marking any active list
// whose blocks are exhausted as full in the same transaction.
func (m *ListManager) createList(ctx context.Context, snap *structs.ListSetState) (*structs.StatusListRecord, error) {
	req := &state.CreateListRequest{
		SetID:             snap.Set.ID,
		ExpectSetSequence: snap.Set.ModifySequence,
	}
	for _, l := range snap.Lists {
		if l.Status == structs.ListStatusActive && l.ActiveBlocks.Empty() {
			req.MarkFullListID = l.ID
			req.ExpectListSequence = l.ModifySequence
			break
		}
	}
	list, err := m.store.CreateList(req)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("created status list", "set_id", snap.Set.ID,
		"list_id", list.ID, "list_index", list.ListIndex)
	return list, nil
}

// allocateFromList probes blocks of the list until a reservation sticks,
// marking exhausted blocks full along the way. Returns
// structs.ErrListFull after every block has been found full; the caller
// refreshes its snapshot and rolls over.
func (m *ListManager) allocateFromList(ctx context.Context, snap *structs.ListSetState, list *structs.StatusListRecord) (*structs.Reservation, error) {
	set := snap.Set
	blockCount := uint(set.BlockCount)

	// Hash the reservation context, then probe linearly from there. The
	// randomness only spreads contention; with it pinned the probe is a
	// deterministic scan.
	start := m.blockHint(set.TenantID, blockCount)

	active, err := m.store.ReadList(list.ID)
	if err != nil {
		return nil, err
	}
	if active == nil {
		return nil, fmt.Errorf("status list %q: %w", list.ID, structs.ErrNotFound)
	}

	for probed := uint(0); probed < blockCount; probed++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		blockID := (start + probed) % blockCount
		if !active.ActiveBlocks.Check(blockID) {
			continue
		}

		res, err := m.allocator.Reserve(ctx, set, list.ID, uint32(blockID))
		if err == nil {
			return res, nil
		}
		if errors.Is(err, structs.ErrBlockFull) {
			if err := m.allocator.markBlockFull(ctx, list.ID, uint32(blockID)); err != nil {
				return nil, err
			}
			continue
		}
		return nil, err
	}

	// Every block is full: transition the list and create its successor
	// atomically. A quota breach is not terminal here; the caller gets a
	// fresh snapshot and runs a recovery sweep before giving up.
	if _, err := m.rollover(ctx, snap, list.ID); err != nil {
		if errors.Is(err, structs.ErrQuotaExceeded) ||
			errors.Is(err, structs.ErrConcurrentModification) {
			return nil, structs.ErrListFull
		}
		return nil, err
	}
	return nil, structs.ErrListFull
}

// blockHint mixes the tenant id and a random nonce into a starting block.
func (m *ListManager) blockHint(tenantID string, blockCount uint) uint {
	h := fnv.New64a()
	_, _ = h.Write([]byte(tenantID))
	nonce := m.rand.Intn(int(blockCount))
	_, _ = h.Write([]byte{byte(nonce), byte(nonce >> 8), byte(nonce >> 16), byte(nonce >> 24)})
	return uint(h.Sum64() % uint64(blockCount))
}

// rollover marks the list full and creates the next list in the same
// registry transaction.
func (m *ListManager) rollover(ctx context.Context, snap *structs.ListSetState, fullListID string) (*structs.StatusListRecord, error) {
	current, err := m.store.ReadList(fullListID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("status list %q: %w", fullListID, structs.ErrNotFound)
	}
	if current.Status == structs.ListStatusFull {
		// Another allocator already rolled this list over.
		return nil, structs.ErrConcurrentModification
	}

	list, err := m.store.CreateList(&state.CreateListRequest{
		SetID:              snap.Set.ID,
		ExpectSetSequence:  snap.Set.ModifySequence,
		MarkFullListID:     current.ID,
		ExpectListSequence: current.ModifySequence,
	})
	if err != nil {
		return nil, err
	}
	metrics.IncrCounter([]string{"issuer", "list_manager", "rollover"}, 1)
	m.logger.Info("status list rolled over", "set_id", snap.Set.ID,
		"full_list_id", current.ID, "new_list_id", list.ID)
	return list, nil
}

// recoverSet sweeps every list of the set for expired pending
// reservations. A pending reservation whose (list, index) position is
// referenced by a stored credential is promoted to finalized; one past the
// reservation timeout with no credential is abandoned and its position
// freed. The credential-store check is authoritative, which resolves the
// crash window between credential persistence and finalize.
func (m *ListManager) recoverSet(ctx context.Context, snap *structs.ListSetState) (int, error) {
	freed := 0
	for _, list := range snap.Lists {
		n, err := m.recoverList(ctx, snap.Set, list.ID)
		if err != nil {
			return freed, err
		}
		freed += n
	}
	return freed, nil
}

func (m *ListManager) recoverList(ctx context.Context, set *structs.StatusListSet, listID string) (int, error) {
	blocks, err := m.store.BlocksByList(listID)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	freed := 0
	for _, block := range blocks {
		for _, res := range block.Pending {
			pos, err := m.store.LookupStatusPosition(res.ListID, res.Index)
			if err != nil {
				return freed, err
			}
			if pos != nil {
				// The credential made it to storage; the writer
				// just never finished. Promote.
				if err := m.allocator.Finalize(ctx, res); err != nil {
					return freed, err
				}
				metrics.IncrCounter([]string{"issuer", "list_manager", "recovery_finalized"}, 1)
				m.logger.Info("promoted pending reservation with stored credential",
					"list_id", res.ListID, "index", res.Index, "credential_id", pos.CredentialID)
				continue
			}
			if now.Sub(res.CreateTime) < m.reservationTimeout {
				// Could still be live within its deadline; leave it.
				continue
			}
			if err := m.allocator.Abandon(ctx, res); err != nil {
				return freed, err
			}
			freed++
			metrics.IncrCounter([]string{"issuer", "list_manager", "recovery_abandoned"}, 1)
			m.logger.Info("abandoned expired reservation",
				"list_id", res.ListID, "index", res.Index, "age", now.Sub(res.CreateTime))
		}
	}
	return freed, nil
}
