// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"
	"time"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/hashicorp/vc-issuer/helper/uuid"
	"github.com/hashicorp/vc-issuer/issuer/structs"
)

// EnsureListSet creates the list set record for (tenant, purpose, type) if
// it does not exist and returns a snapshot of it. Creation is idempotent;
// concurrent callers converge on the stored record.
func (s *StateStore) EnsureListSet(set *structs.StatusListSet) (*structs.StatusListSet, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	existingRaw, err := txn.First(TableStatusListSets, indexTenantKey,
		set.TenantID, string(set.Purpose), set.Type)
	if err != nil {
		return nil, fmt.Errorf("list set lookup failed: %v", err)
	}
	if existingRaw != nil {
		return existingRaw.(*structs.StatusListSet).Copy(), nil
	}

	seq := s.nextSequence()
	set = set.Copy()
	if set.ID == "" {
		set.ID = uuid.Generate()
	}
	set.CreateTime = time.Now().UTC()
	set.CreateSequence = seq
	set.ModifySequence = seq

	if err := txn.Insert(TableStatusListSets, set); err != nil {
		return nil, fmt.Errorf("list set insert failed: %v", err)
	}
	if err := updateIndexTxn(txn, TableStatusListSets, seq); err != nil {
		return nil, err
	}

	txn.Commit()
	return set.Copy(), nil
}

// ListSet returns a snapshot of the set record and its lists ordered by
// list index, or nil when the set has not been created.
func (s *StateStore) ListSet(tenantID string, purpose structs.StatusPurpose, listType string) (*structs.ListSetState, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	setRaw, err := txn.First(TableStatusListSets, indexTenantKey, tenantID, string(purpose), listType)
	if err != nil {
		return nil, fmt.Errorf("list set lookup failed: %v", err)
	}
	if setRaw == nil {
		return nil, nil
	}
	set := setRaw.(*structs.StatusListSet).Copy()

	lists, err := listsBySetTxn(txn, set.ID)
	if err != nil {
		return nil, err
	}
	return &structs.ListSetState{Set: set, Lists: lists}, nil
}

// ListSetByID returns the set snapshot addressed by id, or nil.
func (s *StateStore) ListSetByID(setID string) (*structs.ListSetState, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	setRaw, err := txn.First(TableStatusListSets, indexID, setID)
	if err != nil {
		return nil, fmt.Errorf("list set lookup failed: %v", err)
	}
	if setRaw == nil {
		return nil, nil
	}
	set := setRaw.(*structs.StatusListSet).Copy()

	lists, err := listsBySetTxn(txn, set.ID)
	if err != nil {
		return nil, err
	}
	return &structs.ListSetState{Set: set, Lists: lists}, nil
}

func listsBySetTxn(txn *memdb.Txn, setID string) ([]*structs.StatusListRecord, error) {
	iter, err := txn.Get(TableStatusLists, indexSet, setID)
	if err != nil {
		return nil, fmt.Errorf("status list lookup failed: %v", err)
	}

	var lists []*structs.StatusListRecord
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		lists = append(lists, raw.(*structs.StatusListRecord).Copy())
	}

	// Order by position within the set; memdb returns id order.
	for i := 1; i < len(lists); i++ {
		for j := i; j > 0 && lists[j-1].ListIndex > lists[j].ListIndex; j-- {
			lists[j-1], lists[j] = lists[j], lists[j-1]
		}
	}
	return lists, nil
}

// CreateListRequest asks the registry to create the next list of a set,
// optionally transitioning the currently active list to full in the same
// transaction (rollover).
type CreateListRequest struct {
	SetID string

	// ExpectSetSequence guards the set record against concurrent
	// rollover.
	ExpectSetSequence uint64

	// MarkFullListID optionally names a list whose status is flipped to
	// full atomically with the creation, guarded by ExpectListSequence.
	MarkFullListID     string
	ExpectListSequence uint64
}

// CreateList creates the next list in the set. When the set has reached its
// list count, the full transition of MarkFullListID (if any) is still
// committed and the call fails with structs.ErrQuotaExceeded: the family is
// exhausted but the bookkeeping must not be lost.
func (s *StateStore) CreateList(req *CreateListRequest) (*structs.StatusListRecord, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	setRaw, err := txn.First(TableStatusListSets, indexID, req.SetID)
	if err != nil {
		return nil, fmt.Errorf("list set lookup failed: %v", err)
	}
	if setRaw == nil {
		return nil, fmt.Errorf("list set %q: %w", req.SetID, structs.ErrNotFound)
	}
	set := setRaw.(*structs.StatusListSet)
	if set.ModifySequence != req.ExpectSetSequence {
		return nil, structs.ErrConcurrentModification
	}
	set = set.Copy()

	seq := s.nextSequence()

	if req.MarkFullListID != "" {
		listRaw, err := txn.First(TableStatusLists, indexID, req.MarkFullListID)
		if err != nil {
			return nil, fmt.Errorf("status list lookup failed: %v", err)
		}
		if listRaw == nil {
			return nil, fmt.Errorf("status list %q: %w", req.MarkFullListID, structs.ErrNotFound)
		}
		full := listRaw.(*structs.StatusListRecord)
		if full.ModifySequence != req.ExpectListSequence {
			return nil, structs.ErrConcurrentModification
		}
		full = full.Copy()
		full.Status = structs.ListStatusFull
		full.ModifySequence = seq
		if err := txn.Insert(TableStatusLists, full); err != nil {
			return nil, fmt.Errorf("status list insert failed: %v", err)
		}
		if set.ActiveListID == full.ID {
			set.ActiveListID = ""
		}
	}

	if set.NextListIndex >= set.ListCount {
		// Commit the full transition so allocators stop probing the
		// exhausted list, then report the quota breach.
		set.ModifySequence = seq
		if err := txn.Insert(TableStatusListSets, set); err != nil {
			return nil, fmt.Errorf("list set insert failed: %v", err)
		}
		if err := updateIndexTxn(txn, TableStatusLists, seq); err != nil {
			return nil, err
		}
		txn.Commit()
		return nil, structs.ErrQuotaExceeded
	}

	activeBlocks, err := structs.NewBitmap(uint(set.BlockCount))
	if err != nil {
		return nil, fmt.Errorf("block bitmap: %v", err)
	}
	for i := uint(0); i < uint(set.BlockCount); i++ {
		activeBlocks.Set(i)
	}
	fullBlocks, err := structs.NewBitmap(uint(set.BlockCount))
	if err != nil {
		return nil, fmt.Errorf("block bitmap: %v", err)
	}
	statusBits, err := structs.NewBitmap(uint(set.ListLength()))
	if err != nil {
		return nil, fmt.Errorf("status bitmap: %v", err)
	}

	list := &structs.StatusListRecord{
		ID:             uuid.Generate(),
		SetID:          set.ID,
		TenantID:       set.TenantID,
		ListIndex:      set.NextListIndex,
		Status:         structs.ListStatusActive,
		ActiveBlocks:   activeBlocks,
		FullBlocks:     fullBlocks,
		StatusBits:     statusBits,
		CreateTime:     time.Now().UTC(),
		CreateSequence: seq,
		ModifySequence: seq,
	}

	set.NextListIndex++
	set.ActiveListID = list.ID
	set.ModifySequence = seq

	if err := txn.Insert(TableStatusLists, list); err != nil {
		return nil, fmt.Errorf("status list insert failed: %v", err)
	}
	if err := txn.Insert(TableStatusListSets, set); err != nil {
		return nil, fmt.Errorf("list set insert failed: %v", err)
	}
	if err := updateIndexTxn(txn, TableStatusLists, seq); err != nil {
		return nil, err
	}

	txn.Commit()
	return list.Copy(), nil
}

// ReadList returns a snapshot of a list record with its sequence, or nil.
func (s *StateStore) ReadList(listID string) (*structs.StatusListRecord, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	out, err := txn.First(TableStatusLists, indexID, listID)
	if err != nil {
		return nil, fmt.Errorf("status list lookup failed: %v", err)
	}
	if out == nil {
		return nil, nil
	}
	return out.(*structs.StatusListRecord).Copy(), nil
}

// WriteList writes back a modified list record. The expected sequence must
// match the stored record or the write fails with
// structs.ErrConcurrentModification.
func (s *StateStore) WriteList(expectSequence uint64, list *structs.StatusListRecord) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	existingRaw, err := txn.First(TableStatusLists, indexID, list.ID)
	if err != nil {
		return fmt.Errorf("status list lookup failed: %v", err)
	}
	if existingRaw == nil {
		return fmt.Errorf("status list %q: %w", list.ID, structs.ErrNotFound)
	}
	existing := existingRaw.(*structs.StatusListRecord)
	if existing.ModifySequence != expectSequence {
		return structs.ErrConcurrentModification
	}

	seq := s.nextSequence()
	list = list.Copy()
	list.CreateTime = existing.CreateTime
	list.CreateSequence = existing.CreateSequence
	list.ModifySequence = seq

	if err := txn.Insert(TableStatusLists, list); err != nil {
		return fmt.Errorf("status list insert failed: %v", err)
	}
	if err := updateIndexTxn(txn, TableStatusLists, seq); err != nil {
		return err
	}

	txn.Commit()
	return nil
}

// ReadBlock returns a snapshot of a block record, or nil when the block has
// not been materialized yet.
func (s *StateStore) ReadBlock(listID string, blockID uint32) (*structs.BlockRecord, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	out, err := txn.First(TableStatusBlocks, indexID, structs.BlockRecordID(listID, blockID))
	if err != nil {
		return nil, fmt.Errorf("block lookup failed: %v", err)
	}
	if out == nil {
		return nil, nil
	}
	return out.(*structs.BlockRecord).Copy(), nil
}

// WriteBlock writes back a block record under the expected sequence. An
// expected sequence of zero is a create: it fails with
// structs.ErrConcurrentModification if the block already exists, which
// makes lazy materialization race-safe.
func (s *StateStore) WriteBlock(expectSequence uint64, block *structs.BlockRecord) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	existingRaw, err := txn.First(TableStatusBlocks, indexID, block.ID)
	if err != nil {
		return fmt.Errorf("block lookup failed: %v", err)
	}

	var existing *structs.BlockRecord
	if existingRaw != nil {
		existing = existingRaw.(*structs.BlockRecord)
	}

	switch {
	case expectSequence == 0 && existing != nil:
		return structs.ErrConcurrentModification
	case expectSequence != 0 && existing == nil:
		return fmt.Errorf("block %q: %w", block.ID, structs.ErrNotFound)
	case existing != nil && existing.ModifySequence != expectSequence:
		return structs.ErrConcurrentModification
	}

	seq := s.nextSequence()
	block = block.Copy()
	if existing != nil {
		block.CreateTime = existing.CreateTime
		block.CreateSequence = existing.CreateSequence
	} else {
		block.CreateTime = time.Now().UTC()
		block.CreateSequence = seq
	}
	block.ModifySequence = seq

	if err := txn.Insert(TableStatusBlocks, block); err != nil {
		return fmt.Errorf("block insert failed: %v", err)
	}
	if err := updateIndexTxn(txn, TableStatusBlocks, seq); err != nil {
		return err
	}

	txn.Commit()
	return nil
}

// BlocksByList returns snapshots of all materialized blocks of a list.
func (s *StateStore) BlocksByList(listID string) ([]*structs.BlockRecord, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableStatusBlocks, indexList, listID)
	if err != nil {
		return nil, fmt.Errorf("block lookup failed: %v", err)
	}

	var blocks []*structs.BlockRecord
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		blocks = append(blocks, raw.(*structs.BlockRecord).Copy())
	}
	return blocks, nil
}

// GetPublishedSLC returns the stored signed status list credential for a
// list, or nil when none has been published.
func (s *StateStore) GetPublishedSLC(listID string) (*structs.PublishedSLC, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	out, err := txn.First(TablePublishedSLCs, indexID, listID)
	if err != nil {
		return nil, fmt.Errorf("slc lookup failed: %v", err)
	}
	if out == nil {
		return nil, nil
	}
	return out.(*structs.PublishedSLC).Copy(), nil
}

// PutPublishedSLC stores a regenerated SLC. Writers that raced and lost,
// i.e. whose snapshot data sequence is not ahead of the stored one, are
// dropped without error: either artifact is acceptable for the same bitmap
// and later-sequence writes win.
func (s *StateStore) PutPublishedSLC(slc *structs.PublishedSLC) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	existingRaw, err := txn.First(TablePublishedSLCs, indexID, slc.ListID)
	if err != nil {
		return fmt.Errorf("slc lookup failed: %v", err)
	}

	seq := s.nextSequence()
	slc = slc.Copy()
	if existingRaw != nil {
		existing := existingRaw.(*structs.PublishedSLC)
		if slc.DataSequence <= existing.DataSequence {
			return nil
		}
		slc.CreateSequence = existing.CreateSequence
	} else {
		slc.CreateSequence = seq
	}
	slc.ModifySequence = seq

	if err := txn.Insert(TablePublishedSLCs, slc); err != nil {
		return fmt.Errorf("slc insert failed: %v", err)
	}
	if err := updateIndexTxn(txn, TablePublishedSLCs, seq); err != nil {
		return err
	}

	txn.Commit()
	return nil
}
