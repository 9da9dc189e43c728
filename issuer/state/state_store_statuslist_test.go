// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"testing"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/vc-issuer/ci"
	"github.com/hashicorp/vc-issuer/issuer/structs"
)

func testListSet() *structs.StatusListSet {
	return &structs.StatusListSet{
		TenantID:       "tenant-a",
		Purpose:        structs.StatusPurposeRevocation,
		Type:           structs.StatusListTypeBitstring,
		IndexAllocator: "did:example:a#allocator",
		BlockSize:      8,
		BlockCount:     4,
		ListCount:      2,
	}
}

func TestStateStore_EnsureListSet_Idempotent(t *testing.T) {
	ci.Parallel(t)
	store := TestStateStore(t)

	first, err := store.EnsureListSet(testListSet())
	must.NoError(t, err)
	must.NotEq(t, "", first.ID)

	second, err := store.EnsureListSet(testListSet())
	must.NoError(t, err)
	must.Eq(t, first.ID, second.ID)
	must.Eq(t, first.ModifySequence, second.ModifySequence)

	// A different purpose is a different set.
	other := testListSet()
	other.Purpose = structs.StatusPurposeSuspension
	third, err := store.EnsureListSet(other)
	must.NoError(t, err)
	must.NotEq(t, first.ID, third.ID)
}

func TestStateStore_CreateList(t *testing.T) {
	ci.Parallel(t)
	store := TestStateStore(t)

	set, err := store.EnsureListSet(testListSet())
	must.NoError(t, err)

	list, err := store.CreateList(&CreateListRequest{
		SetID:             set.ID,
		ExpectSetSequence: set.ModifySequence,
	})
	must.NoError(t, err)
	must.Eq(t, uint32(0), list.ListIndex)
	must.Eq(t, structs.ListStatusActive, list.Status)
	must.Eq(t, 4, int(list.ActiveBlocks.Count()))
	must.True(t, list.FullBlocks.Empty())
	must.True(t, list.StatusBits.Empty())

	snap, err := store.ListSetByID(set.ID)
	must.NoError(t, err)
	must.Eq(t, list.ID, snap.Set.ActiveListID)
	must.Eq(t, uint32(1), snap.Set.NextListIndex)
	must.Len(t, 1, snap.Lists)

	// Stale set sequence is rejected.
	_, err = store.CreateList(&CreateListRequest{
		SetID:             set.ID,
		ExpectSetSequence: set.ModifySequence,
	})
	must.ErrorIs(t, err, structs.ErrConcurrentModification)
}

func TestStateStore_CreateList_RolloverAndQuota(t *testing.T) {
	ci.Parallel(t)
	store := TestStateStore(t)

	set, err := store.EnsureListSet(testListSet())
	must.NoError(t, err)

	first, err := store.CreateList(&CreateListRequest{
		SetID:             set.ID,
		ExpectSetSequence: set.ModifySequence,
	})
	must.NoError(t, err)

	snap, err := store.ListSetByID(set.ID)
	must.NoError(t, err)

	// Rollover: mark the first full and create the second atomically.
	second, err := store.CreateList(&CreateListRequest{
		SetID:              set.ID,
		ExpectSetSequence:  snap.Set.ModifySequence,
		MarkFullListID:     first.ID,
		ExpectListSequence: first.ModifySequence,
	})
	must.NoError(t, err)
	must.Eq(t, uint32(1), second.ListIndex)

	snap, err = store.ListSetByID(set.ID)
	must.NoError(t, err)
	must.Eq(t, second.ID, snap.Set.ActiveListID)
	must.Eq(t, structs.ListStatusFull, snap.Lists[0].Status)
	must.Eq(t, structs.ListStatusActive, snap.Lists[1].Status)

	// The list count is exhausted: the full transition still commits,
	// then the quota error is reported.
	_, err = store.CreateList(&CreateListRequest{
		SetID:              set.ID,
		ExpectSetSequence:  snap.Set.ModifySequence,
		MarkFullListID:     second.ID,
		ExpectListSequence: snap.Lists[1].ModifySequence,
	})
	must.ErrorIs(t, err, structs.ErrQuotaExceeded)

	snap, err = store.ListSetByID(set.ID)
	must.NoError(t, err)
	must.Eq(t, structs.ListStatusFull, snap.Lists[1].Status)
	must.Eq(t, "", snap.Set.ActiveListID)
}

func TestStateStore_WriteList_CAS(t *testing.T) {
	ci.Parallel(t)
	store := TestStateStore(t)

	set, err := store.EnsureListSet(testListSet())
	must.NoError(t, err)
	list, err := store.CreateList(&CreateListRequest{
		SetID:             set.ID,
		ExpectSetSequence: set.ModifySequence,
	})
	must.NoError(t, err)

	stale := list.Copy()

	list.StatusBits.Set(3)
	must.NoError(t, store.WriteList(list.ModifySequence, list))

	// The stale snapshot loses.
	stale.StatusBits.Set(7)
	err = store.WriteList(stale.ModifySequence, stale)
	must.ErrorIs(t, err, structs.ErrConcurrentModification)

	out, err := store.ReadList(list.ID)
	must.NoError(t, err)
	must.True(t, out.StatusBits.Check(3))
	must.False(t, out.StatusBits.Check(7))
}

func TestStateStore_WriteBlock_CAS(t *testing.T) {
	ci.Parallel(t)
	store := TestStateStore(t)

	allocated, err := structs.NewBitmap(8)
	must.NoError(t, err)
	block := &structs.BlockRecord{
		ID:        structs.BlockRecordID("list-1", 0),
		ListID:    "list-1",
		TenantID:  "tenant-a",
		BlockID:   0,
		Allocated: allocated,
		Pending:   map[string]*structs.Reservation{},
	}

	// Expected sequence zero is create-only.
	must.NoError(t, store.WriteBlock(0, block))
	err = store.WriteBlock(0, block)
	must.ErrorIs(t, err, structs.ErrConcurrentModification)

	out, err := store.ReadBlock("list-1", 0)
	must.NoError(t, err)
	must.NotNil(t, out)

	out.Allocated.Set(0)
	out.AllocatedCount = 1
	must.NoError(t, store.WriteBlock(out.ModifySequence, out))

	// Writing an unknown block with a non-zero sequence fails.
	missing := block.Copy()
	missing.ID = structs.BlockRecordID("list-1", 9)
	missing.BlockID = 9
	err = store.WriteBlock(42, missing)
	must.ErrorIs(t, err, structs.ErrNotFound)

	blocks, err := store.BlocksByList("list-1")
	must.NoError(t, err)
	must.Len(t, 1, blocks)
	must.Eq(t, uint32(1), blocks[0].AllocatedCount)
}

func TestStateStore_PublishedSLC(t *testing.T) {
	ci.Parallel(t)
	store := TestStateStore(t)

	out, err := store.GetPublishedSLC("list-1")
	must.NoError(t, err)
	must.Nil(t, out)

	must.NoError(t, store.PutPublishedSLC(&structs.PublishedSLC{
		ListID:       "list-1",
		TenantID:     "tenant-a",
		DataSequence: 10,
		Credential:   []byte(`{"v":1}`),
	}))

	// A writer with an older snapshot is dropped silently.
	must.NoError(t, store.PutPublishedSLC(&structs.PublishedSLC{
		ListID:       "list-1",
		TenantID:     "tenant-a",
		DataSequence: 8,
		Credential:   []byte(`{"v":0}`),
	}))

	out, err = store.GetPublishedSLC("list-1")
	must.NoError(t, err)
	must.Eq(t, uint64(10), out.DataSequence)
	must.Eq(t, []byte(`{"v":1}`), out.Credential)

	// A newer snapshot wins.
	must.NoError(t, store.PutPublishedSLC(&structs.PublishedSLC{
		ListID:       "list-1",
		TenantID:     "tenant-a",
		DataSequence: 12,
		Credential:   []byte(`{"v":2}`),
	}))
	out, err = store.GetPublishedSLC("list-1")
	must.NoError(t, err)
	must.Eq(t, uint64(12), out.DataSequence)
}
