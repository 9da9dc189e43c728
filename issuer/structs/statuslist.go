// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"strconv"
	"time"
)

// StatusPurpose is the semantic label attached to a status list bitmap.
type StatusPurpose string

const (
	StatusPurposeRevocation StatusPurpose = "revocation"
	StatusPurposeSuspension StatusPurpose = "suspension"
	StatusPurposeActivation StatusPurpose = "activation"
)

// Validate checks that the purpose is one of the supported labels.
func (p StatusPurpose) Validate() error {
	switch p {
	case StatusPurposeRevocation, StatusPurposeSuspension, StatusPurposeActivation:
		return nil
	default:
		return fmt.Errorf("unsupported status purpose %q", string(p))
	}
}

// Supported status list types.
const (
	StatusListTypeBitstring          = "BitstringStatusList"
	StatusListTypeTerseBitstring     = "TerseBitstringStatusList"
	StatusListTypeStatusList2021     = "StatusList2021"
	StatusListTypeRevocationList2020 = "RevocationList2020"
)

// Status entry type names written into credential bodies.
const (
	EntryTypeBitstring          = "BitstringStatusListEntry"
	EntryTypeTerseBitstring     = "TerseBitstringStatusListEntry"
	EntryTypeStatusList2021     = "StatusList2021Entry"
	EntryTypeRevocationList2020 = "RevocationList2020Status"
)

// ListStatus is the lifecycle state of a status list.
type ListStatus string

const (
	// ListStatusBuilding marks a list that has been created but not yet
	// opened for allocation.
	ListStatusBuilding ListStatus = "building"

	// ListStatusActive marks the list allocations are currently served
	// from. At most one list per set is active at allocation time.
	ListStatusActive ListStatus = "active"

	// ListStatusFull marks a list whose blocks are all full.
	ListStatusFull ListStatus = "full"
)

// StatusListSet is the per-(tenant, purpose, type) metadata record that
// anchors an ordered family of status lists. Lists are created lazily, at
// most ListCount of them, each ListLength bits long.
type StatusListSet struct {
	ID       string
	TenantID string
	Purpose  StatusPurpose
	Type     string

	// IndexAllocator is the stable identifier for this assignment
	// namespace. Status updates must present a matching allocator id.
	IndexAllocator string

	BlockSize  uint32
	BlockCount uint32
	ListCount  uint32

	// ActiveListID points at the list allocations are served from, empty
	// when no list has been created yet or the newest list is full.
	ActiveListID string

	// NextListIndex counts lists created so far; it is also the index the
	// next created list receives.
	NextListIndex uint32

	CreateTime     time.Time
	CreateSequence uint64
	ModifySequence uint64
}

// ListLength is the number of bit positions per list.
func (s *StatusListSet) ListLength() uint32 {
	return s.BlockSize * s.BlockCount
}

// MaxCapacity is the total number of positions across all lists the set may
// ever create.
func (s *StatusListSet) MaxCapacity() uint64 {
	return uint64(s.ListLength()) * uint64(s.ListCount)
}

func (s *StatusListSet) Copy() *StatusListSet {
	if s == nil {
		return nil
	}
	ns := *s
	return &ns
}

// StatusListRecord is one status list in a set. It carries two kinds of
// bitmaps: allocation bookkeeping over blocks (ActiveBlocks, FullBlocks)
// and the status bits themselves (StatusBits, one bit per position).
//
// Invariant: ActiveBlocks and FullBlocks are disjoint. A list with
// FullBlocks all-ones has Status == ListStatusFull.
type StatusListRecord struct {
	ID       string
	SetID    string
	TenantID string

	// ListIndex is the position of this list within its set.
	ListIndex uint32

	Status ListStatus

	// ActiveBlocks has one bit per block, set while the block still has
	// free positions and is eligible for allocation.
	ActiveBlocks Bitmap

	// FullBlocks has one bit per block, set once the block is fully
	// allocated.
	FullBlocks Bitmap

	// StatusBits is the listLength-wide bitmap of status values published
	// in the signed status list credential.
	StatusBits Bitmap

	CreateTime     time.Time
	CreateSequence uint64
	ModifySequence uint64
}

func (l *StatusListRecord) Copy() *StatusListRecord {
	if l == nil {
		return nil
	}
	nl := *l
	nl.ActiveBlocks, _ = l.ActiveBlocks.Copy()
	nl.FullBlocks, _ = l.FullBlocks.Copy()
	nl.StatusBits, _ = l.StatusBits.Copy()
	return &nl
}

// ReservationState tracks the lifecycle of a reservation.
type ReservationState string

const (
	ReservationStatePending   ReservationState = "pending"
	ReservationStateFinalized ReservationState = "finalized"
	ReservationStateAbandoned ReservationState = "abandoned"
)

// Reservation is a transient claim on one (list, index) position, created
// by the block allocator and held by a credential status writer until the
// surrounding issuance finishes or definitively fails.
type Reservation struct {
	ID       string
	TenantID string
	SetID    string
	ListID   string

	// ListIndex is the owning list's position within its set, carried so
	// writers can build entry URLs without another list read.
	ListIndex uint32

	BlockID uint32

	// Bit is the position within the block; Index is the absolute
	// position within the list (BlockID*BlockSize + Bit).
	Bit   uint32
	Index uint32

	IndexAllocator string
	State          ReservationState
	CreateTime     time.Time
}

func (r *Reservation) Copy() *Reservation {
	if r == nil {
		return nil
	}
	nr := *r
	return &nr
}

// BlockRecord is the unit of allocation contention. Concurrent allocators
// race on the record's sequence; whoever commits first wins and the loser
// re-reads and picks the next lowest free position.
//
// Invariant: AllocatedCount == Allocated.Count(), and every pending
// reservation's bit is set in Allocated.
type BlockRecord struct {
	ID       string
	ListID   string
	TenantID string
	BlockID  uint32

	AllocatedCount uint32
	Allocated      Bitmap

	// Pending holds reservations that have been handed out but not yet
	// finalized or abandoned, keyed by reservation id.
	Pending map[string]*Reservation

	CreateTime     time.Time
	CreateSequence uint64
	ModifySequence uint64
}

func (b *BlockRecord) Copy() *BlockRecord {
	if b == nil {
		return nil
	}
	nb := *b
	nb.Allocated, _ = b.Allocated.Copy()
	nb.Pending = make(map[string]*Reservation, len(b.Pending))
	for id, r := range b.Pending {
		nb.Pending[id] = r.Copy()
	}
	return &nb
}

// BlockRecordID builds the primary key for a block record.
func BlockRecordID(listID string, blockID uint32) string {
	return listID + "/" + strconv.FormatUint(uint64(blockID), 10)
}

// ListSetState is the snapshot the list manager works from: the set record
// plus its list records ordered by list index.
type ListSetState struct {
	Set   *StatusListSet
	Lists []*StatusListRecord
}

// ActiveList returns the list allocations should be served from, or nil.
func (s *ListSetState) ActiveList() *StatusListRecord {
	for _, l := range s.Lists {
		if l.ID == s.Set.ActiveListID && l.Status == ListStatusActive {
			return l
		}
	}
	return nil
}

// StatusEntry is the value-only reference a credential holds back into the
// status list family that issued it.
type StatusEntry struct {
	Purpose        StatusPurpose
	Type           string
	ListID         string
	ListIndex      uint32
	Index          uint32
	IndexAllocator string
}

// TerseIndex flattens (listIndex, index) into the single integer used by
// terse entries. Consumers recover the list by integer-dividing by the
// list length.
func (e *StatusEntry) TerseIndex(listLength uint32) uint64 {
	return uint64(e.ListIndex)*uint64(listLength) + uint64(e.Index)
}

// BitstringStatusListEntry is the credentialStatus object for
// BitstringStatusList and, with adjusted type names, StatusList2021.
type BitstringStatusListEntry struct {
	ID                   string `json:"id,omitempty"`
	Type                 string `json:"type"`
	StatusPurpose        string `json:"statusPurpose"`
	StatusListIndex      string `json:"statusListIndex"`
	StatusListCredential string `json:"statusListCredential"`
}

// TerseBitstringStatusListEntry omits the status list credential URL;
// consumers reconstruct it from the base URL and the terse index.
type TerseBitstringStatusListEntry struct {
	Type                   string `json:"type"`
	TerseStatusListBaseURL string `json:"terseStatusListBaseUrl"`
	TerseStatusListIndex   uint64 `json:"terseStatusListIndex"`
}

// RevocationList2020Status is the legacy revocation list entry form.
type RevocationList2020Status struct {
	ID                       string `json:"id,omitempty"`
	Type                     string `json:"type"`
	RevocationListIndex      string `json:"revocationListIndex"`
	RevocationListCredential string `json:"revocationListCredential"`
}

// StatusListCredentialDoc is the JSON shape of a signed status list
// credential before proof attachment.
type StatusListCredentialDoc struct {
	Context           []string                 `json:"@context"`
	ID                string                   `json:"id"`
	Type              []string                 `json:"type"`
	Issuer            string                   `json:"issuer"`
	ValidFrom         string                   `json:"validFrom,omitempty"`
	IssuanceDate      string                   `json:"issuanceDate,omitempty"`
	CredentialSubject StatusListCredentialSubj `json:"credentialSubject"`
}

// StatusListCredentialSubj encodes the compressed bitmap.
type StatusListCredentialSubj struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	StatusPurpose string `json:"statusPurpose,omitempty"`
	EncodedList   string `json:"encodedList"`
}

// PublishedSLC is the stored signed status list credential along with the
// list data sequence it was generated from. Readers regenerate lazily when
// the list has moved past DataSequence.
type PublishedSLC struct {
	ListID       string
	TenantID     string
	DataSequence uint64

	// Credential is the signed SLC, byte-for-byte as produced by the
	// signer.
	Credential []byte

	CreateSequence uint64
	ModifySequence uint64
}

func (p *PublishedSLC) Copy() *PublishedSLC {
	if p == nil {
		return nil
	}
	np := *p
	np.Credential = make([]byte, len(p.Credential))
	copy(np.Credential, p.Credential)
	return &np
}
