// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package state provides the persistence layer of the issuer: tenant
// configuration, status list registry, credential store and published
// status list credentials.
//
// Every record carries a monotonically increasing sequence assigned at
// write time. Contended records (lists, blocks) are written with an
// expected sequence; a mismatch fails with
// structs.ErrConcurrentModification and the caller re-reads and retries.
// There are no advisory locks.
package state

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	memdb "github.com/hashicorp/go-memdb"

	"github.com/hashicorp/vc-issuer/issuer/structs"
)

// IndexEntry is used with the TableIndex table for tracking the most recent
// write sequence per table.
type IndexEntry struct {
	Key   string
	Value uint64
}

// StateStoreConfig is used to configure a new state store
type StateStoreConfig struct {
	// Logger is used to output the state store's logs
	Logger hclog.Logger
}

// StateStore provides the persistence substrate required by the issuer
// core: per-record optimistic CAS by sequence, unique credential indices
// and point-in-time consistent reads.
type StateStore struct {
	logger hclog.Logger
	db     *memdb.MemDB

	// sequence is the source of record sequences; write transactions are
	// serialized by memdb so commit order matches sequence order.
	sequence atomic.Uint64
}

// NewStateStore is used to create a new state store
func NewStateStore(config *StateStoreConfig) (*StateStore, error) {
	db, err := memdb.NewMemDB(stateStoreSchema())
	if err != nil {
		return nil, fmt.Errorf("state store setup failed: %v", err)
	}

	s := &StateStore{
		logger: config.Logger.Named("state_store"),
		db:     db,
	}
	return s, nil
}

// nextSequence reserves the next write sequence.
func (s *StateStore) nextSequence() uint64 {
	return s.sequence.Add(1)
}

// LatestSequence returns the most recently assigned sequence.
func (s *StateStore) LatestSequence() uint64 {
	return s.sequence.Load()
}

// Index returns the latest sequence that modified the given table.
func (s *StateStore) Index(table string) (uint64, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	out, err := txn.First(TableIndex, indexID, table)
	if err != nil {
		return 0, err
	}
	if out == nil {
		return 0, nil
	}
	return out.(*IndexEntry).Value, nil
}

// updateIndexTxn records the write sequence for a table inside an open
// write transaction.
func updateIndexTxn(txn *memdb.Txn, table string, seq uint64) error {
	if err := txn.Insert(TableIndex, &IndexEntry{table, seq}); err != nil {
		return fmt.Errorf("index update failed: %v", err)
	}
	return nil
}

// UpsertIssuerConfig inserts or updates a tenant configuration. The
// expected sequence guards updates: passing zero means create-only, a
// non-zero value must match the stored ModifySequence or the write fails
// with structs.ErrInvalidState.
func (s *StateStore) UpsertIssuerConfig(expectSequence uint64, cfg *structs.IssuerConfig) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	existingRaw, err := txn.First(TableIssuerConfigs, indexID, cfg.ID)
	if err != nil {
		return fmt.Errorf("issuer config lookup failed: %v", err)
	}

	var existing *structs.IssuerConfig
	if existingRaw != nil {
		existing = existingRaw.(*structs.IssuerConfig)
	}

	switch {
	case expectSequence == 0 && existing != nil:
		return fmt.Errorf("issuer config %q already exists: %w", cfg.ID, structs.ErrInvalidState)
	case expectSequence != 0 && existing == nil:
		return fmt.Errorf("issuer config %q does not exist: %w", cfg.ID, structs.ErrInvalidState)
	case existing != nil && expectSequence != existing.ModifySequence:
		return fmt.Errorf("issuer config %q sequence mismatch: %w", cfg.ID, structs.ErrInvalidState)
	}

	seq := s.nextSequence()
	cfg = cfg.Copy()
	if existing != nil {
		cfg.CreateTime = existing.CreateTime
		cfg.CreateSequence = existing.CreateSequence
	} else {
		cfg.CreateTime = time.Now().UTC()
		cfg.CreateSequence = seq
	}
	cfg.ModifySequence = seq

	if err := txn.Insert(TableIssuerConfigs, cfg); err != nil {
		return fmt.Errorf("issuer config insert failed: %v", err)
	}
	if err := updateIndexTxn(txn, TableIssuerConfigs, seq); err != nil {
		return err
	}

	txn.Commit()
	return nil
}

// GetIssuerConfig returns a snapshot of the tenant configuration or nil.
func (s *StateStore) GetIssuerConfig(id string) (*structs.IssuerConfig, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	out, err := txn.First(TableIssuerConfigs, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("issuer config lookup failed: %v", err)
	}
	if out == nil {
		return nil, nil
	}
	return out.(*structs.IssuerConfig).Copy(), nil
}

// UpsertContextDocument stores a tenant JSON-LD context document.
func (s *StateStore) UpsertContextDocument(doc *structs.ContextDocument) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	existingRaw, err := txn.First(TableContextDocs, indexID, doc.TenantID, doc.URL)
	if err != nil {
		return fmt.Errorf("context document lookup failed: %v", err)
	}

	seq := s.nextSequence()
	doc = doc.Copy()
	if existingRaw != nil {
		existing := existingRaw.(*structs.ContextDocument)
		doc.CreateTime = existing.CreateTime
		doc.CreateSequence = existing.CreateSequence
	} else {
		doc.CreateTime = time.Now().UTC()
		doc.CreateSequence = seq
	}
	doc.ModifySequence = seq

	if err := txn.Insert(TableContextDocs, doc); err != nil {
		return fmt.Errorf("context document insert failed: %v", err)
	}
	if err := updateIndexTxn(txn, TableContextDocs, seq); err != nil {
		return err
	}

	txn.Commit()
	return nil
}

// ContextDocuments returns all context documents registered by a tenant.
func (s *StateStore) ContextDocuments(tenantID string) ([]*structs.ContextDocument, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableContextDocs, indexID+"_prefix", tenantID, "")
	if err != nil {
		return nil, fmt.Errorf("context document lookup failed: %v", err)
	}

	var docs []*structs.ContextDocument
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		docs = append(docs, raw.(*structs.ContextDocument).Copy())
	}
	return docs, nil
}

// GetContextDocument returns a tenant context document by URL or nil.
func (s *StateStore) GetContextDocument(tenantID, url string) (*structs.ContextDocument, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	out, err := txn.First(TableContextDocs, indexID, tenantID, url)
	if err != nil {
		return nil, fmt.Errorf("context document lookup failed: %v", err)
	}
	if out == nil {
		return nil, nil
	}
	return out.(*structs.ContextDocument).Copy(), nil
}
