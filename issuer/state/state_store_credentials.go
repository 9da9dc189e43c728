// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"
	"time"

	"github.com/hashicorp/vc-issuer/issuer/structs"
)

// InsertCredential stores an issued credential. Uniqueness of
// (tenant, credentialId) and (tenant, aliasId) is enforced atomically in a
// single write transaction; a collision on either fails the whole insert
// with structs.ErrDuplicate. The status position records for the
// credential's entries are written in the same transaction so recovery can
// always answer "does a credential own this (list, index)?".
func (s *StateStore) InsertCredential(rec *structs.CredentialRecord) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(TableCredentials, indexID, rec.TenantID, rec.CredentialID)
	if err != nil {
		return fmt.Errorf("credential lookup failed: %v", err)
	}
	if existing != nil {
		return fmt.Errorf("credential %q: %w", rec.CredentialID, structs.ErrDuplicate)
	}

	if rec.AliasID != "" {
		existing, err := txn.First(TableCredentials, indexAlias, rec.TenantID, rec.AliasID)
		if err != nil {
			return fmt.Errorf("credential alias lookup failed: %v", err)
		}
		if existing != nil {
			return fmt.Errorf("credential alias %q: %w", rec.AliasID, structs.ErrDuplicate)
		}
	}

	seq := s.nextSequence()
	rec = rec.Copy()
	rec.CreateTime = time.Now().UTC()
	rec.CreateSequence = seq

	if err := txn.Insert(TableCredentials, rec); err != nil {
		return fmt.Errorf("credential insert failed: %v", err)
	}

	for _, entry := range rec.StatusEntries {
		pos := &structs.StatusPosition{
			ID:             structs.StatusPositionID(entry.ListID, entry.Index),
			TenantID:       rec.TenantID,
			ListID:         entry.ListID,
			Index:          entry.Index,
			CredentialID:   rec.CredentialID,
			CreateSequence: seq,
		}
		if err := txn.Insert(TableStatusPositions, pos); err != nil {
			return fmt.Errorf("status position insert failed: %v", err)
		}
	}

	if err := updateIndexTxn(txn, TableCredentials, seq); err != nil {
		return err
	}

	txn.Commit()
	return nil
}

// GetCredential returns the stored credential by id, or nil.
func (s *StateStore) GetCredential(tenantID, credentialID string) (*structs.CredentialRecord, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	out, err := txn.First(TableCredentials, indexID, tenantID, credentialID)
	if err != nil {
		return nil, fmt.Errorf("credential lookup failed: %v", err)
	}
	if out == nil {
		return nil, nil
	}
	return out.(*structs.CredentialRecord).Copy(), nil
}

// GetCredentialByAlias returns the stored credential by alias id, or nil.
func (s *StateStore) GetCredentialByAlias(tenantID, aliasID string) (*structs.CredentialRecord, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	out, err := txn.First(TableCredentials, indexAlias, tenantID, aliasID)
	if err != nil {
		return nil, fmt.Errorf("credential alias lookup failed: %v", err)
	}
	if out == nil {
		return nil, nil
	}
	return out.(*structs.CredentialRecord).Copy(), nil
}

// CredentialExists reports whether either key is already taken for the
// tenant. This backs the pipeline's advisory pre-check; the insert remains
// the authoritative duplicate gate.
func (s *StateStore) CredentialExists(tenantID, credentialID, aliasID string) (bool, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	if credentialID != "" {
		out, err := txn.First(TableCredentials, indexID, tenantID, credentialID)
		if err != nil {
			return false, fmt.Errorf("credential lookup failed: %v", err)
		}
		if out != nil {
			return true, nil
		}
	}
	if aliasID != "" {
		out, err := txn.First(TableCredentials, indexAlias, tenantID, aliasID)
		if err != nil {
			return false, fmt.Errorf("credential alias lookup failed: %v", err)
		}
		if out != nil {
			return true, nil
		}
	}
	return false, nil
}

// LookupStatusPosition returns the credential reference occupying the
// given (list, index) position, or nil when no credential owns it. Reads
// are point-in-time consistent with credential inserts, which makes this
// the authoritative check during reservation recovery.
func (s *StateStore) LookupStatusPosition(listID string, index uint32) (*structs.StatusPosition, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	out, err := txn.First(TableStatusPositions, indexID, structs.StatusPositionID(listID, index))
	if err != nil {
		return nil, fmt.Errorf("status position lookup failed: %v", err)
	}
	if out == nil {
		return nil, nil
	}
	pos := out.(*structs.StatusPosition)
	np := *pos
	return &np, nil
}
