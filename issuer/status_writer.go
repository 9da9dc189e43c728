// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package issuer

import (
	"context"
	"fmt"
	"strconv"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/vc-issuer/issuer/structs"
)

// StatusWriter is the two-phase protocol binding one status purpose of one
// issuance to an allocated (list, index) position. Write reserves the
// position and produces the credentialStatus object; Finish and Cancel
// settle the reservation after the outer pipeline succeeds or definitively
// fails. It is an interface so tests can interpose a writer that skips
// Finish, simulating a crash between persistence and finalize.
type StatusWriter interface {
	// Write reserves a position and returns the status entry reference
	// plus the credentialStatus object to embed in the credential body.
	Write(ctx context.Context) (*structs.StatusEntry, any, error)

	// Finish finalizes the reservation. Idempotent.
	Finish(ctx context.Context) error

	// Cancel abandons the reservation. Only called before any observable
	// side-effect of the issuance exists. Idempotent.
	Cancel(ctx context.Context) error
}

// StatusWriterFactory builds the writer for one (option, purpose) pair of
// a tenant. The pipeline holds a factory rather than concrete writers so
// the crash seam stays injectable.
type StatusWriterFactory func(cfg *structs.IssuerConfig, opt *structs.StatusListOption, purpose structs.StatusPurpose) StatusWriter

// CredentialStatusWriter is the production StatusWriter.
type CredentialStatusWriter struct {
	manager   *ListManager
	allocator *BlockAllocator
	logger    hclog.Logger

	cfg     *structs.IssuerConfig
	opt     *structs.StatusListOption
	purpose structs.StatusPurpose

	reservation *structs.Reservation
}

// NewStatusWriterFactory returns the production writer factory.
func NewStatusWriterFactory(manager *ListManager, allocator *BlockAllocator, logger hclog.Logger) StatusWriterFactory {
	logger = logger.Named("status_writer")
	return func(cfg *structs.IssuerConfig, opt *structs.StatusListOption, purpose structs.StatusPurpose) StatusWriter {
		return &CredentialStatusWriter{
			manager:   manager,
			allocator: allocator,
			logger:    logger,
			cfg:       cfg,
			opt:       opt,
			purpose:   purpose,
		}
	}
}

// Write allocates the position and builds the credentialStatus object for
// the configured list type.
func (w *CredentialStatusWriter) Write(ctx context.Context) (*structs.StatusEntry, any, error) {
	res, err := w.manager.Allocate(ctx, w.cfg.ID, w.opt, w.purpose)
	if err != nil {
		return nil, nil, err
	}
	w.reservation = res

	entry := &structs.StatusEntry{
		Purpose:        w.purpose,
		Type:           w.opt.Type,
		ListID:         res.ListID,
		ListIndex:      res.ListIndex,
		Index:          res.Index,
		IndexAllocator: res.IndexAllocator,
	}

	status, err := w.statusObject(entry)
	if err != nil {
		return nil, nil, err
	}
	return entry, status, nil
}

// statusObject renders the entry into the JSON shape of the list type.
func (w *CredentialStatusWriter) statusObject(entry *structs.StatusEntry) (any, error) {
	slcURL := SLCURL(w.cfg, w.opt, entry.Purpose, entry.ListIndex)

	switch w.opt.Type {
	case structs.StatusListTypeBitstring:
		return &structs.BitstringStatusListEntry{
			ID:                   fmt.Sprintf("%s#%d", slcURL, entry.Index),
			Type:                 structs.EntryTypeBitstring,
			StatusPurpose:        string(entry.Purpose),
			StatusListIndex:      strconv.FormatUint(uint64(entry.Index), 10),
			StatusListCredential: slcURL,
		}, nil
	case structs.StatusListTypeTerseBitstring:
		return &structs.TerseBitstringStatusListEntry{
			Type:                   structs.EntryTypeTerseBitstring,
			TerseStatusListBaseURL: TerseBaseURL(w.cfg, w.opt, entry.Purpose),
			TerseStatusListIndex:   entry.TerseIndex(w.opt.ListLength()),
		}, nil
	case structs.StatusListTypeStatusList2021:
		return &structs.BitstringStatusListEntry{
			ID:                   fmt.Sprintf("%s#%d", slcURL, entry.Index),
			Type:                 structs.EntryTypeStatusList2021,
			StatusPurpose:        string(entry.Purpose),
			StatusListIndex:      strconv.FormatUint(uint64(entry.Index), 10),
			StatusListCredential: slcURL,
		}, nil
	case structs.StatusListTypeRevocationList2020:
		return &structs.RevocationList2020Status{
			ID:                       fmt.Sprintf("%s#%d", slcURL, entry.Index),
			Type:                     structs.EntryTypeRevocationList2020,
			RevocationListIndex:      strconv.FormatUint(uint64(entry.Index), 10),
			RevocationListCredential: slcURL,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported status list type %q", w.opt.Type)
	}
}

// Finish finalizes the reservation after the credential became durable.
func (w *CredentialStatusWriter) Finish(ctx context.Context) error {
	if w.reservation == nil {
		return nil
	}
	return w.allocator.Finalize(ctx, w.reservation)
}

// Cancel abandons the reservation after a definite failure that preceded
// any observable side-effect of the issuance.
func (w *CredentialStatusWriter) Cancel(ctx context.Context) error {
	if w.reservation == nil {
		return nil
	}
	return w.allocator.Abandon(ctx, w.reservation)
}

// SLCURL is the published URL of the status list credential for a
// (purpose, listIndex) pair of the option.
func SLCURL(cfg *structs.IssuerConfig, opt *structs.StatusListOption, purpose structs.StatusPurpose, listIndex uint32) string {
	return fmt.Sprintf("%s/%d", TerseBaseURL(cfg, opt, purpose), listIndex)
}

// TerseBaseURL is the prefix SLC URLs for the option are published under,
// and the base URL carried by terse entries.
func TerseBaseURL(cfg *structs.IssuerConfig, opt *structs.StatusListOption, purpose structs.StatusPurpose) string {
	base := opt.BaseURL
	if base == "" {
		base = cfg.BaseURL
	}
	return fmt.Sprintf("%s/status-lists/%s", base, purpose)
}
