// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package issuer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/vc-issuer/issuer/state"
	"github.com/hashicorp/vc-issuer/issuer/structs"
)

// StatusUpdater flips status bits for issued credentials and maintains the
// published status list credentials. SLCs are regenerated lazily: a read
// that observes the list moved past the stored artifact's data sequence
// rebuilds and re-signs it.
type StatusUpdater struct {
	store     *state.StateStore
	allocator *BlockAllocator
	signers   SignerProvider
	logger    hclog.Logger

	// client, when set, pushes regenerated SLCs out after status updates.
	client StatusClient

	// publishURL maps a tenant SLC to its external publication endpoint;
	// empty disables publication.
	publishURL func(cfg *structs.IssuerConfig, slcURL string) string
}

// StatusUpdaterConfig configures a StatusUpdater.
type StatusUpdaterConfig struct {
	Store     *state.StateStore
	Allocator *BlockAllocator
	Signers   SignerProvider
	Logger    hclog.Logger

	Client     StatusClient
	PublishURL func(cfg *structs.IssuerConfig, slcURL string) string
}

// NewStatusUpdater returns a status updater.
func NewStatusUpdater(config *StatusUpdaterConfig) *StatusUpdater {
	return &StatusUpdater{
		store:      config.Store,
		allocator:  config.Allocator,
		signers:    config.Signers,
		logger:     config.Logger.Named("status_updater"),
		client:     config.Client,
		publishURL: config.PublishURL,
	}
}

// UpdateStatusRequest asks for one credential's status bit for one purpose
// to be set or cleared.
type UpdateStatusRequest struct {
	CredentialID string

	// IndexAllocator must match the allocator id the credential's entry
	// was assigned under; a mismatch is rejected.
	IndexAllocator string

	Purpose structs.StatusPurpose
	Value   bool
}

// UpdateStatus flips the status bit behind the credential's entry for the
// requested purpose. The write goes through the list record's sequence, so
// concurrent updates to different positions of the same list serialize
// without losing bits.
func (u *StatusUpdater) UpdateStatus(ctx context.Context, cfg *structs.IssuerConfig, req *UpdateStatusRequest) error {
	defer metrics.MeasureSince([]string{"issuer", "status_updater", "update"}, time.Now())

	if req.CredentialID == "" {
		return structs.NewValidationError("credentialId is required")
	}
	if err := req.Purpose.Validate(); err != nil {
		return structs.NewValidationError(err.Error())
	}

	rec, err := u.store.GetCredential(cfg.ID, req.CredentialID)
	if err != nil {
		return err
	}
	if rec == nil {
		rec, err = u.store.GetCredentialByAlias(cfg.ID, req.CredentialID)
		if err != nil {
			return err
		}
	}
	if rec == nil {
		return structs.NewNotFoundError(fmt.Sprintf("credential %q not found", req.CredentialID))
	}

	entry := findEntry(rec.StatusEntries, req.Purpose)
	if entry == nil {
		return structs.NewValidationError(fmt.Sprintf(
			"credential %q has no status entry for purpose %q", req.CredentialID, req.Purpose))
	}
	if req.IndexAllocator != entry.IndexAllocator {
		return structs.NewValidationError(fmt.Sprintf(
			"indexAllocator %q does not match the allocator the status was assigned under", req.IndexAllocator))
	}

	err = u.allocator.updateList(ctx, entry.ListID, func(list *structs.StatusListRecord) bool {
		if list.StatusBits.Check(uint(entry.Index)) == req.Value {
			return false
		}
		if req.Value {
			list.StatusBits.Set(uint(entry.Index))
		} else {
			list.StatusBits.Unset(uint(entry.Index))
		}
		return true
	})
	if err != nil {
		return err
	}

	u.logger.Info("status updated", "tenant_id", cfg.ID,
		"credential_id", rec.CredentialID, "purpose", req.Purpose,
		"list_id", entry.ListID, "index", entry.Index, "value", req.Value)

	u.publishAfterUpdate(ctx, cfg, entry)
	return nil
}

func findEntry(entries []*structs.StatusEntry, purpose structs.StatusPurpose) *structs.StatusEntry {
	for _, e := range entries {
		if e.Purpose == purpose {
			return e
		}
	}
	return nil
}

// publishAfterUpdate pushes the refreshed SLC to the external endpoint.
// Failures are logged only; the stored artifact regenerates lazily on
// read either way.
func (u *StatusUpdater) publishAfterUpdate(ctx context.Context, cfg *structs.IssuerConfig, entry *structs.StatusEntry) {
	if u.client == nil || u.publishURL == nil {
		return
	}

	opt := optionFor(cfg, entry.Type, entry.Purpose)
	if opt == nil {
		return
	}
	credential, err := u.RefreshSLC(ctx, cfg, opt, entry.Purpose, entry.ListIndex, false)
	if err != nil {
		u.logger.Warn("slc refresh for publication failed", "tenant_id", cfg.ID,
			"list_id", entry.ListID, "error", err)
		return
	}

	url := u.publishURL(cfg, SLCURL(cfg, opt, entry.Purpose, entry.ListIndex))
	if url == "" {
		return
	}
	if err := u.client.Publish(ctx, url, credential); err != nil {
		u.logger.Warn("slc publication failed", "tenant_id", cfg.ID,
			"list_id", entry.ListID, "url", url, "error", err)
	}
}

func optionFor(cfg *structs.IssuerConfig, listType string, purpose structs.StatusPurpose) *structs.StatusListOption {
	for _, o := range cfg.StatusListOptions {
		if o.Type == listType && o.HasPurpose(purpose) {
			return o
		}
	}
	return nil
}

// RefreshSLC returns the signed status list credential for one list of the
// tenant's (purpose, type) family, regenerating it when the stored artifact
// is behind the list's data or when force is set.
func (u *StatusUpdater) RefreshSLC(ctx context.Context, cfg *structs.IssuerConfig, opt *structs.StatusListOption, purpose structs.StatusPurpose, listIndex uint32, force bool) ([]byte, error) {
	defer metrics.MeasureSince([]string{"issuer", "status_updater", "refresh_slc"}, time.Now())

	snap, err := u.store.ListSet(cfg.ID, purpose, opt.Type)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, structs.NewNotFoundError(fmt.Sprintf(
			"no %s status list for purpose %q", opt.Type, purpose))
	}

	var list *structs.StatusListRecord
	for _, l := range snap.Lists {
		if l.ListIndex == listIndex {
			list = l
			break
		}
	}
	if list == nil {
		return nil, structs.NewNotFoundError(fmt.Sprintf(
			"status list %d does not exist for purpose %q", listIndex, purpose))
	}

	stored, err := u.store.GetPublishedSLC(list.ID)
	if err != nil {
		return nil, err
	}
	if stored != nil && !force && stored.DataSequence >= list.ModifySequence {
		return stored.Credential, nil
	}

	credential, err := u.generateSLC(ctx, cfg, opt, purpose, list)
	if err != nil {
		return nil, err
	}

	err = u.store.PutPublishedSLC(&structs.PublishedSLC{
		ListID:       list.ID,
		TenantID:     cfg.ID,
		DataSequence: list.ModifySequence,
		Credential:   credential,
	})
	if err != nil {
		return nil, err
	}
	metrics.IncrCounter([]string{"issuer", "status_updater", "slc_regenerated"}, 1)
	u.logger.Debug("status list credential regenerated", "tenant_id", cfg.ID,
		"list_id", list.ID, "data_sequence", list.ModifySequence)
	return credential, nil
}

// generateSLC builds and signs the SLC document over the list's current
// status bits.
func (u *StatusUpdater) generateSLC(ctx context.Context, cfg *structs.IssuerConfig, opt *structs.StatusListOption, purpose structs.StatusPurpose, list *structs.StatusListRecord) ([]byte, error) {
	encoded, err := EncodeBitstring(opt.Type, list.StatusBits)
	if err != nil {
		return nil, err
	}

	slcURL := SLCURL(cfg, opt, purpose, list.ListIndex)
	now := time.Now().UTC().Format(time.RFC3339)

	doc := structs.StatusListCredentialDoc{
		ID:     slcURL,
		Issuer: cfg.Issuer,
		CredentialSubject: structs.StatusListCredentialSubj{
			ID:            slcURL + "#list",
			StatusPurpose: string(purpose),
			EncodedList:   encoded,
		},
	}

	switch opt.Type {
	case structs.StatusListTypeBitstring, structs.StatusListTypeTerseBitstring:
		doc.Context = []string{structs.ContextVC20}
		doc.Type = []string{"VerifiableCredential", "BitstringStatusListCredential"}
		doc.ValidFrom = now
		doc.CredentialSubject.Type = structs.StatusListTypeBitstring
	case structs.StatusListTypeStatusList2021:
		doc.Context = []string{structs.ContextVC11, structs.ContextStatusList2021}
		doc.Type = []string{"VerifiableCredential", "StatusList2021Credential"}
		doc.IssuanceDate = now
		doc.CredentialSubject.Type = structs.StatusListTypeStatusList2021
	case structs.StatusListTypeRevocationList2020:
		doc.Context = []string{structs.ContextVC11, structs.ContextRevocationList}
		doc.Type = []string{"VerifiableCredential", "RevocationList2020Credential"}
		doc.IssuanceDate = now
		doc.CredentialSubject.Type = structs.StatusListTypeRevocationList2020
		doc.CredentialSubject.StatusPurpose = ""
	default:
		return nil, fmt.Errorf("unsupported status list type %q", opt.Type)
	}

	raw, err := json.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("marshaling status list credential: %v", err)
	}
	var docMap map[string]any
	if err := json.Unmarshal(raw, &docMap); err != nil {
		return nil, fmt.Errorf("marshaling status list credential: %v", err)
	}

	signer, err := u.signers(cfg)
	if err != nil {
		return nil, err
	}

	var suites []string
	if cfg.IssueOptions != nil {
		suites = cfg.IssueOptions.Cryptosuites
	}
	return signer.Sign(ctx, &SignRequest{
		Document:           docMap,
		Suites:             suites,
		VerificationMethod: cfg.VerificationMethod,
	})
}
