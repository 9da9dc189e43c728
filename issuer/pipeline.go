// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package issuer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-set/v3"

	"github.com/hashicorp/vc-issuer/helper/uuid"
	"github.com/hashicorp/vc-issuer/issuer/state"
	"github.com/hashicorp/vc-issuer/issuer/structs"
)

// builtinContexts are the JSON-LD context URLs accepted without tenant
// registration.
var builtinContexts = set.From([]string{
	structs.ContextVC11,
	structs.ContextVC20,
	structs.ContextVCExamples,
	structs.ContextStatusList2021,
	structs.ContextRevocationList,
	structs.ContextDataIntegrityV2,
	structs.ContextEd25519Sig2020,
	structs.ContextMultikey,
})

// IssuePipeline drives a single credential issuance: validate, allocate
// status positions, sign, persist, finalize. Allocation happens before
// signing so a signer failure abandons cleanly; finalize happens after the
// credential is durable so a crash in between is recoverable from the
// credential store.
type IssuePipeline struct {
	store   *state.StateStore
	writers StatusWriterFactory
	signers SignerProvider
	logger  hclog.Logger
}

// IssuePipelineConfig configures an IssuePipeline.
type IssuePipelineConfig struct {
	Store   *state.StateStore
	Writers StatusWriterFactory
	Signers SignerProvider
	Logger  hclog.Logger
}

// NewIssuePipeline returns an issue pipeline.
func NewIssuePipeline(config *IssuePipelineConfig) *IssuePipeline {
	return &IssuePipeline{
		store:   config.Store,
		writers: config.Writers,
		signers: config.Signers,
		logger:  config.Logger.Named("pipeline"),
	}
}

// IssueRequest is one issuance. Credential is the unsigned credential body
// exactly as the caller submitted it.
type IssueRequest struct {
	Credential json.RawMessage
	Options    *IssueRequestOptions
}

// IssueRequestOptions are the per-request overrides.
type IssueRequestOptions struct {
	// CredentialID names the credential when the body has no id. When the
	// body carries its own id too, the body id wins and this value is
	// kept as a secondary unique alias.
	CredentialID string

	// ExtraInformation is an opaque string stored with the credential.
	ExtraInformation string
}

// IssueResponse carries the signed credential, byte-for-byte as produced
// by the signer.
type IssueResponse struct {
	CredentialID string
	Credential   json.RawMessage
}

// Issue runs the pipeline for one credential.
func (p *IssuePipeline) Issue(ctx context.Context, cfg *structs.IssuerConfig, req *IssueRequest) (*IssueResponse, error) {
	defer metrics.MeasureSince([]string{"issuer", "pipeline", "issue"}, time.Now())

	body, err := p.validate(cfg, req)
	if err != nil {
		metrics.IncrCounter([]string{"issuer", "pipeline", "rejected"}, 1)
		return nil, err
	}

	credentialID, aliasID, err := p.resolveID(cfg, body, req.Options)
	if err != nil {
		return nil, err
	}

	// Advisory pre-check so obvious duplicates fail before any position
	// is reserved. The insert below remains the authoritative gate.
	exists, err := p.store.CredentialExists(cfg.ID, credentialID, aliasID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, structs.NewDuplicateError(fmt.Sprintf("credential %q already exists", credentialID))
	}

	writers, entries, err := p.writeStatus(ctx, cfg, body)
	if err != nil {
		return nil, err
	}

	signed, err := p.sign(ctx, cfg, body)
	if err != nil {
		p.cancelAll(ctx, writers)
		return nil, err
	}

	rec := &structs.CredentialRecord{
		TenantID:      cfg.ID,
		CredentialID:  credentialID,
		AliasID:       aliasID,
		Body:          signed,
		StatusEntries: entries,
	}
	if req.Options != nil {
		rec.ExtraInformation = req.Options.ExtraInformation
	}

	if err := p.store.InsertCredential(rec); err != nil {
		p.cancelAll(ctx, writers)
		if errors.Is(err, structs.ErrDuplicate) {
			return nil, structs.NewDuplicateError(err.Error())
		}
		return nil, err
	}

	// The credential is durable. Finalize failures are logged, not
	// returned: recovery promotes any reservation whose position a stored
	// credential owns.
	p.finishAll(ctx, writers)

	metrics.IncrCounter([]string{"issuer", "pipeline", "issued"}, 1)
	p.logger.Debug("credential issued", "tenant_id", cfg.ID,
		"credential_id", credentialID, "status_entries", len(entries))

	return &IssueResponse{
		CredentialID: credentialID,
		Credential:   signed,
	}, nil
}

// validate decodes and checks the submitted body: a non-empty JSON object
// whose @context leads with a VC base context, whose other contexts are
// known, and whose type includes VerifiableCredential.
func (p *IssuePipeline) validate(cfg *structs.IssuerConfig, req *IssueRequest) (map[string]any, error) {
	if len(req.Credential) == 0 {
		return nil, structs.NewValidationError("credential is required")
	}

	var body map[string]any
	if err := json.Unmarshal(req.Credential, &body); err != nil {
		return nil, structs.NewValidationError("credential is not a JSON object", err.Error())
	}
	if len(body) == 0 {
		return nil, structs.NewValidationError("credential is required")
	}

	contexts, err := stringSlice(body["@context"])
	if err != nil || len(contexts) == 0 {
		return nil, structs.NewValidationError("credential @context must be a non-empty array")
	}
	if first, ok := contexts[0].(string); !ok ||
		(first != structs.ContextVC11 && first != structs.ContextVC20) {
		return nil, structs.NewValidationError(
			"credential @context must start with a verifiable credential base context")
	}
	for _, c := range contexts[1:] {
		url, ok := c.(string)
		if !ok {
			// Inline context objects pass through unchecked.
			continue
		}
		if builtinContexts.Contains(url) {
			continue
		}
		doc, err := p.store.GetContextDocument(cfg.ID, url)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			return nil, structs.NewDataError(fmt.Sprintf("unknown @context URL %q", url))
		}
	}

	types, err := stringSlice(body["type"])
	if err != nil {
		return nil, structs.NewValidationError("credential type must be a string or array of strings")
	}
	hasVC := false
	for _, t := range types {
		if s, ok := t.(string); ok && s == "VerifiableCredential" {
			hasVC = true
			break
		}
	}
	if !hasVC {
		return nil, structs.NewValidationError("credential type must include VerifiableCredential")
	}

	return body, nil
}

// stringSlice normalizes a JSON value that may be a scalar or an array
// into a slice of elements.
func stringSlice(v any) ([]any, error) {
	switch tv := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []any{tv}, nil
	case []any:
		return tv, nil
	default:
		return nil, fmt.Errorf("unexpected type %T", v)
	}
}

// resolveID picks the credential id and optional alias. A body id always
// wins; an option id alongside it becomes the alias. Without either, a
// urn:uuid is minted when the tenant allows unidentified credentials.
func (p *IssuePipeline) resolveID(cfg *structs.IssuerConfig, body map[string]any, opts *IssueRequestOptions) (credentialID, aliasID string, err error) {
	bodyID, _ := body["id"].(string)
	var optionID string
	if opts != nil {
		optionID = opts.CredentialID
	}

	switch {
	case bodyID != "" && optionID != "" && bodyID != optionID:
		return bodyID, optionID, nil
	case bodyID != "":
		return bodyID, "", nil
	case optionID != "":
		return optionID, "", nil
	case cfg.AllowUnidentified:
		return uuid.URN(), "", nil
	default:
		return "", "", structs.NewValidationError(
			"credential has no id and the issuer does not allow unidentified credentials")
	}
}

// writeStatus runs a status writer per (option, purpose) in declared order
// and injects the resulting credentialStatus objects into the body. On any
// failure every writer created so far is canceled.
func (p *IssuePipeline) writeStatus(ctx context.Context, cfg *structs.IssuerConfig, body map[string]any) ([]StatusWriter, []*structs.StatusEntry, error) {
	var writers []StatusWriter
	var entries []*structs.StatusEntry
	var statuses []any

	for _, opt := range cfg.StatusListOptions {
		for _, purpose := range opt.Purposes {
			w := p.writers(cfg, opt, purpose)
			writers = append(writers, w)

			entry, status, err := w.Write(ctx)
			if err != nil {
				p.cancelAll(ctx, writers)
				return nil, nil, err
			}
			entries = append(entries, entry)
			statuses = append(statuses, status)
		}
	}

	switch len(statuses) {
	case 0:
	case 1:
		body["credentialStatus"] = statuses[0]
	default:
		body["credentialStatus"] = statuses
	}
	return writers, entries, nil
}

// sign produces the signed representation per the tenant's issue options.
func (p *IssuePipeline) sign(ctx context.Context, cfg *structs.IssuerConfig, body map[string]any) ([]byte, error) {
	signer, err := p.signers(cfg)
	if err != nil {
		return nil, err
	}

	sreq := &SignRequest{
		Document:           body,
		VerificationMethod: cfg.VerificationMethod,
	}
	if cfg.IssueOptions != nil {
		sreq.Suites = cfg.IssueOptions.Cryptosuites
		sreq.Envelope = cfg.IssueOptions.Envelope
		sreq.MandatoryPointers = cfg.IssueOptions.MandatoryPointers
	}
	return signer.Sign(ctx, sreq)
}

// finishAll finalizes every writer concurrently. Errors are collected and
// logged only; the reservations stay pending and recovery promotes them.
func (p *IssuePipeline) finishAll(ctx context.Context, writers []StatusWriter) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var mErr *multierror.Error

	for _, w := range writers {
		wg.Add(1)
		go func(w StatusWriter) {
			defer wg.Done()
			if err := w.Finish(ctx); err != nil {
				mu.Lock()
				mErr = multierror.Append(mErr, err)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if err := mErr.ErrorOrNil(); err != nil {
		metrics.IncrCounter([]string{"issuer", "pipeline", "finalize_error"}, 1)
		p.logger.Warn("finalize after persist failed; recovery will promote", "error", err)
	}
}

// cancelAll abandons every writer's reservation. Only safe before the
// credential insert committed.
func (p *IssuePipeline) cancelAll(ctx context.Context, writers []StatusWriter) {
	for _, w := range writers {
		if err := w.Cancel(ctx); err != nil {
			p.logger.Warn("canceling reservation failed", "error", err)
		}
	}
}

// GetCredential returns the stored credential by id or alias.
func (p *IssuePipeline) GetCredential(cfg *structs.IssuerConfig, credentialID string) (*structs.CredentialRecord, error) {
	rec, err := p.store.GetCredential(cfg.ID, credentialID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec, err = p.store.GetCredentialByAlias(cfg.ID, credentialID)
		if err != nil {
			return nil, err
		}
	}
	if rec == nil {
		return nil, structs.NewNotFoundError(fmt.Sprintf("credential %q not found", credentialID))
	}
	return rec, nil
}
