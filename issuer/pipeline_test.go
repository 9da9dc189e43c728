// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package issuer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/vc-issuer/ci"
	"github.com/hashicorp/vc-issuer/helper/testlog"
	"github.com/hashicorp/vc-issuer/issuer/state"
	"github.com/hashicorp/vc-issuer/issuer/structs"
)

func testCredentialBody(id string) json.RawMessage {
	body := map[string]any{
		"@context":          []string{structs.ContextVC20},
		"type":              []string{"VerifiableCredential"},
		"issuer":            "did:example:issuer",
		"credentialSubject": map[string]any{"id": "did:example:subject"},
	}
	if id != "" {
		body["id"] = id
	}
	raw, _ := json.Marshal(body)
	return raw
}

func TestIssuePipeline_Issue(t *testing.T) {
	ci.Parallel(t)
	c := NewTestComponents(t)
	cfg := TestIssuerConfig(t)
	ctx := context.Background()

	out, err := c.Pipeline.Issue(ctx, cfg, &IssueRequest{
		Credential: testCredentialBody("urn:uuid:cred-1"),
	})
	must.NoError(t, err)
	must.Eq(t, "urn:uuid:cred-1", out.CredentialID)

	var signed map[string]any
	must.NoError(t, json.Unmarshal(out.Credential, &signed))
	must.NotNil(t, signed["proof"])

	status, ok := signed["credentialStatus"].(map[string]any)
	must.True(t, ok)
	must.Eq(t, structs.EntryTypeBitstring, status["type"])
	must.Eq(t, "revocation", status["statusPurpose"])
	slc, ok := status["statusListCredential"].(string)
	must.True(t, ok)
	must.True(t, strings.HasPrefix(slc, cfg.BaseURL+"/status-lists/revocation/"))

	// Stored byte-for-byte.
	rec, err := c.Pipeline.GetCredential(cfg, "urn:uuid:cred-1")
	must.NoError(t, err)
	must.Eq(t, []byte(out.Credential), rec.Body)
	must.Len(t, 1, rec.StatusEntries)

	entry := rec.StatusEntries[0]
	must.Eq[any](t, fmt.Sprintf("%d", entry.Index), status["statusListIndex"])

	// The reservation was finalized.
	block, err := c.Store.ReadBlock(entry.ListID, entry.Index/cfg.StatusListOptions[0].BlockSize)
	must.NoError(t, err)
	must.MapEmpty(t, block.Pending)
}

func TestIssuePipeline_Issue_NoStatusLists(t *testing.T) {
	ci.Parallel(t)
	c := NewTestComponents(t)
	cfg := TestIssuerConfig(t)
	cfg.StatusListOptions = nil
	ctx := context.Background()

	body := json.RawMessage(`{
		"@context": ["https://www.w3.org/2018/credentials/v1", "https://www.w3.org/2018/credentials/examples/v1"],
		"id": "urn:uuid:plain-1",
		"type": ["VerifiableCredential"],
		"issuer": "did:example:1",
		"issuanceDate": "2024-01-01T00:00:00Z",
		"credentialSubject": {"id": "did:example:2"}
	}`)
	out, err := c.Pipeline.Issue(ctx, cfg, &IssueRequest{Credential: body})
	must.NoError(t, err)

	var signed map[string]any
	must.NoError(t, json.Unmarshal(out.Credential, &signed))
	must.NotNil(t, signed["proof"])
	_, hasStatus := signed["credentialStatus"]
	must.False(t, hasStatus)
}

func TestIssuePipeline_Issue_UnidentifiedCredential(t *testing.T) {
	ci.Parallel(t)
	c := NewTestComponents(t)
	cfg := TestIssuerConfig(t)
	ctx := context.Background()

	out, err := c.Pipeline.Issue(ctx, cfg, &IssueRequest{
		Credential: testCredentialBody(""),
	})
	must.NoError(t, err)
	must.True(t, strings.HasPrefix(out.CredentialID, "urn:uuid:"))

	// Without AllowUnidentified the same request is rejected.
	cfg2 := TestIssuerConfig(t)
	cfg2.ID = "strict-tenant"
	cfg2.AllowUnidentified = false
	_, err = c.Pipeline.Issue(ctx, cfg2, &IssueRequest{
		Credential: testCredentialBody(""),
	})
	apiErr := structs.AsAPIError(err)
	must.Eq(t, structs.ErrTypeValidation, apiErr.Type)
}

func TestIssuePipeline_Issue_AliasID(t *testing.T) {
	ci.Parallel(t)
	c := NewTestComponents(t)
	cfg := TestIssuerConfig(t)
	ctx := context.Background()

	// A body id alongside a differing option id: the body id names the
	// credential, the option id becomes a secondary unique alias.
	out, err := c.Pipeline.Issue(ctx, cfg, &IssueRequest{
		Credential: testCredentialBody("urn:uuid:body-id"),
		Options:    &IssueRequestOptions{CredentialID: "tracking-42"},
	})
	must.NoError(t, err)
	must.Eq(t, "urn:uuid:body-id", out.CredentialID)

	rec, err := c.Pipeline.GetCredential(cfg, "tracking-42")
	must.NoError(t, err)
	must.Eq(t, "urn:uuid:body-id", rec.CredentialID)

	// Both keys now collide.
	_, err = c.Pipeline.Issue(ctx, cfg, &IssueRequest{
		Credential: testCredentialBody("urn:uuid:other"),
		Options:    &IssueRequestOptions{CredentialID: "tracking-42"},
	})
	must.Eq(t, structs.ErrTypeDuplicate, structs.AsAPIError(err).Type)
}

func TestIssuePipeline_Issue_Duplicate(t *testing.T) {
	ci.Parallel(t)
	c := NewTestComponents(t)
	cfg := TestIssuerConfig(t)
	cfg.StatusListOptions[0].BlockCount = 1
	cfg.StatusListOptions[0].ListCount = 1
	ctx := context.Background()

	_, err := c.Pipeline.Issue(ctx, cfg, &IssueRequest{
		Credential: testCredentialBody("urn:uuid:cred-1"),
	})
	must.NoError(t, err)

	_, err = c.Pipeline.Issue(ctx, cfg, &IssueRequest{
		Credential: testCredentialBody("urn:uuid:cred-1"),
	})
	must.Eq(t, structs.ErrTypeDuplicate, structs.AsAPIError(err).Type)

	// The failed attempt released its reservation: the next issuance
	// reuses the position the duplicate briefly held.
	out, err := c.Pipeline.Issue(ctx, cfg, &IssueRequest{
		Credential: testCredentialBody("urn:uuid:cred-2"),
	})
	must.NoError(t, err)

	rec, err := c.Pipeline.GetCredential(cfg, out.CredentialID)
	must.NoError(t, err)
	must.Eq(t, uint32(1), rec.StatusEntries[0].Index)
}

func TestIssuePipeline_Issue_Validation(t *testing.T) {
	ci.Parallel(t)
	c := NewTestComponents(t)
	cfg := TestIssuerConfig(t)
	ctx := context.Background()

	cases := []struct {
		name string
		body string
		typ  string
	}{
		{"empty", ``, structs.ErrTypeValidation},
		{"empty object", `{}`, structs.ErrTypeValidation},
		{"not json", `]`, structs.ErrTypeValidation},
		{"missing context", `{"type":["VerifiableCredential"]}`, structs.ErrTypeValidation},
		{
			"wrong first context",
			`{"@context":["https://w3id.org/security/data-integrity/v2","https://www.w3.org/ns/credentials/v2"],"type":["VerifiableCredential"]}`,
			structs.ErrTypeValidation,
		},
		{
			"unknown context",
			`{"@context":["https://www.w3.org/ns/credentials/v2","https://example.com/unregistered/v1"],"type":["VerifiableCredential"]}`,
			structs.ErrTypeData,
		},
		{
			"missing vc type",
			`{"@context":["https://www.w3.org/ns/credentials/v2"],"type":["SomethingElse"]}`,
			structs.ErrTypeValidation,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Pipeline.Issue(ctx, cfg, &IssueRequest{
				Credential: json.RawMessage(tc.body),
			})
			must.Error(t, err)
			must.Eq(t, tc.typ, structs.AsAPIError(err).Type)
		})
	}
}

func TestIssuePipeline_Issue_RegisteredContext(t *testing.T) {
	ci.Parallel(t)
	c := NewTestComponents(t)
	cfg := TestIssuerConfig(t)
	ctx := context.Background()

	body := json.RawMessage(`{
		"@context": ["https://www.w3.org/ns/credentials/v2", "https://example.com/degree/v1"],
		"id": "urn:uuid:degree-1",
		"type": ["VerifiableCredential"],
		"issuer": "did:example:issuer",
		"credentialSubject": {"id": "did:example:subject"}
	}`)

	// Unregistered: rejected as a data error.
	_, err := c.Pipeline.Issue(ctx, cfg, &IssueRequest{Credential: body})
	must.Eq(t, structs.ErrTypeData, structs.AsAPIError(err).Type)

	// Registering the context for the tenant makes it pass.
	must.NoError(t, c.Store.UpsertContextDocument(&structs.ContextDocument{
		TenantID: cfg.ID,
		URL:      "https://example.com/degree/v1",
		Document: []byte(`{"@context":{}}`),
	}))
	_, err = c.Pipeline.Issue(ctx, cfg, &IssueRequest{Credential: body})
	must.NoError(t, err)
}

func TestIssuePipeline_Issue_Envelope(t *testing.T) {
	ci.Parallel(t)
	c := NewTestComponents(t)
	cfg := TestIssuerConfig(t)
	cfg.IssueOptions = &structs.IssueOptions{
		Envelope: &structs.EnvelopeOptions{Format: structs.EnvelopeFormatVCJWT},
	}
	ctx := context.Background()

	out, err := c.Pipeline.Issue(ctx, cfg, &IssueRequest{
		Credential: testCredentialBody("urn:uuid:enveloped-1"),
	})
	must.NoError(t, err)

	var signed map[string]any
	must.NoError(t, json.Unmarshal(out.Credential, &signed))
	must.Eq(t, structs.EnvelopedCredentialType, signed["type"])
	id, _ := signed["id"].(string)
	must.True(t, strings.HasPrefix(id, "data:application/jwt,"))
}

func TestIssuePipeline_Issue_TerseEntry(t *testing.T) {
	ci.Parallel(t)
	c := NewTestComponents(t)
	cfg := TestIssuerConfig(t)
	cfg.StatusListOptions = []*structs.StatusListOption{{
		Type:           structs.StatusListTypeTerseBitstring,
		Purposes:       []structs.StatusPurpose{structs.StatusPurposeRevocation},
		BlockSize:      8,
		BlockCount:     1,
		ListCount:      1,
		IndexAllocator: "did:example:issuer#allocator",
	}}
	ctx := context.Background()

	out, err := c.Pipeline.Issue(ctx, cfg, &IssueRequest{
		Credential: testCredentialBody("urn:uuid:terse-1"),
	})
	must.NoError(t, err)

	var signed map[string]any
	must.NoError(t, json.Unmarshal(out.Credential, &signed))
	status := signed["credentialStatus"].(map[string]any)
	must.Eq(t, structs.EntryTypeTerseBitstring, status["type"])
	must.Eq[any](t, cfg.BaseURL+"/status-lists/revocation", status["terseStatusListBaseUrl"])
	must.Eq[any](t, float64(0), status["terseStatusListIndex"])
}

func TestIssuePipeline_Issue_MultiplePurposes(t *testing.T) {
	ci.Parallel(t)
	c := NewTestComponents(t)
	cfg := TestIssuerConfig(t)
	cfg.StatusListOptions[0].Purposes = []structs.StatusPurpose{
		structs.StatusPurposeRevocation,
		structs.StatusPurposeSuspension,
	}
	ctx := context.Background()

	out, err := c.Pipeline.Issue(ctx, cfg, &IssueRequest{
		Credential: testCredentialBody("urn:uuid:multi-1"),
	})
	must.NoError(t, err)

	var signed map[string]any
	must.NoError(t, json.Unmarshal(out.Credential, &signed))
	statuses, ok := signed["credentialStatus"].([]any)
	must.True(t, ok)
	must.Len(t, 2, statuses)
	must.Eq(t, "revocation", statuses[0].(map[string]any)["statusPurpose"])
	must.Eq(t, "suspension", statuses[1].(map[string]any)["statusPurpose"])

	rec, err := c.Pipeline.GetCredential(cfg, "urn:uuid:multi-1")
	must.NoError(t, err)
	must.Len(t, 2, rec.StatusEntries)
}

// crashingWriter persists like the real writer but never finalizes,
// simulating a crash between credential persistence and finalize.
type crashingWriter struct {
	StatusWriter
}

func (w *crashingWriter) Finish(context.Context) error { return nil }

func TestIssuePipeline_CrashBeforeFinalize_Recovered(t *testing.T) {
	ci.Parallel(t)
	logger := testlog.HCLogger(t)
	store := state.TestStateStore(t)
	allocator := NewBlockAllocator(store, logger)
	manager := NewListManager(&ListManagerConfig{
		Store:              store,
		Allocator:          allocator,
		Logger:             logger,
		Random:             ZeroRandomSource{},
		ReservationTimeout: time.Millisecond,
	})
	signers := NewCachingSignerProvider()
	prod := NewStatusWriterFactory(manager, allocator, logger)
	crashing := func(cfg *structs.IssuerConfig, opt *structs.StatusListOption, purpose structs.StatusPurpose) StatusWriter {
		return &crashingWriter{prod(cfg, opt, purpose)}
	}
	pipeline := NewIssuePipeline(&IssuePipelineConfig{
		Store:   store,
		Writers: crashing,
		Signers: signers,
		Logger:  logger,
	})

	cfg := TestIssuerConfig(t)
	cfg.StatusListOptions[0].BlockCount = 1
	cfg.StatusListOptions[0].ListCount = 1
	ctx := context.Background()

	out, err := pipeline.Issue(ctx, cfg, &IssueRequest{
		Credential: testCredentialBody("urn:uuid:crashed-1"),
	})
	must.NoError(t, err)

	// The credential is durable but its reservation is still pending.
	rec, err := pipeline.GetCredential(cfg, out.CredentialID)
	must.NoError(t, err)
	entry := rec.StatusEntries[0]
	block, err := store.ReadBlock(entry.ListID, 0)
	must.NoError(t, err)
	must.MapNotEmpty(t, block.Pending)

	time.Sleep(10 * time.Millisecond)

	// Fill the remaining seven positions; none may collide with the
	// crashed credential's position even though its reservation expired.
	opt := cfg.StatusListOptions[0]
	seen := map[uint32]bool{entry.Index: true}
	for i := 0; i < 7; i++ {
		res, err := manager.Allocate(ctx, cfg.ID, opt, structs.StatusPurposeRevocation)
		must.NoError(t, err)
		must.False(t, seen[res.Index], must.Sprintf("position %d reassigned", res.Index))
		seen[res.Index] = true
		must.NoError(t, allocator.Finalize(ctx, res))
	}

	// Recovery promoted the crashed reservation rather than freeing it.
	_, err = manager.Allocate(ctx, cfg.ID, opt, structs.StatusPurposeRevocation)
	must.ErrorIs(t, err, structs.ErrQuotaExceeded)

	block, err = store.ReadBlock(entry.ListID, 0)
	must.NoError(t, err)
	must.MapEmpty(t, block.Pending)
}

func TestIssuePipeline_Issue_Concurrent(t *testing.T) {
	ci.Parallel(t)
	c := NewTestComponents(t)
	cfg := TestIssuerConfig(t)
	cfg.StatusListOptions = []*structs.StatusListOption{{
		Type:           structs.StatusListTypeBitstring,
		Purposes:       []structs.StatusPurpose{structs.StatusPurposeRevocation},
		BlockSize:      32,
		BlockCount:     8,
		ListCount:      1,
		IndexAllocator: "did:example:issuer#allocator",
	}}
	ctx := context.Background()

	const n = 100
	var wg sync.WaitGroup
	errs := make(chan error, n)
	ids := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := c.Pipeline.Issue(ctx, cfg, &IssueRequest{
				Credential: testCredentialBody(fmt.Sprintf("urn:uuid:burst-%03d", i)),
			})
			if err != nil {
				errs <- err
				return
			}
			ids <- out.CredentialID
		}(i)
	}
	wg.Wait()
	close(errs)
	close(ids)

	for err := range errs {
		t.Fatalf("concurrent issuance failed: %v", err)
	}

	// Every credential landed on a unique position.
	seen := make(map[uint32]bool)
	count := 0
	for id := range ids {
		rec, err := c.Pipeline.GetCredential(cfg, id)
		must.NoError(t, err)
		entry := rec.StatusEntries[0]
		must.False(t, seen[entry.Index], must.Sprintf("position %d assigned twice", entry.Index))
		seen[entry.Index] = true
		count++
	}
	must.Eq(t, n, count)
}
