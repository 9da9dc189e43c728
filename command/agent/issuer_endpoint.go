// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/vc-issuer/issuer"
	"github.com/hashicorp/vc-issuer/issuer/structs"
)

// IssueCredentialRequest is the body of the issue endpoint.
type IssueCredentialRequest struct {
	Credential json.RawMessage         `json:"credential"`
	Options    *IssueCredentialOptions `json:"options,omitempty"`
}

// IssueCredentialOptions are per-request issuance overrides.
type IssueCredentialOptions struct {
	CredentialID     string `json:"credentialId,omitempty"`
	ExtraInformation string `json:"extraInformation,omitempty"`
}

// IssueCredentialResponse carries the signed credential untouched.
type IssueCredentialResponse struct {
	VerifiableCredential json.RawMessage `json:"verifiableCredential"`
}

// UpdateCredentialStatusRequest is the body of the status endpoint.
type UpdateCredentialStatusRequest struct {
	CredentialID     string                    `json:"credentialId"`
	IndexAllocator   string                    `json:"indexAllocator"`
	CredentialStatus []*CredentialStatusUpdate `json:"credentialStatus"`
}

// CredentialStatusUpdate flips one purpose's bit.
type CredentialStatusUpdate struct {
	StatusPurpose string `json:"statusPurpose"`
	Status        bool   `json:"status"`
}

// GetCredentialResponse is the stored credential plus its metadata.
type GetCredentialResponse struct {
	VerifiableCredential json.RawMessage `json:"verifiableCredential"`
	ExtraInformation     string          `json:"extraInformation,omitempty"`
	CreateTime           time.Time       `json:"createTime"`
}

// ContextDocumentRequest registers a tenant JSON-LD context. The id is the
// context URL credentials will reference.
type ContextDocumentRequest struct {
	ID      string          `json:"id"`
	Context json.RawMessage `json:"context"`
}

// ContextDocumentResponse is one registered context.
type ContextDocumentResponse struct {
	ID      string          `json:"id"`
	Context json.RawMessage `json:"context"`
}

// IssuerSpecificRequest routes /v1/issuers/{configId}/... requests.
func (s *HTTPServer) IssuerSpecificRequest(resp http.ResponseWriter, req *http.Request) (any, error) {
	path := strings.TrimPrefix(req.URL.Path, "/v1/issuers/")
	tokens := strings.SplitN(path, "/", 2)
	if len(tokens) != 2 || tokens[0] == "" {
		return nil, CodedError(404, "missing issuer config id")
	}

	cfg, err := s.agent.store.GetIssuerConfig(tokens[0])
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, structs.NewNotFoundError("issuer config " + tokens[0] + " not found")
	}

	switch {
	case tokens[1] == "credentials/issue":
		return s.issueRequest(resp, req, cfg)
	case tokens[1] == "credentials/status":
		return s.statusRequest(resp, req, cfg)
	case strings.HasPrefix(tokens[1], "credentials/"):
		return s.credentialQuery(resp, req, cfg, strings.TrimPrefix(tokens[1], "credentials/"))
	case strings.HasPrefix(tokens[1], "status-lists/"):
		return s.statusListQuery(resp, req, cfg, strings.TrimPrefix(tokens[1], "status-lists/"))
	case tokens[1] == "contexts":
		return s.contextsRequest(resp, req, cfg)
	default:
		return nil, CodedError(404, "unknown issuer endpoint")
	}
}

func (s *HTTPServer) issueRequest(resp http.ResponseWriter, req *http.Request, cfg *structs.IssuerConfig) (any, error) {
	if req.Method != http.MethodPost {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	var body IssueCredentialRequest
	if err := decodeBody(req, &body); err != nil {
		return nil, structs.NewValidationError("invalid request body", err.Error())
	}

	ireq := &issuer.IssueRequest{Credential: body.Credential}
	if body.Options != nil {
		ireq.Options = &issuer.IssueRequestOptions{
			CredentialID:     body.Options.CredentialID,
			ExtraInformation: body.Options.ExtraInformation,
		}
	}
	out, err := s.agent.pipeline.Issue(req.Context(), cfg, ireq)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(&IssueCredentialResponse{VerifiableCredential: out.Credential})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

func (s *HTTPServer) statusRequest(resp http.ResponseWriter, req *http.Request, cfg *structs.IssuerConfig) (any, error) {
	if req.Method != http.MethodPost {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	var body UpdateCredentialStatusRequest
	if err := decodeBody(req, &body); err != nil {
		return nil, structs.NewValidationError("invalid request body", err.Error())
	}
	if len(body.CredentialStatus) == 0 {
		return nil, structs.NewValidationError("credentialStatus is required")
	}

	for _, update := range body.CredentialStatus {
		err := s.agent.updater.UpdateStatus(req.Context(), cfg, &issuer.UpdateStatusRequest{
			CredentialID:   body.CredentialID,
			IndexAllocator: body.IndexAllocator,
			Purpose:        structs.StatusPurpose(update.StatusPurpose),
			Value:          update.Status,
		})
		if err != nil {
			return nil, err
		}
	}
	return map[string]int{"updated": len(body.CredentialStatus)}, nil
}

func (s *HTTPServer) credentialQuery(resp http.ResponseWriter, req *http.Request, cfg *structs.IssuerConfig, rawID string) (any, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	credentialID, err := url.PathUnescape(rawID)
	if err != nil {
		return nil, CodedError(400, "invalid credential id")
	}

	rec, err := s.agent.pipeline.GetCredential(cfg, credentialID)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(&GetCredentialResponse{
		VerifiableCredential: rec.Body,
		ExtraInformation:     rec.ExtraInformation,
		CreateTime:           rec.CreateTime,
	})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

func (s *HTTPServer) statusListQuery(resp http.ResponseWriter, req *http.Request, cfg *structs.IssuerConfig, path string) (any, error) {
	if req.Method != http.MethodGet && req.Method != http.MethodPost {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	tokens := strings.Split(path, "/")
	if len(tokens) != 2 {
		return nil, CodedError(404, "expected status-lists/{purpose}/{listIndex}")
	}
	purpose := structs.StatusPurpose(tokens[0])
	if err := purpose.Validate(); err != nil {
		return nil, structs.NewValidationError(err.Error())
	}
	listIndex, err := strconv.ParseUint(tokens[1], 10, 32)
	if err != nil {
		return nil, CodedError(400, "invalid list index")
	}

	refresh, err := parseBool(req, "refresh")
	if err != nil {
		return nil, err
	}

	listType := req.URL.Query().Get("type")
	var opt *structs.StatusListOption
	for _, o := range cfg.StatusListOptions {
		if !o.HasPurpose(purpose) {
			continue
		}
		if listType != "" && o.Type != listType {
			continue
		}
		opt = o
		break
	}
	if opt == nil {
		return nil, structs.NewNotFoundError("no status list configured for purpose " + string(purpose))
	}

	credential, err := s.agent.updater.RefreshSLC(req.Context(), cfg, opt, purpose, uint32(listIndex), refresh)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(credential), nil
}

func (s *HTTPServer) contextsRequest(resp http.ResponseWriter, req *http.Request, cfg *structs.IssuerConfig) (any, error) {
	switch req.Method {
	case http.MethodGet:
		docs, err := s.agent.store.ContextDocuments(cfg.ID)
		if err != nil {
			return nil, err
		}
		out := make([]*ContextDocumentResponse, 0, len(docs))
		for _, d := range docs {
			out = append(out, &ContextDocumentResponse{
				ID:      d.URL,
				Context: d.Document,
			})
		}
		raw, err := json.Marshal(out)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(raw), nil

	case http.MethodPost:
		var body ContextDocumentRequest
		if err := decodeBody(req, &body); err != nil {
			return nil, structs.NewValidationError("invalid request body", err.Error())
		}
		if body.ID == "" || len(body.Context) == 0 {
			return nil, structs.NewValidationError("id and context are required")
		}
		err := s.agent.store.UpsertContextDocument(&structs.ContextDocument{
			TenantID: cfg.ID,
			URL:      body.ID,
			Document: body.Context,
		})
		if err != nil {
			return nil, err
		}
		return json.RawMessage(`{}`), nil

	default:
		return nil, CodedError(405, ErrInvalidMethod)
	}
}
