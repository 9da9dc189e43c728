// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"

	"github.com/hashicorp/vc-issuer/version"
)

// healthResponse is the body of the health endpoint.
type healthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Stats   map[string]string `json:"stats"`
}

// HealthRequest reports liveness and basic agent statistics.
func (s *HTTPServer) HealthRequest(resp http.ResponseWriter, req *http.Request) (any, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	return &healthResponse{
		Status:  "ok",
		Version: version.GetVersion().VersionNumber(),
		Stats:   s.agent.Stats(),
	}, nil
}

// MetricsRequest returns the in-memory telemetry snapshot; with
// ?format=prometheus go-metrics renders the exposition format.
func (s *HTTPServer) MetricsRequest(resp http.ResponseWriter, req *http.Request) (any, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	if s.agent.inmemSink == nil {
		return nil, CodedError(404, "telemetry not enabled")
	}
	return s.agent.inmemSink.DisplayMetrics(resp, req)
}
