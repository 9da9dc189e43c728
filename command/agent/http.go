// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/rs/cors"

	"github.com/hashicorp/vc-issuer/issuer/structs"
)

const (
	// ErrInvalidMethod is used if the HTTP method is not supported
	ErrInvalidMethod = "Invalid method"
)

// allowCORS sets permissive CORS headers for the read-only surfaces:
// published status lists and contexts are fetched by arbitrary verifiers.
var allowCORS = cors.New(cors.Options{
	AllowedOrigins: []string{"*"},
	AllowedMethods: []string{"HEAD", "GET"},
	AllowedHeaders: []string{"*"},
})

// HTTPServer is used to wrap an Agent and expose it over an HTTP interface
type HTTPServer struct {
	agent    *Agent
	mux      *http.ServeMux
	listener net.Listener
	handler  http.Handler
	logger   hclog.Logger
	Addr     string
}

// NewHTTPServer starts a new HTTP server over the agent
func NewHTTPServer(agent *Agent, config *Config) (*HTTPServer, error) {
	ln, err := net.Listen("tcp", config.normalizedAddr())
	if err != nil {
		return nil, fmt.Errorf("failed to start HTTP listener: %v", err)
	}

	srv := &HTTPServer{
		agent:    agent,
		mux:      http.NewServeMux(),
		listener: ln,
		logger:   agent.logger.Named("http"),
		Addr:     ln.Addr().String(),
	}
	srv.registerHandlers(config.EnableDebug)

	srv.handler = handlers.CombinedLoggingHandler(
		agent.logger.Named("http.access").StandardWriter(&hclog.StandardLoggerOptions{}),
		srv.mux)

	go func() {
		err := http.Serve(ln, srv.handler)
		if err != nil && !strings.Contains(err.Error(), "use of closed network connection") {
			srv.logger.Error("http serve failed", "error", err)
		}
	}()

	return srv, nil
}

// Shutdown closes the listener.
func (s *HTTPServer) Shutdown() {
	if s != nil {
		s.logger.Debug("shutting down http server")
		_ = s.listener.Close()
	}
}

// registerHandlers is used to attach our handlers to the mux
func (s *HTTPServer) registerHandlers(enableDebug bool) {
	s.mux.Handle("/v1/issuers/", wrapCORS(s.wrap(s.IssuerSpecificRequest)))

	s.mux.HandleFunc("/v1/agent/health", s.wrap(s.HealthRequest))
	s.mux.HandleFunc("/v1/metrics", s.wrap(s.MetricsRequest))

	if enableDebug {
		s.mux.HandleFunc("/debug/pprof/", pprof.Index)
		s.mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		s.mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		s.mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		s.mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
}

// HTTPCodedError is used to provide the HTTP error code
type HTTPCodedError interface {
	error
	Code() int
}

func CodedError(c int, s string) HTTPCodedError {
	return &codedError{s, c}
}

type codedError struct {
	s    string
	code int
}

func (e *codedError) Error() string {
	return e.s
}

func (e *codedError) Code() int {
	return e.code
}

// errorResponse is the JSON body of every error response. The taxonomy
// name travels in data.type.
type errorResponse struct {
	Message string    `json:"message"`
	Data    errorData `json:"data"`
}

type errorData struct {
	Type    string   `json:"type"`
	Details []string `json:"details,omitempty"`
}

// wrap is used to wrap functions to make them more convenient. Handlers
// return either an object to encode or raw json.RawMessage bytes which are
// written through untouched, preserving signed artifacts byte-for-byte.
func (s *HTTPServer) wrap(handler func(resp http.ResponseWriter, req *http.Request) (any, error)) func(resp http.ResponseWriter, req *http.Request) {
	f := func(resp http.ResponseWriter, req *http.Request) {
		reqURL := req.URL.String()
		start := time.Now()
		defer func() {
			s.logger.Debug("request complete", "method", req.Method,
				"path", reqURL, "duration", time.Since(start))
		}()
		obj, err := handler(resp, req)

		if err != nil {
			s.logger.Error("request failed", "method", req.Method,
				"path", reqURL, "error", err)

			code := 500
			out := errorResponse{
				Message: err.Error(),
				Data:    errorData{Type: structs.ErrTypeInternalServer},
			}
			if coded, ok := err.(HTTPCodedError); ok {
				code = coded.Code()
				out.Data.Type = http.StatusText(code)
			} else {
				apiErr := structs.AsAPIError(err)
				code = apiErr.Code()
				out.Message = apiErr.Message
				out.Data.Type = apiErr.Type
				out.Data.Details = apiErr.Details
			}

			resp.Header().Set("Content-Type", "application/json")
			resp.WriteHeader(code)
			_ = json.NewEncoder(resp).Encode(&out)
			return
		}

		if obj == nil {
			return
		}

		// Raw bytes pass through untouched.
		if raw, ok := obj.(json.RawMessage); ok {
			resp.Header().Set("Content-Type", "application/json")
			_, _ = resp.Write(raw)
			return
		}

		prettyPrint := false
		if v, ok := req.URL.Query()["pretty"]; ok {
			if len(v) > 0 && (len(v[0]) == 0 || v[0] != "0") {
				prettyPrint = true
			}
		}

		var buf bytes.Buffer
		handle := structs.JsonHandle
		if prettyPrint {
			handle = structs.JsonHandlePretty
		}
		enc := codec.NewEncoder(&buf, handle)
		if err := enc.Encode(obj); err != nil {
			resp.WriteHeader(500)
			_, _ = resp.Write([]byte(err.Error()))
			return
		}
		if prettyPrint {
			buf.WriteByte('\n')
		}
		resp.Header().Set("Content-Type", "application/json")
		_, _ = resp.Write(buf.Bytes())
	}
	return f
}

// decodeBody decodes a JSON request body into out.
func decodeBody(req *http.Request, out any) error {
	dec := json.NewDecoder(req.Body)
	return dec.Decode(out)
}

// parseBool parses a query parameter into a boolean, defaulting to false.
func parseBool(req *http.Request, field string) (bool, error) {
	raw := req.URL.Query().Get(field)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, CodedError(400, fmt.Sprintf("Failed to parse value of %q: %v", field, err))
	}
	return v, nil
}

// wrapCORS wraps a handler to allow cross-origin requests.
func wrapCORS(f func(http.ResponseWriter, *http.Request)) http.Handler {
	return allowCORS.Handler(http.HandlerFunc(f))
}
