// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package agent hosts the issuer core behind the HTTP API: configuration
// loading, tenant registration and endpoint plumbing.
package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/vc-issuer/issuer"
	"github.com/hashicorp/vc-issuer/issuer/state"
	"github.com/hashicorp/vc-issuer/issuer/structs"
)

// Agent is the long-running issuer process: the state store, the issuer
// core and the HTTP server on top.
type Agent struct {
	config *Config
	logger hclog.InterceptLogger

	inmemSink *metrics.InmemSink

	store     *state.StateStore
	allocator *issuer.BlockAllocator
	manager   *issuer.ListManager
	signers   issuer.SignerProvider
	pipeline  *issuer.IssuePipeline
	updater   *issuer.StatusUpdater

	httpServer *HTTPServer

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex
}

// NewAgent wires the issuer core from the configuration and loads the
// configured tenants.
func NewAgent(config *Config, logger hclog.InterceptLogger, inmem *metrics.InmemSink) (*Agent, error) {
	a := &Agent{
		config:     config,
		logger:     logger,
		inmemSink:  inmem,
		shutdownCh: make(chan struct{}),
	}

	if err := a.setupIssuer(); err != nil {
		return nil, err
	}
	if err := a.loadIssuers(); err != nil {
		return nil, err
	}

	srv, err := NewHTTPServer(a, config)
	if err != nil {
		return nil, fmt.Errorf("http server setup failed: %v", err)
	}
	a.httpServer = srv

	return a, nil
}

func (a *Agent) setupIssuer() error {
	store, err := state.NewStateStore(&state.StateStoreConfig{Logger: a.logger})
	if err != nil {
		return err
	}
	a.store = store

	a.allocator = issuer.NewBlockAllocator(store, a.logger)
	a.manager = issuer.NewListManager(&issuer.ListManagerConfig{
		Store:              store,
		Allocator:          a.allocator,
		Logger:             a.logger,
		ReservationTimeout: a.config.reservationTimeout(),
	})
	a.signers = issuer.NewCachingSignerProvider()

	updaterConfig := &issuer.StatusUpdaterConfig{
		Store:     store,
		Allocator: a.allocator,
		Signers:   a.signers,
		Logger:    a.logger,
	}
	if endpoint := a.config.StatusPublishEndpoint; endpoint != "" {
		updaterConfig.Client = issuer.NewHTTPStatusClient()
		updaterConfig.PublishURL = func(*structs.IssuerConfig, string) string {
			return endpoint
		}
	}
	a.updater = issuer.NewStatusUpdater(updaterConfig)

	a.pipeline = issuer.NewIssuePipeline(&issuer.IssuePipelineConfig{
		Store:   store,
		Writers: issuer.NewStatusWriterFactory(a.manager, a.allocator, a.logger),
		Signers: a.signers,
		Logger:  a.logger,
	})
	return nil
}

// loadIssuers registers every configured tenant, creating new records and
// updating existing ones in place.
func (a *Agent) loadIssuers() error {
	files := append([]*IssuerConfigFile{}, a.config.Issuers...)

	if dir := a.config.IssuersDir; dir != "" {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("reading issuers_dir: %v", err)
		}
		var names []string
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if strings.HasSuffix(e.Name(), ".hcl") || strings.HasSuffix(e.Name(), ".json") {
				names = append(names, filepath.Join(dir, e.Name()))
			}
		}
		sort.Strings(names)
		for _, name := range names {
			file, err := ParseIssuerFile(name)
			if err != nil {
				return err
			}
			files = append(files, file)
		}
	}

	for _, file := range files {
		cfg, err := convertIssuerFile(file)
		if err != nil {
			return err
		}
		cfg.Canonicalize()
		if err := cfg.Validate(); err != nil {
			return err
		}

		existing, err := a.store.GetIssuerConfig(cfg.ID)
		if err != nil {
			return err
		}
		var expect uint64
		if existing != nil {
			expect = existing.ModifySequence
		}
		if err := a.store.UpsertIssuerConfig(expect, cfg); err != nil {
			return fmt.Errorf("registering issuer %q: %v", cfg.ID, err)
		}
		a.logger.Info("registered issuer", "config_id", cfg.ID,
			"status_list_options", len(cfg.StatusListOptions))
	}
	return nil
}

// issuerFileOption is the loosely typed file form of a status list option.
type issuerFileOption struct {
	Type           string   `mapstructure:"type"`
	Purposes       []string `mapstructure:"purposes"`
	BlockSize      uint32   `mapstructure:"block_size"`
	BlockCount     uint32   `mapstructure:"block_count"`
	ListCount      uint32   `mapstructure:"list_count"`
	IndexAllocator string   `mapstructure:"index_allocator"`
	BaseURL        string   `mapstructure:"base_url"`
}

type issuerFileIssueOptions struct {
	Cryptosuites      []string `mapstructure:"cryptosuites"`
	MandatoryPointers []string `mapstructure:"mandatory_pointers"`
	Envelope          *struct {
		Format    string `mapstructure:"format"`
		Algorithm string `mapstructure:"algorithm"`
	} `mapstructure:"envelope"`
}

func convertIssuerFile(file *IssuerConfigFile) (*structs.IssuerConfig, error) {
	cfg := &structs.IssuerConfig{
		ID:                 file.ID,
		ControllerID:       file.ControllerID,
		Issuer:             file.Issuer,
		AllowUnidentified:  file.AllowUnidentified,
		BaseURL:            file.BaseURL,
		VerificationMethod: file.VerificationMethod,
	}

	switch {
	case file.SigningKey != "":
		cfg.SigningKey = []byte(file.SigningKey)
	case file.SigningKeyFile != "":
		raw, err := os.ReadFile(file.SigningKeyFile)
		if err != nil {
			return nil, fmt.Errorf("issuer %q: reading signing key: %v", file.ID, err)
		}
		cfg.SigningKey = raw
	default:
		return nil, fmt.Errorf("issuer %q: signing_key or signing_key_file is required", file.ID)
	}

	for _, raw := range file.StatusListOptions {
		var fo issuerFileOption
		if err := weakDecode(raw, &fo); err != nil {
			return nil, fmt.Errorf("issuer %q: invalid status list option: %v", file.ID, err)
		}
		opt := &structs.StatusListOption{
			Type:           fo.Type,
			BlockSize:      fo.BlockSize,
			BlockCount:     fo.BlockCount,
			ListCount:      fo.ListCount,
			IndexAllocator: fo.IndexAllocator,
			BaseURL:        fo.BaseURL,
		}
		for _, p := range fo.Purposes {
			opt.Purposes = append(opt.Purposes, structs.StatusPurpose(p))
		}
		cfg.StatusListOptions = append(cfg.StatusListOptions, opt)
	}

	if file.IssueOptions != nil {
		var fo issuerFileIssueOptions
		if err := weakDecode(file.IssueOptions, &fo); err != nil {
			return nil, fmt.Errorf("issuer %q: invalid issue options: %v", file.ID, err)
		}
		opts := &structs.IssueOptions{
			Cryptosuites:      fo.Cryptosuites,
			MandatoryPointers: fo.MandatoryPointers,
		}
		if fo.Envelope != nil {
			opts.Envelope = &structs.EnvelopeOptions{
				Format:    fo.Envelope.Format,
				Algorithm: fo.Envelope.Algorithm,
			}
		}
		cfg.IssueOptions = opts
	}

	return cfg, nil
}

// Shutdown stops the agent.
func (a *Agent) Shutdown() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()

	if a.shutdown {
		return nil
	}
	a.logger.Info("requesting shutdown")
	if a.httpServer != nil {
		a.httpServer.Shutdown()
	}
	a.shutdown = true
	close(a.shutdownCh)
	a.logger.Info("shutdown complete")
	return nil
}

// Stats returns agent-level statistics for the health endpoint.
func (a *Agent) Stats() map[string]string {
	return map[string]string{
		"latest_sequence": fmt.Sprintf("%d", a.store.LatestSequence()),
		"uptime":          time.Since(startTime).String(),
	}
}

var startTime = time.Now()
