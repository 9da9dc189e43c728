// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/vc-issuer/command/agent"
	"github.com/hashicorp/vc-issuer/version"
)

// AgentCommand runs the issuer agent until signaled to stop.
type AgentCommand struct {
	Meta

	args       []string
	agent      *agent.Agent
	logger     hclog.InterceptLogger
	ShutdownCh <-chan struct{}
}

func (c *AgentCommand) Help() string {
	helpText := `
Usage: vc-issuer agent [options]

  Starts the issuer agent and runs until an interrupt is received. The
  agent hosts the credential issuance API, the status list registry and
  the published status list credentials.

Options:

  -config=<path>
    Path to a configuration file or a directory of configuration files
    loaded in lexical order. May be specified multiple times.

  -bind=<address>
    Address to bind the HTTP listener to. Overrides config files.

  -port=<port>
    Port for the HTTP listener. Overrides config files.

  -log-level=<level>
    The logging verbosity: TRACE, DEBUG, INFO, WARN or ERROR.

  -log-json
    Emit logs in JSON format.
`
	return strings.TrimSpace(helpText)
}

func (c *AgentCommand) Name() string { return "agent" }

func (c *AgentCommand) Synopsis() string {
	return "Runs the issuer agent"
}

func (c *AgentCommand) Run(args []string) int {
	c.args = args

	config := c.readConfig()
	if config == nil {
		return 1
	}

	logger := hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Name:       "vc-issuer",
		Level:      hclog.LevelFromString(config.LogLevel),
		JSONFormat: config.LogJson,
		Output:     os.Stderr,
	})
	c.logger = logger

	inmem, err := c.setupTelemetry(config)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error initializing telemetry: %s", err))
		return 1
	}

	a, err := agent.NewAgent(config, logger, inmem)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error starting agent: %s", err))
		return 1
	}
	c.agent = a

	c.Ui.Output(fmt.Sprintf("VC Issuer agent started! Version: %s",
		version.GetVersion().VersionNumber()))
	logger.Info("agent started", "bind", config.BindAddr, "port", config.Port)

	return c.handleSignals()
}

func (c *AgentCommand) readConfig() *agent.Config {
	var configPaths []string
	cmdConfig := &agent.Config{}

	flags := flag.NewFlagSet("agent", flag.ContinueOnError)
	flags.Usage = func() { c.Ui.Error(c.Help()) }
	flags.Var((*flagStringSlice)(&configPaths), "config", "")
	flags.StringVar(&cmdConfig.BindAddr, "bind", "", "")
	flags.IntVar(&cmdConfig.Port, "port", 0, "")
	flags.StringVar(&cmdConfig.LogLevel, "log-level", "", "")
	flags.BoolVar(&cmdConfig.LogJson, "log-json", false, "")
	if err := flags.Parse(c.args); err != nil {
		return nil
	}

	config := agent.DefaultConfig()
	for _, path := range configPaths {
		fileConfig, err := agent.LoadConfig(path)
		if err != nil {
			c.Ui.Error(fmt.Sprintf("Error loading configuration from %s: %s", path, err))
			return nil
		}
		config = config.Merge(fileConfig)
	}
	config = config.Merge(cmdConfig)

	if err := config.Finalize(); err != nil {
		c.Ui.Error(err.Error())
		return nil
	}
	return config
}

// setupTelemetry installs the global in-memory sink the metrics endpoint
// reads from.
func (c *AgentCommand) setupTelemetry(config *agent.Config) (*metrics.InmemSink, error) {
	interval := 10 * time.Second
	retention := time.Minute
	if t := config.Telemetry; t != nil {
		if d := t.CollectionIntervalDuration(); d > 0 {
			interval = d
		}
		if d := t.RetentionPeriodDuration(); d > 0 {
			retention = d
		}
	}

	inm := metrics.NewInmemSink(interval, retention)
	metrics.DefaultInmemSignal(inm)

	metricsConf := metrics.DefaultConfig("vc-issuer")
	if _, err := metrics.NewGlobal(metricsConf, inm); err != nil {
		return nil, err
	}
	return inm, nil
}

func (c *AgentCommand) handleSignals() int {
	signalCh := make(chan os.Signal, 4)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	select {
	case s := <-signalCh:
		c.Ui.Output(fmt.Sprintf("Caught signal: %v", s))
	case <-c.ShutdownCh:
		c.Ui.Output("Shutdown request received")
	}

	gracefulCh := make(chan struct{})
	go func() {
		if err := c.agent.Shutdown(); err == nil {
			close(gracefulCh)
		}
	}()

	select {
	case <-signalCh:
		return 1
	case <-time.After(10 * time.Second):
		return 1
	case <-gracefulCh:
		return 0
	}
}

// flagStringSlice collects repeated flag values.
type flagStringSlice []string

func (v *flagStringSlice) String() string {
	return strings.Join(*v, ",")
}

func (v *flagStringSlice) Set(raw string) error {
	*v = append(*v, raw)
	return nil
}
