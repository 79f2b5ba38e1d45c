// Copyright 2026 ManaSmart
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/ManaSmart/Mana-Smart-sub002/backup"
	"github.com/ManaSmart/Mana-Smart-sub002/event"
	"github.com/ManaSmart/Mana-Smart-sub002/gateway"
	"github.com/ManaSmart/Mana-Smart-sub002/internal/config"
	"github.com/ManaSmart/Mana-Smart-sub002/records"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// app bundles the wired-up components shared by the subcommands:
// the job gateway client, the read-through record mirror, the
// event bus, and the orchestrator itself.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	gateway *gateway.Client
	records *records.Store
	bus     *event.EventBus
	orch    *backup.Orchestrator
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	policy, err := cfg.Policy()
	if err != nil {
		return nil, fmt.Errorf("invalid backup policy: %w", err)
	}
	var clientOpts []gateway.ClientOption
	if cfg.AuthToken != "" {
		clientOpts = append(
			clientOpts,
			gateway.WithAuthToken(cfg.AuthToken),
		)
	}
	gw := gateway.NewClient(cfg.GatewayUrl, clientOpts...)
	store, err := records.New(cfg.DataDir, gw, logger)
	if err != nil {
		return nil, fmt.Errorf("opening record store: %w", err)
	}
	bus := event.NewEventBus(prometheus.DefaultRegisterer)
	orch := backup.NewOrchestrator(backup.OrchestratorConfig{
		Logger:       logger,
		EventBus:     bus,
		PromRegistry: prometheus.DefaultRegisterer,
		Gateway:      gw,
		Records:      store,
		Policy:       policy,
	})
	return &app{
		cfg:     cfg,
		logger:  logger,
		gateway: gw,
		records: store,
		bus:     bus,
		orch:    orch,
	}, nil
}

func (a *app) Close() {
	a.orch.Stop()
	a.bus.Stop()
	if err := a.records.Close(); err != nil {
		a.logger.Warn(
			"closing record store",
			"component", programName,
			"error", err,
		)
	}
}

// appFromCommand loads the config from the command context and
// wires up the application. Exits on failure so each subcommand's
// Run func stays short.
func appFromCommand(cmd *cobra.Command) (*app, *slog.Logger) {
	cfg := config.FromContext(cmd.Context())
	if cfg == nil {
		slog.Error("no config found in context")
		os.Exit(1)
	}
	logger := commonRun()
	a, err := newApp(cfg, logger)
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
	return a, logger
}
