// Copyright 2025 Portage Contributors
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

// The portage control plane binary. Runs the full server by default;
// one-shot flags cover operational chores (backfill, consolidation,
// fleet listing, scorer reload).
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/nextdoor/portage/internal/cache"
	"github.com/nextdoor/portage/internal/decision"
	"github.com/nextdoor/portage/internal/dispatch"
	"github.com/nextdoor/portage/internal/emergency"
	"github.com/nextdoor/portage/internal/events"
	"github.com/nextdoor/portage/internal/model"
	"github.com/nextdoor/portage/internal/pricing"
	"github.com/nextdoor/portage/internal/safety"
	"github.com/nextdoor/portage/internal/scheduler"
	"github.com/nextdoor/portage/internal/server"
	"github.com/nextdoor/portage/internal/state"
	"github.com/nextdoor/portage/internal/store"
	"github.com/nextdoor/portage/pkg/aws"
	"github.com/nextdoor/portage/pkg/config"
	"github.com/nextdoor/portage/pkg/metrics"
)

func main() {
	var (
		configPath     string
		standalone     bool
		backfillPrices bool
		consolidateNow bool
		listAgents     bool
		reloadScorer   string
		serverURL      string
		backfillRegion string
		backfillTypes  string
	)
	flag.StringVar(&configPath, "config", "", "Path to the config file. Empty uses built-in defaults.")
	flag.BoolVar(&standalone, "standalone", false, "Run against the in-memory store with no AWS access.")
	flag.BoolVar(&backfillPrices, "backfill-prices", false, "Run one provider price backfill and exit.")
	flag.StringVar(&backfillRegion, "region", "", "Restrict --backfill-prices to one region.")
	flag.StringVar(&backfillTypes, "instance-types", "", "Comma-separated instance types for --backfill-prices.")
	flag.BoolVar(&consolidateNow, "consolidate-now", false, "Run one price consolidation and exit.")
	flag.BoolVar(&listAgents, "list-agents", false, "Print online agents and exit.")
	flag.StringVar(&reloadScorer, "reload-scorer", "", "Ask a running control plane to load this scorer artifact, then exit.")
	flag.StringVar(&serverURL, "server", "http://localhost:8080", "Control plane base URL for --reload-scorer.")
	flag.Parse()

	cfg, err := loadConfig(configPath, standalone)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger setup failed:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case reloadScorer != "":
		err = runReloadScorer(serverURL, cfg.BootstrapTenantToken, reloadScorer)
	case listAgents:
		err = runListAgents(ctx, cfg, log)
	case consolidateNow:
		err = runConsolidateNow(ctx, cfg, log)
	case backfillPrices:
		err = runBackfill(ctx, cfg, backfillRegion, backfillTypes, log)
	default:
		err = runServe(ctx, cfg, log)
	}
	if err != nil {
		log.Error(err, "portage exited with error")
		os.Exit(1)
	}
}

func loadConfig(path string, standalone bool) (*config.Config, error) {
	var cfg *config.Config
	if path == "" {
		cfg = config.Default()
	} else {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if standalone {
		cfg.Standalone = true
		cfg.DatabaseDSN = ""
		if cfg.BootstrapTenantToken == "" {
			// A fresh token per run keeps accidental exposure harmless.
			cfg.BootstrapTenantName = "standalone"
			cfg.BootstrapTenantToken = uuid.NewString()
		}
	}
	return cfg, nil
}

func newLogger(level string) (logr.Logger, error) {
	zl, err := zapcore.ParseLevel(level)
	if err != nil {
		return logr.Logger{}, fmt.Errorf("parse log level %q: %w", level, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(zl)
	logger, err := zc.Build()
	if err != nil {
		return logr.Logger{}, err
	}
	return zapr.NewLogger(logger), nil
}

func openStore(cfg *config.Config, log logr.Logger) (*store.Store, error) {
	if cfg.DatabaseDSN == "" {
		log.Info("using in-memory store")
		return store.OpenMemory(log)
	}
	return store.Open(cfg.DatabaseDSN, log)
}

func awsAccounts(cfg *config.Config) []aws.AccountConfig {
	accounts := make([]aws.AccountConfig, 0, len(cfg.AWSAccounts))
	for _, a := range cfg.AWSAccounts {
		region := a.Region
		if region == "" {
			region = cfg.DefaultRegion
		}
		accounts = append(accounts, aws.AccountConfig{
			AccountID:     a.AccountID,
			Name:          a.Name,
			AssumeRoleARN: a.AssumeRoleARN,
			ExternalID:    a.ExternalID,
			Region:        region,
		})
	}
	return accounts
}

// bootstrapTenant seeds the configured tenant if it does not exist yet.
func bootstrapTenant(ctx context.Context, st *store.Store, cfg *config.Config, log logr.Logger) error {
	if cfg.BootstrapTenantToken == "" {
		return nil
	}
	_, err := st.TenantByToken(ctx, cfg.BootstrapTenantToken)
	if err == nil {
		return nil
	}
	if !model.IsKind(err, model.KindNotFound) {
		return err
	}
	tenant := &model.Tenant{
		ID:        uuid.NewString(),
		Name:      cfg.BootstrapTenantName,
		AuthToken: cfg.BootstrapTenantToken,
		Enabled:   true,
	}
	if err := st.CreateTenant(ctx, tenant); err != nil {
		return fmt.Errorf("bootstrap tenant: %w", err)
	}
	log.Info("bootstrapped tenant", "name", tenant.Name, "id", tenant.ID)
	return nil
}

func runServe(ctx context.Context, cfg *config.Config, log logr.Logger) error {
	st, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	if err := bootstrapTenant(ctx, st, cfg, log); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	defer m.Stop()

	bus := events.NewBus(log)
	defer bus.Close()
	bus.OnDrop(func(topic events.Topic, _ string) {
		m.EventsDropped.WithLabelValues(string(topic)).Inc()
	})

	clk := clock.RealClock{}
	machine := state.New(st, bus, clk, log)
	dispatcher := dispatch.New(st, machine, bus, clk, log)
	enforcer := safety.New(st, bus, log)

	handle := &decision.Handle{}
	if cfg.ScorerPath != "" {
		scorer, err := decision.LoadScorer(cfg.ScorerPath)
		if err != nil {
			return fmt.Errorf("load scorer: %w", err)
		}
		handle.Swap(scorer)
		log.Info("scorer loaded", "artifact", cfg.ScorerPath, "scorer", scorer.Name())
	}
	harness := decision.NewHarness(st, handle, clk, log)
	engine := decision.NewEngine(st, harness, enforcer, dispatcher, clk, log)

	pipeline := pricing.NewPipeline(st, bus, clk, log)
	ingestor := pricing.NewIngestor(st, clk, log)
	ingestor.PerPoolPerMinute = cfg.Pricing.IngestPerPoolPerMinute
	ingestor.OnDrop = func(poolID string, n int) {
		m.PriceSamplesDropped.WithLabelValues(poolID).Add(float64(n))
	}

	priceCache := cache.NewPriceCache(st, clk, log)
	priceCache.RegisterUpdateNotifier(func(changed []string) {
		for _, poolID := range changed {
			m.MarkPriceUpdated(poolID)
		}
	})

	orch := emergency.NewOrchestrator(st, dispatcher, bus, clk, log)
	sched := scheduler.New(scheduler.Config{
		HeartbeatTimeout:       cfg.GetHeartbeatTimeout(),
		HeartbeatSweepInterval: cfg.GetHeartbeatSweep(),
		CommandExpiryInterval:  cfg.GetCommandExpiry(),
		ZombieReapInterval:     cfg.GetZombieReap(),
		NoticeRetryInterval:    cfg.GetNoticeRetry(),
		DecisionSweepInterval:  cfg.GetDecisionSweep(),
		ConsolidationSchedule:  cfg.Scheduler.ConsolidationSchedule,
		RetentionSchedule:      cfg.Scheduler.RetentionSchedule,
	}, st, machine, dispatcher, engine, pipeline, orch, clk, log)

	srv := server.New(server.Options{
		TenantRequestsPerSecond: cfg.API.TenantRequestsPerSecond,
		TenantBurst:             cfg.API.TenantBurst,
		ScorerPath:              cfg.ScorerPath,
	}, st, machine, dispatcher, ingestor, orch, handle, clk, log)
	srv.Metrics = m
	srv.Prices = priceCache

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return priceCache.Watch(gctx, bus) })

	readyChecks := []server.ReadinessCheck{}
	accounts := awsAccounts(cfg)
	if !cfg.Standalone && len(accounts) > 0 {
		awsClient, err := aws.NewClient(gctx, aws.ClientConfig{DefaultRegion: cfg.DefaultRegion})
		if err != nil {
			return fmt.Errorf("aws client: %w", err)
		}
		monitor := aws.NewCredentialMonitor(
			aws.NewAccountValidator(awsClient), accounts,
			cfg.GetAccountValidationInterval(), log)
		monitor.Start(gctx)
		defer monitor.Stop()
		readyChecks = append(readyChecks, monitor.Ready)

		backfiller := pricing.NewBackfiller(st, awsClient, accounts, clk, log)
		backfiller.Interval = cfg.GetBackfillInterval()
		g.Go(func() error { return backfiller.Run(gctx) })
	}

	opsServer := &http.Server{
		Addr:    cfg.OpsBindAddress,
		Handler: server.NewOpsMux(st, reg, readyChecks...),
	}

	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return refreshFleetGauges(gctx, st, m, log) })
	g.Go(func() error {
		log.Info("ops listening", "addr", cfg.OpsBindAddress)
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error { return srv.Listen(cfg.ListenAddress) })
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = opsServer.Shutdown(shutdownCtx)
		return srv.Shutdown()
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// refreshFleetGauges keeps the per-tenant online-agent gauge current.
func refreshFleetGauges(ctx context.Context, st *store.Store, m *metrics.Metrics, log logr.Logger) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			agents, err := st.AgentsOnline(ctx)
			if err != nil {
				log.Error(err, "fleet gauge refresh failed")
				continue
			}
			perTenant := map[string]int{}
			for _, a := range agents {
				perTenant[a.TenantID]++
			}
			m.AgentsOnline.Reset()
			for tenantID, n := range perTenant {
				m.AgentsOnline.WithLabelValues(tenantID).Set(float64(n))
			}
		}
	}
}

func runListAgents(ctx context.Context, cfg *config.Config, log logr.Logger) error {
	st, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	agents, err := st.AgentsOnline(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LOGICAL ID\tAGENT ID\tMODE\tPOOL\tNOTICE\tLAST HEARTBEAT")
	for _, a := range agents {
		heartbeat := "never"
		if a.LastHeartbeatAt != nil {
			heartbeat = a.LastHeartbeatAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			a.LogicalID, a.ID, a.Mode, a.CurrentPoolID, a.NoticeStatus, heartbeat)
	}
	return w.Flush()
}

func runConsolidateNow(ctx context.Context, cfg *config.Config, log logr.Logger) error {
	st, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	bus := events.NewBus(log)
	defer bus.Close()

	pipeline := pricing.NewPipeline(st, bus, clock.RealClock{}, log)
	summary, err := pipeline.Consolidate(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("run %s: %d pools, %d consolidated (%d interpolated), %d canonical\n",
		summary.RunID, summary.Pools, summary.Consolidated, summary.Interpolated, summary.Canonical)
	return nil
}

func runBackfill(ctx context.Context, cfg *config.Config, region, instanceTypes string, log logr.Logger) error {
	accounts := awsAccounts(cfg)
	if len(accounts) == 0 {
		return fmt.Errorf("no AWS accounts configured; nothing to backfill")
	}
	st, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	awsClient, err := aws.NewClient(ctx, aws.ClientConfig{DefaultRegion: cfg.DefaultRegion})
	if err != nil {
		return err
	}

	backfiller := pricing.NewBackfiller(st, awsClient, accounts, clock.RealClock{}, log)
	if region != "" {
		backfiller.Regions = []string{region}
	}
	if instanceTypes != "" {
		backfiller.InstanceTypes = strings.Split(instanceTypes, ",")
	}
	if err := backfiller.RunOnce(ctx); err != nil {
		return err
	}
	log.Info("backfill complete")
	return nil
}

// runReloadScorer asks a running control plane to swap its scorer.
func runReloadScorer(baseURL, token, artifactPath string) error {
	if token == "" {
		token = os.Getenv("PORTAGE_BOOTSTRAP_TENANT_TOKEN")
	}
	if token == "" {
		return fmt.Errorf("no tenant token configured for the reload request")
	}

	body, err := json.Marshal(map[string]string{"path": artifactPath})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost,
		baseURL+"/api/v1/operator/scorer/reload", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reload failed (%d): %s", resp.StatusCode, raw)
	}
	fmt.Println(string(raw))
	return nil
}
