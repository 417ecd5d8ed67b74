package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rawblock/trace-engine/internal/api"
	"github.com/rawblock/trace-engine/internal/config"
	"github.com/rawblock/trace-engine/internal/db"
	"github.com/rawblock/trace-engine/internal/heuristics"
	"github.com/rawblock/trace-engine/internal/ledger"
	"github.com/rawblock/trace-engine/internal/logging"
	"github.com/rawblock/trace-engine/internal/metrics"
	"github.com/rawblock/trace-engine/internal/tracer"
	"github.com/rawblock/trace-engine/pkg/models"
)

var (
	configPath string
	useStub    bool

	traceChain   string
	traceDepth   int
	traceTimeout time.Duration
)

var (
	rootCmd = &cobra.Command{
		Use:   "engine",
		Short: "Token transfer trace engine",
		Long: `Traces the USDT transfer graph reachable from a wallet address and
scores it with heuristic risk indicators.`,
		SilenceUsage: true,
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP API, websocket stream and metrics endpoint",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	traceCmd = &cobra.Command{
		Use:   "trace [address]",
		Short: "Traces one address and prints the result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runTrace,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file (env vars override it)")
	rootCmd.PersistentFlags().BoolVar(&useStub, "stub", false, "Use the built-in demo ledger instead of RPC endpoints")

	traceCmd.Flags().StringVar(&traceChain, "chain", "", "Chain to trace on (TRON, ETHEREUM, BSC, POLYGON); detected when empty")
	traceCmd.Flags().IntVarP(&traceDepth, "depth", "d", 0, "Max hop depth (1-10, default 5)")
	traceCmd.Flags().DurationVar(&traceTimeout, "timeout", 2*time.Minute, "Abort the trace after this long")

	rootCmd.AddCommand(serveCmd, traceCmd)
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

// buildRegistry dials every configured chain. A chain whose node cannot be
// reached is left out and traces on it degrade to the unavailable result.
func buildRegistry(ctx context.Context, cfg config.Config) (*ledger.Registry, func()) {
	registry := ledger.NewRegistry()
	if useStub {
		log.Warn().Msg("using the demo ledger; results are synthetic")
		registry.Register(models.ChainEthereum, demoLedger())
		return registry, func() {}
	}

	var clients []*ledger.EVMClient
	for _, chain := range cfg.ConfiguredChains() {
		cc := cfg.Chains[chain]
		client, err := ledger.DialEVM(ctx, ledger.EVMConfig{
			Chain:             chain,
			RPCURL:            cc.RPCURL,
			Token:             cc.Token,
			RequestsPerSecond: cc.RequestsPerSecond,
			CallTimeout:       cc.CallTimeout,
		})
		if err != nil {
			log.Warn().Err(err).Str("chain", string(chain)).Msg("ledger client unavailable, continuing without it")
			continue
		}
		registry.Register(chain, client)
		clients = append(clients, client)
	}
	if len(clients) == 0 {
		log.Warn().Msg("no ledger RPC configured; every trace will return the unavailable result")
	}

	return registry, func() {
		for _, c := range clients {
			c.Close()
		}
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log.Info().Str("port", cfg.Port).Msg("starting trace engine")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry, closeLedgers := buildRegistry(ctx, cfg)
	defer closeLedgers()

	// Labels persist in Postgres when DATABASE_URL is set, in memory otherwise.
	var labels heuristics.LabelStore = heuristics.NewLabelRegistry()
	var pinger api.Pinger
	if cfg.DatabaseURL != "" {
		store, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to PostgreSQL, keeping labels in memory")
		} else {
			defer store.Close()
			if err := store.InitSchema(ctx); err != nil {
				log.Warn().Err(err).Msg("DB schema init failed")
			}
			labels = store
			pinger = store
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	hub := api.NewHub(m)
	go hub.Run(ctx)

	svc := tracer.NewService(registry, tracer.NewResultCache(cfg.CacheSize, m), tracer.Options{
		Limits:     cfg.Limits,
		Labels:     labels,
		Metrics:    m,
		OnComplete: api.BroadcastTraceCompleted(hub),
	})

	gin.SetMode(gin.ReleaseMode)
	router, stopRouter := api.SetupRouter(api.Config{
		AllowedOrigins:  cfg.AllowedOrigins,
		AuthToken:       cfg.AuthToken,
		RateLimitPerMin: cfg.RateLimitPerMin,
		RateLimitBurst:  cfg.RateLimitBurst,
	}, api.Deps{
		Tracer:  svc,
		Labels:  labels,
		DB:      pinger,
		Chains:  registry.Chains,
		Hub:     hub,
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	})
	defer stopRouter()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Strs("chains", chainNames(registry.Chains())).Msg("engine running")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runTrace(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	req := models.TraceRequest{Address: args[0], Depth: traceDepth}
	if traceChain != "" {
		chain, ok := models.ParseChain(traceChain)
		if !ok {
			return fmt.Errorf("unknown chain %q (want one of %v)", traceChain, models.SupportedChains)
		}
		req.Chain = chain
	}
	if traceDepth < 0 || traceDepth > cfg.Limits.WithDefaults().MaxDepth {
		return fmt.Errorf("depth must be between 1 and %d", cfg.Limits.WithDefaults().MaxDepth)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), traceTimeout)
	defer cancel()

	registry, closeLedgers := buildRegistry(ctx, cfg)
	defer closeLedgers()

	svc := tracer.NewService(registry, nil, tracer.Options{
		Limits: cfg.Limits,
		Labels: heuristics.NewLabelRegistry(),
	})
	result, err := svc.Trace(ctx, req)
	if err != nil {
		return fmt.Errorf("trace %s: %w", req.Address, err)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return err
}

func chainNames(chains []models.Chain) []string {
	out := make([]string, len(chains))
	for i, c := range chains {
		out[i] = string(c)
	}
	return out
}
