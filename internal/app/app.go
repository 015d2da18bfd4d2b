package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"treasury-agent/internal/alerts"
	"treasury-agent/internal/auth"
	"treasury-agent/internal/chain"
	"treasury-agent/internal/claims"
	"treasury-agent/internal/config"
	"treasury-agent/internal/drift"
	"treasury-agent/internal/engine"
	"treasury-agent/internal/execution"
	"treasury-agent/internal/history"
	"treasury-agent/internal/ingest"
	"treasury-agent/internal/metrics"
	"treasury-agent/internal/policy"
	"treasury-agent/internal/prices"
	"treasury-agent/internal/spend"
	"treasury-agent/internal/state"
	"treasury-agent/internal/state/memory"
	redisstore "treasury-agent/internal/state/redis"
	"treasury-agent/internal/state/sqlite"
	"treasury-agent/internal/sweep"
	"treasury-agent/internal/trigger"
	"treasury-agent/internal/webhook"
)

const shutdownTimeout = 5 * time.Second

type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     state.Store
	chain     *chain.Client
	engine    *engine.Engine
	sweeper   *sweep.Sweeper
	scheduler *sweep.Scheduler
	webhook   *webhook.Handler
	stream    *ingest.Stream
	history   *history.Writer
	prom      *metrics.Prometheus
	alerts    *alerts.Telegram
	report    func(sweep.Report)
}

// recordingDispatcher decorates trade dispatch with history records and
// telegram alerts so the engine stays free of both concerns.
type recordingDispatcher struct {
	inner   engine.TradeDispatcher
	history *history.Writer
	alerts  *alerts.Telegram
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, req execution.Request) execution.Result {
	res := d.inner.Dispatch(ctx, req)
	amountIn := ""
	if req.Sell.Amount != nil {
		amountIn = req.Sell.Amount.String()
	}
	d.history.EnqueueExecution(history.ExecutionRecord{
		Time:       time.Now().UTC(),
		User:       req.User,
		Mode:       string(res.Mode),
		TokenIn:    req.Sell.Token,
		TokenOut:   req.Buy.Token,
		AmountIn:   amountIn,
		TxHash:     res.TxHash,
		UserOpHash: res.UserOpHash,
		Success:    res.Success,
		Error:      res.Err,
	})
	if res.Success {
		d.alerts.TradeExecuted(ctx, req.User, req.Sell.Symbol, req.Buy.Symbol, string(res.Mode), res.TxHash)
	} else {
		d.alerts.TradeFailed(ctx, req.User, res.Err)
	}
	return res
}

func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	store, err := openStore(cfg.State)
	if err != nil {
		return nil, err
	}

	privateKey := strings.TrimSpace(os.Getenv("AGENT_PRIVATE_KEY"))
	if privateKey == "" {
		return nil, errors.New("AGENT_PRIVATE_KEY is required")
	}

	chainClient, err := chain.Dial(ctx, cfg.Chain, privateKey, log)
	if err != nil {
		return nil, err
	}

	signer, err := execution.NewSigner(privateKey, cfg.Chain.ChainID, cfg.Chain.IntentRouter)
	if err != nil {
		return nil, err
	}

	var bundler execution.Bundler
	if cfg.Executor.BundlerURL != "" {
		rpcBundler, err := execution.DialBundler(ctx, cfg.Executor.BundlerURL, cfg.Executor.EntryPoint)
		if err != nil {
			return nil, err
		}
		bundler = rpcBundler
	}

	var prom *metrics.Prometheus
	m := metrics.NewNoop()
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}

	alertsClient := alerts.NewTelegram(cfg.Telegram, log)
	historyWriter, err := history.New(cfg.History, log)
	if err != nil {
		return nil, err
	}

	tracker := spend.NewTracker(store, log)
	validator := auth.NewValidator(store, tracker)
	policies := policy.NewStore(store)
	detector := drift.NewDetector(chainClient, log)
	dispatcher := &recordingDispatcher{
		inner: execution.NewDispatcher(
			store,
			signer,
			chainClient,
			execution.NewStaticRegistry(cfg.Executor.Pools),
			execution.NewHTTPSubmitter(cfg.Executor.APIBaseURL, cfg.Executor.RequestTimeout),
			bundler,
			chainClient,
			cfg.Executor,
			log,
		),
		history: historyWriter,
		alerts:  alertsClient,
	}
	eng := engine.New(store, policies, detector, validator, tracker, dispatcher, m, cfg.Engine, log)

	processor := claims.NewProcessor(store, chainClient, cfg.Treasury, log)
	directory := claims.NewStoreDirectory(store, log)
	priceSource := prices.NewHTTPSource(cfg.Prices, log)
	checker := trigger.NewChecker(chainClient, directory, detector, priceSource, log)
	sweeper := sweep.New(processor, policies, eng, checker, dispatcher, chainClient, cfg.Treasury, m, log)
	scheduler := sweep.NewScheduler(sweeper, log)
	report := func(rep sweep.Report) {
		now := time.Now().UTC()
		for _, claim := range rep.Claims {
			historyWriter.EnqueueClaim(history.ClaimRecord{
				Time:        now,
				Treasury:    claim.Treasury,
				Agent:       claim.Agent,
				Claimed:     claim.WethClaimed,
				Distributed: claim.Distributed,
				TxHash:      claim.ClaimTxHash,
				Error:       claim.Error,
			})
			if claim.Success && claim.WethClaimed != "0" {
				alertsClient.FeesClaimed(ctx, claim.Agent, claim.WethClaimed)
			}
		}
		for _, user := range rep.Users {
			historyWriter.EnqueueEvaluation(history.EvaluationRecord{
				Time:       now,
				User:       user.User,
				Trigger:    engine.TriggerCron,
				Skipped:    user.Skipped,
				SkipReason: user.SkipReason,
				HasDrift:   user.HasDrift,
				Executed:   user.Executed,
				Error:      user.Error,
			})
		}
	}
	scheduler.OnReport(report)

	webhookHandler := webhook.NewHandler(eng, cfg.Webhook, cfg.Chain.ChainID, m, log)

	var stream *ingest.Stream
	if cfg.Ingest.Enabled {
		stream = ingest.NewStream(cfg.Ingest, eng, webhookHandler, log)
	}

	return &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		chain:     chainClient,
		engine:    eng,
		sweeper:   sweeper,
		scheduler: scheduler,
		webhook:   webhookHandler,
		stream:    stream,
		history:   historyWriter,
		prom:      prom,
		alerts:    alertsClient,
		report:    report,
	}, nil
}

func openStore(cfg config.StateConfig) (state.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, err
		}
		return sqlite.New(cfg.SQLitePath)
	case "redis":
		return redisstore.New(cfg)
	case "memory":
		return memory.New(), nil
	default:
		return nil, errors.New("unknown state backend " + cfg.Backend)
	}
}

// Engine exposes the orchestrator for one-shot callers.
func (a *App) Engine() *engine.Engine {
	return a.engine
}

// Sweeper exposes the sweep pass for one-shot callers.
func (a *App) Sweeper() *sweep.Sweeper {
	return a.sweeper
}

// Run starts the webhook server, the sweep schedule, the optional
// indexer stream and metrics endpoint, then blocks until the context
// is cancelled.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	a.history.Start(ctx)

	if err := a.scheduler.Register(ctx, a.cfg.Sweep.CronSpec); err != nil {
		return err
	}
	if a.cfg.Sweep.RunOnStart {
		go func() {
			a.report(a.sweeper.Run(ctx))
		}()
	}
	a.scheduler.Start()
	defer a.scheduler.Stop()

	webhookServer := &http.Server{
		Addr:    a.cfg.Webhook.ListenAddr,
		Handler: a.webhook.Routes(),
	}
	serverErr := make(chan error, 2)
	go func() {
		a.log.Info("webhook server listening", zap.String("addr", a.cfg.Webhook.ListenAddr))
		if err := webhookServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	var metricsServer *http.Server
	if a.prom != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.prom.Handler())
		metricsServer = &http.Server{Addr: a.cfg.Metrics.ListenAddr, Handler: mux}
		go func() {
			a.log.Info("metrics server listening", zap.String("addr", a.cfg.Metrics.ListenAddr))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				serverErr <- err
			}
		}()
	}

	if a.stream != nil {
		go func() {
			if err := a.stream.Run(ctx); err != nil && ctx.Err() == nil {
				a.log.Warn("indexer stream stopped", zap.Error(err))
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := webhookServer.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("webhook server shutdown failed", zap.Error(err))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("metrics server shutdown failed", zap.Error(err))
		}
	}
	return ctx.Err()
}

func (a *App) Close() {
	if err := a.history.Close(); err != nil {
		a.log.Warn("history close failed", zap.Error(err))
	}
	a.chain.Close()
	if err := a.store.Close(); err != nil {
		a.log.Warn("store close failed", zap.Error(err))
	}
}
