package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/futures-guard/internal/audit"
	"github.com/Rajchodisetti/futures-guard/internal/config"
	"github.com/Rajchodisetti/futures-guard/internal/engine"
	"github.com/Rajchodisetti/futures-guard/internal/exchange"
	"github.com/Rajchodisetti/futures-guard/internal/journal"
	"github.com/Rajchodisetti/futures-guard/internal/model"
	"github.com/Rajchodisetti/futures-guard/internal/observ"
	"github.com/Rajchodisetti/futures-guard/internal/outbox"
	"github.com/Rajchodisetti/futures-guard/internal/risk"
	"github.com/Rajchodisetti/futures-guard/internal/telemetry"
	"github.com/Rajchodisetti/futures-guard/internal/transport"
)

func main() {
	var cfgPath, envFile string
	flag.StringVar(&cfgPath, "config", config.Path(), "config path (CONFIG_PATH)")
	flag.StringVar(&envFile, "env-file", ".env", "dotenv file, ignored when missing")
	flag.Parse()

	// Process environment wins over the file.
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		observ.LogError("dotenv_load_failed", err, map[string]any{"path": envFile})
	}

	if err := run(cfgPath); err != nil {
		observ.LogError("agent_exit", err, nil)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	observ.Log("config_loaded", map[string]any{
		"path":        cfgPath,
		"universe":    cfg.SymbolPolicy().Universe(),
		"granularity": cfg.Killswitch.KeyGranularity,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	paper, err := exchange.NewPaper(cfg.Exchange.Paper)
	if err != nil {
		return err
	}
	venue := exchange.NewThrottled(paper, cfg.Exchange.RequestsPerSecond, cfg.Exchange.Burst, cfg.Retry)

	box, err := outbox.Open(cfg.Storage.IdempotencyPath, cfg.Retry)
	if err != nil {
		return err
	}

	fileLog, err := audit.NewFileLogger(cfg.Storage.AuditPath, cfg.Retry)
	if err != nil {
		return err
	}
	hub := telemetry.NewHub(cfg.Server.TelemetryBuffer)
	go hub.Run(ctx)

	var rec journal.Recorder = journal.NewNoopRecorder()
	if cfg.Storage.JournalPath != "" {
		sqlRec, err := journal.NewSQLiteRecorder(cfg.Storage.JournalPath)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		rec = sqlRec
	}
	defer rec.Close()

	eng, err := engine.New(engine.Config{
		OrderUSD:          decimal.NewFromFloat(cfg.Sizing.OrderUSD),
		Leverage:          decimal.NewFromFloat(cfg.Sizing.Leverage),
		MaxPositions:      cfg.Risk.MaxPositions,
		IdempotencyBucket: cfg.IdempotencyBucket(),
		CloseRetry:        cfg.Retry,
	}, engine.Deps{
		Symbols:     cfg.SymbolPolicy(),
		Exchange:    venue,
		Outbox:      box,
		Limiter:     risk.NewRateLimiter(cfg.RateLimit()),
		Killswitch:  risk.NewFeatureHealthMonitor(cfg.KillswitchConfig()),
		LossBreaker: risk.NewConsecutiveLossBreaker(cfg.Risk.MaxConsecutiveLosses),
		Regime:      risk.NewRegimeGate(cfg.Risk.Regime),
		RiskManager: risk.NewRiskManager(risk.RiskManagerConfig{MaxDrawdownPct: cfg.Risk.MaxDrawdownPct}),
		Positions:   cfg.PositionConfig(),
		Journal:     rec,
		Audit:       audit.Fanout{fileLog, hub},
	})
	if err != nil {
		return err
	}

	if n := cfg.Storage.WarmStartTrades; n > 0 {
		history, err := rec.Recent(n)
		if err != nil {
			observ.LogError("journal_warm_start_failed", err, nil)
		} else {
			eng.Restore(history)
		}
	}

	sched := cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := sched.AddFunc(cfg.Schedule.MonitorSpec, func() {
		report := eng.Tick(ctx)
		if len(report.Closed) > 0 || len(report.Errors) > 0 {
			observ.Log("monitor_tick", map[string]any{
				"checked": report.Checked, "moves": report.Moves, "closed": len(report.Closed), "errors": report.Errors,
			})
		}
	}); err != nil {
		return fmt.Errorf("register monitor: %w", err)
	}
	if _, err := sched.AddFunc(cfg.Schedule.StatusSpec, func() {
		st := eng.Status()
		observ.Log("engine_status", map[string]any{
			"positions":          len(st.Positions),
			"drawdown_pct":       st.Risk.DrawdownPct.String(),
			"overall_risk":       string(st.Risk.OverallRisk),
			"consecutive_losses": st.ConsecutiveLosses,
			"trades_in_window":   st.RateLimit.TradesInWindow,
		})
	}); err != nil {
		return fmt.Errorf("register status: %w", err)
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	acct := &account{start: decimal.NewFromFloat(cfg.Sizing.BalanceUSD), engine: eng}
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: routes(eng, hub), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		observ.Log("http_listen", map[string]any{"addr": cfg.Server.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			observ.LogError("http_server_failed", err, nil)
			stop()
		}
	}()

	if cfg.Wire.Enabled {
		feed, err := transport.NewHTTPClient(cfg.Wire.Config)
		if err != nil {
			return err
		}
		events, err := feed.Start(ctx)
		if err != nil {
			return err
		}
		consume(ctx, events, eng, acct, paper)
		feed.Close()
		if err := feed.Err(); err != nil {
			observ.LogError("signal_feed_stopped", err, feed.GetMetrics())
		}
	} else {
		<-ctx.Done()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	observ.Log("agent_shutdown", nil)
	return srv.Shutdown(shutdownCtx)
}

// account derives the paper balance from realized PnL.
type account struct {
	start  decimal.Decimal
	engine *engine.Engine
}

func (a *account) market(symbol string) model.MarketContext {
	st := a.engine.Status()
	held := make([]string, 0, len(st.Positions))
	for _, p := range st.Positions {
		held = append(held, p.Symbol)
	}
	return model.MarketContext{
		Symbol:    symbol,
		Balance:   a.start.Add(st.Risk.RealizedPnl),
		Positions: held,
	}
}

func consume(ctx context.Context, events <-chan transport.EventEnvelope, eng *engine.Engine, acct *account, paper *exchange.Paper) {
	for env := range events {
		switch env.Type {
		case transport.TypeMark:
			m, err := env.Mark()
			if err != nil {
				observ.LogError("mark_decode_failed", err, map[string]any{"id": env.ID})
				continue
			}
			paper.SetPrice(eng.Canonical(m.Symbol), m.Price)
			continue
		case transport.TypeSignal:
		default:
			continue
		}
		sig, err := env.Signal()
		if err != nil {
			observ.LogError("signal_decode_failed", err, map[string]any{"id": env.ID})
			continue
		}
		dec, err := eng.Evaluate(ctx, sig, acct.market(sig.Symbol))
		fields := map[string]any{
			"envelope_id":    env.ID,
			"symbol":         dec.Symbol,
			"action":         string(dec.Action),
			"code":           string(dec.Code),
			"correlation_id": dec.CorrelationID,
		}
		if err != nil {
			observ.LogError("signal_evaluate_failed", err, fields)
			continue
		}
		observ.Log("signal_decision", fields)
	}
}

func routes(eng *engine.Engine, hub *telemetry.Hub) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observ.Handler())
	mux.Handle("/ws", hub)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		st := eng.Status()
		code := http.StatusOK
		if st.Risk.CircuitBreakerTriggered {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"ok":                code == http.StatusOK,
			"circuit_breaker":   st.Risk.CircuitBreakerTriggered,
			"open_positions":    len(st.Positions),
			"telemetry_clients": hub.Clients(),
		})
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, eng.Status())
	})
	mux.HandleFunc("/circuit-breaker/reset", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		a, err := eng.ResetCircuitBreaker(r.Context(), r.FormValue("user"), r.FormValue("reason"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, a)
	})
	mux.HandleFunc("/positions/close", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		outcome, err := eng.ClosePosition(r.Context(), r.FormValue("symbol"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, outcome)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		observ.LogError("http_encode_failed", err, nil)
	}
}
