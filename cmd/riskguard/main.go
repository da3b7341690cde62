// Command riskguard runs the TopstepX risk enforcement engine: it loads
// configuration, connects the store-backed state managers, consumes the broker's
// WebSocket event feed, and enforces the configured rules against every account it
// sees, until a shutdown signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/topstepx/riskguard/internal/audit"
	"github.com/topstepx/riskguard/internal/bus"
	"github.com/topstepx/riskguard/internal/cfg"
	"github.com/topstepx/riskguard/internal/clock"
	"github.com/topstepx/riskguard/internal/dashboard"
	"github.com/topstepx/riskguard/internal/dispatch"
	"github.com/topstepx/riskguard/internal/engine"
	"github.com/topstepx/riskguard/internal/extremes"
	"github.com/topstepx/riskguard/internal/freq"
	"github.com/topstepx/riskguard/internal/gate"
	"github.com/topstepx/riskguard/internal/lockout"
	"github.com/topstepx/riskguard/internal/metrics"
	"github.com/topstepx/riskguard/internal/pnl"
	"github.com/topstepx/riskguard/internal/riskmodel"
	"github.com/topstepx/riskguard/internal/rules"
	"github.com/topstepx/riskguard/internal/sdk"
	"github.com/topstepx/riskguard/internal/store"
	"github.com/topstepx/riskguard/internal/timer"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// widestFrequencyWindow bounds how far back the trade-count store keeps rows; it must
// be at least RULE-006's per-session window, which is the widest of the three.
const widestFrequencyWindow = 24 * time.Hour

func main() {
	configPath := flag.String("config", "", "path to the risk engine's YAML config file")
	flag.Parse()

	c, err := cfg.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	if level, err := zerolog.ParseLevel(c.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := store.Open(c.DataPath)
	if err != nil {
		log.Fatal().Err(err).Msg("store open failed")
	}
	defer s.Close()

	resetLoc, err := time.LoadLocation(c.ResetTZ)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid reset timezone")
	}

	m := metrics.New()
	auditRecorder := audit.New(s, m)

	lockouts, err := lockout.New(s)
	if err != nil {
		log.Fatal().Err(err).Msg("lockout manager init failed")
	}
	timers := timer.New(s)
	pnlTracker := pnl.New(s)
	freqCounter := freq.New(s, widestFrequencyWindow)
	extremesTracker := extremes.New(s)

	realClock := clock.RealClock{}
	daily := clock.NewDaily(realClock, c.ResetTime, resetLoc)
	lastReset, err := s.GetLastReset(engine.GlobalResetMarker)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read last reset marker, assuming none")
	}
	if err := daily.Start(lastReset); err != nil {
		log.Fatal().Err(err).Msg("daily reset scheduler failed to start")
	}
	defer daily.Stop()

	cmd := sdk.NewClient(c.SDKAPIKey, c.SDKSecret, c.SDKBaseURL, c.RESTTimeout)

	eventBus := bus.New(0)
	gateway := gate.New(lockouts, timers, cmd, auditRecorder, realClock)
	dispatcher := dispatch.New(cmd, lockouts, timers, auditRecorder, realClock, c.Symbols)
	ruleSet := rules.NewSet(rules.Deps{
		PnL: pnlTracker, Extremes: extremesTracker, Freq: freqCounter, Timers: timers,
		Clock: realClock, Config: c, ResetLoc: resetLoc,
	})

	eng := engine.New(engine.Deps{
		Bus: eventBus, PnL: pnlTracker, Lockouts: lockouts, Timers: timers, Freq: freqCounter,
		Extremes: extremesTracker, Clock: realClock, Daily: daily, ResetLoc: resetLoc, ResetTime: c.ResetTime,
		Rules: ruleSet, Gate: gateway, Dispatcher: dispatcher, Store: s,
	})

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		eng.RunBackground(ctx)
	}()

	events := make(chan riskmodel.RiskEvent, 1024)
	malformed := make(chan string, 256)
	stream := sdk.NewStream(c.SDKWsURL, c.PingInterval)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := stream.Run(ctx, events, malformed); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("sdk stream ended")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				m.EventsProcessedTotal.WithLabelValues(string(ev.Kind)).Inc()
				eng.Ingest(ctx, ev)
			case raw := <-malformed:
				m.EventsMalformedTotal.Inc()
				log.Warn().Str("payload", raw).Msg("dropped malformed sdk event")
			}
		}
	}()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{Addr: fmt.Sprintf(":%d", c.MetricsPort), Handler: mux}
		go func() {
			<-ctx.Done()
			metricsServer.Shutdown(context.Background())
		}()
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()

	dash := dashboard.New(dashboard.Deps{
		Engine: eng, Lockouts: lockouts, Timers: timers, PnL: pnlTracker, Clock: realClock,
		ResetLoc: resetLoc, ResetTime: c.ResetTime,
	}, c.DashboardPort)
	if err := dash.Start(); err != nil {
		log.Error().Err(err).Msg("dashboard failed to start")
	}
	defer dash.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("shutdown signal received")
	case <-ctx.Done():
		log.Info().Msg("context cancelled")
	}

	log.Info().Msg("shutting down gracefully...")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all goroutines stopped")
	case <-time.After(10 * time.Second):
		log.Warn().Msg("shutdown timeout, forcing exit")
	}
}
