package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/redmist-timing/engine/internal/bus"
	"github.com/redmist-timing/engine/internal/config"
	"github.com/redmist-timing/engine/internal/logging"
	"github.com/redmist-timing/engine/internal/metrics"
	"github.com/redmist-timing/engine/internal/persist"
	"github.com/redmist-timing/engine/internal/pipeline"
	"github.com/redmist-timing/engine/internal/publish"
	"github.com/redmist-timing/engine/internal/registry"
	"github.com/redmist-timing/engine/internal/relayhub"
	"github.com/redmist-timing/engine/internal/snapshot"
	"github.com/redmist-timing/engine/internal/state"
	"github.com/redmist-timing/engine/internal/subhub"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (defaults to ~/.config/redmist-engine/config.yaml)")
	port := flag.Int("port", 0, "Override HTTP listen port")
	flag.Parse()

	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}
	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.HTTP.Port = *port
	}

	baseLog := logging.New("engine")

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	if sampler, err := metrics.NewProcessSampler(baseLog); err != nil {
		baseLog.WithError(err).Warn("process sampler unavailable")
	} else {
		stop := make(chan struct{})
		go sampler.Run(stop, 15*time.Second)
		defer close(stop)
	}

	b := bus.NewRedisBus(bus.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, baseLog.WithField("subsystem", "bus"))
	defer b.Close()

	var store *persist.Store
	if cfg.Database.DSN != "" {
		store, err = persist.Open(cfg.Database.DSN)
		if err != nil {
			log.Fatalf("connecting to database: %v", err)
		}
		defer store.Close()
	} else {
		baseLog.Warn("no database DSN configured; persistence is disabled")
	}

	sessionStore := state.NewStore()

	pub := publish.New(b, sessionStore, cfg.Publish, baseLog.WithField("subsystem", "publish"))
	defer pub.Stop()

	deps := pipeline.Deps{}
	if store != nil {
		deps.FlagPersister = store
		deps.LapPersister = store
		deps.X2Persister = store
	}
	pl := pipeline.New(sessionStore, cfg.Engine, deps, pub, baseLog.WithField("subsystem", "pipeline"))

	eventID, haveEventID := config.EventID()
	jobName := config.JobName(cfg.HTTP)

	endpointReg := registry.New(b, jobName)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if haveEventID {
		if err := endpointReg.Advertise(ctx, eventID); err != nil {
			baseLog.WithError(err).Warn("advertising endpoint registry lease failed")
		}

		runner := &pipeline.Runner{
			Bus:       b,
			Pipeline:  pl,
			StreamKey: pipeline.StreamKey(eventID),
			Group:     "engine",
			Consumer:  jobName,
		}
		go func() {
			if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
				baseLog.WithError(err).Error("pipeline runner stopped unexpectedly")
			}
		}()
	}

	var relayServer *relayhub.Server
	if store != nil {
		relayHub := relayhub.New(b, store, baseLog.WithField("subsystem", "relayhub"))
		relayServer = relayhub.NewServer(relayHub, []byte(os.Getenv("RELAY_JWT_SECRET")), nil, baseLog.WithField("subsystem", "relayhub"))
	} else {
		baseLog.Warn("relay ingress disabled: no database configured to authorize relay organizations")
	}

	subHub := subhub.New(b, baseLog.WithField("subsystem", "subhub"))
	subServer := subhub.NewServer(subHub, b, []byte(os.Getenv("SUBSCRIBER_JWT_SECRET")), baseLog.WithField("subsystem", "subhub"))

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	snapshot.NewHandler(sessionStore, baseLog.WithField("subsystem", "snapshot")).Register(router)
	router.Handle("/subscribe", subServer).Methods(http.MethodGet)
	if relayServer != nil {
		router.Handle("/relay", relayServer).Methods(http.MethodGet)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		baseLog.Info("shutting down")
		if haveEventID {
			endpointReg.Withdraw(context.Background(), eventID)
		}
		cancel()
		os.Exit(0)
	}()

	addr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
	baseLog.WithField("addr", addr).Info("engine listening")
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
