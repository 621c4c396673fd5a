package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vrischmann/envconfig"

	"github.com/metalstack/rackd/internal/discovery"
	"github.com/metalstack/rackd/internal/handshake"
	"github.com/metalstack/rackd/internal/health"
	"github.com/metalstack/rackd/internal/identity"
	"github.com/metalstack/rackd/internal/interval"
	"github.com/metalstack/rackd/internal/pool"
	"github.com/metalstack/rackd/internal/rpc"
	"github.com/metalstack/rackd/internal/service"
	"github.com/metalstack/rackd/pkg/drivers/chassis"
	"github.com/metalstack/rackd/pkg/drivers/pod"
	"github.com/metalstack/rackd/pkg/drivers/power"
)

func loggerLevelFromString(level string) zerolog.Level {
	level = strings.ToLower(level)
	switch level {
	case "error":
		return zerolog.ErrorLevel
	case "warn":
		return zerolog.WarnLevel
	case "info":
		return zerolog.InfoLevel
	case "debug":
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}

type Config struct {
	LoggerLevel   string   `envconfig:"LOGGER_LEVEL,default=info"`
	RegionURLs    []string `envconfig:"REGION_URLS"`
	DataDir       string   `envconfig:"DATA_DIR,default=/var/lib/rackd"`
	AdvertisedURL string   `envconfig:"ADVERTISED_URL"`
	Version       string   `envconfig:"RACKD_VERSION,optional"`

	Discovery discovery.Config
	Handshake handshake.Config
	Pool      pool.Config
	Interval  interval.Config
	Health    health.Config
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	appCfg := Config{}
	if err := envconfig.Init(&appCfg); err != nil {
		log.Fatal().Err(err).Msg("failed to read app config")
	}
	log.Logger = log.Level(loggerLevelFromString(appCfg.LoggerLevel))

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read hostname")
	}

	store, err := identity.NewStore(appCfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open identity store")
	}

	handlers := &rpc.Handlers{
		Ident:    hostname,
		Identity: store,
		Power:    power.NewRegistry(),
		Pods:     pod.NewRegistry(),
		Chassis:  chassis.NewRegistry(),
		Scanner:  &execScanner{},
		IPs:      &neighborIPChecker{},
	}

	runner := handshake.NewRunner(
		appCfg.Handshake,
		hostname,
		appCfg.AdvertisedURL,
		appCfg.Version,
		store,
		handlers,
		tlsFromStore(store),
	)

	fallback := discovery.NewFallback(filepath.Join(appCfg.DataDir, "rpc-info"))
	disc := discovery.New(appCfg.Discovery, appCfg.RegionURLs, fallback)
	sched := interval.NewScheduler(appCfg.Interval)
	connPool := pool.New(appCfg.Pool, runner, disc, sched, fallback)
	checker := health.NewChecker(appCfg.Health, connPool)

	svc := service.New(connPool, disc, sched, checker)
	handlers.Shutdown = svc.Stop

	log.Info().Msgf("rackd transport starting, regions: %s", strings.Join(appCfg.RegionURLs, ", "))
	if err := svc.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("region transport service failed")
	}
}
