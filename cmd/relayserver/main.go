// Package main provides the relay server binary: the game synchronization
// engine with its metrics endpoint, optional audit store and admin health
// service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/kidoz/emulinker-sub000/internal/access"
	"github.com/kidoz/emulinker-sub000/internal/config"
	"github.com/kidoz/emulinker-sub000/internal/game/player"
	"github.com/kidoz/emulinker-sub000/internal/game/session"
	"github.com/kidoz/emulinker-sub000/internal/observability"
	"github.com/kidoz/emulinker-sub000/internal/server"
	"github.com/kidoz/emulinker-sub000/internal/storage/postgres"
)

// healthService is the name reported by the admin health endpoint.
const healthService = "relay.Games"

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging, cfg.Server.Name)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting relay server",
		zap.String("admin_addr", cfg.Admin.Addr()),
		zap.Duration("frame_timeout", cfg.Game.FrameTimeout),
		zap.Int("desynch_timeouts", cfg.Game.DesynchTimeouts),
	)

	metrics := observability.NewGameMetrics()

	opts := session.Options{
		Policy:   policyFromConfig(cfg.Game),
		MaxGames: cfg.Server.MaxGames,
		Recorder: metrics,
		Logger:   logger,
	}

	if cfg.Access.File != "" {
		list, err := access.LoadFile(cfg.Access.File)
		if err != nil {
			logger.Fatal("loading access list", zap.String("file", cfg.Access.File), zap.Error(err))
		}
		opts.Access = list
		logger.Info("access list loaded", zap.Int("rules", list.Len()))
	}

	var pool *postgres.Pool
	if cfg.Database.Enabled {
		dbStart := time.Now()
		pool, err = postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			logger.Fatal("connecting to database", zap.Error(err))
		}
		logger.Info("database connected",
			zap.String("host", cfg.Database.Host),
			zap.Duration("elapsed", time.Since(dbStart)),
		)
		opts.Audit = postgres.NewDetectionRepository(pool.DB())
	}

	var games *session.Manager
	players := player.NewRegistry(player.Options{
		QueueSize:     cfg.Game.EventQueueSize,
		CriticalGrace: cfg.Game.CriticalGrace,
		Logger:        logger,
		OnDrop:        metrics.EventDropped,
	}, func(p session.Player, message string) {
		games.Leave(p, message)
	})
	opts.Sink = session.DirectSink{Lobby: players.Broadcast}
	games = session.NewManager(opts)
	metrics.WatchGames(games)

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)

	lifecycle := server.NewLifecycle(logger, cfg.Server.ShutdownTimeout)

	if cfg.Metrics.Enabled {
		lifecycle.Add("metrics", observability.NewMetricsServer(
			cfg.Metrics.Addr(), cfg.Metrics.Path, metrics.Registry(), logger))
	}

	lifecycle.Add("admin", &server.FuncService{
		StartFn: func() error {
			lis, err := net.Listen("tcp", cfg.Admin.Addr())
			if err != nil {
				return fmt.Errorf("listening on %s: %w", cfg.Admin.Addr(), err)
			}
			logger.Info("admin gRPC server listening", zap.String("addr", lis.Addr().String()))
			return grpcServer.Serve(lis)
		},
		StopFn: func() {
			healthSrv.Shutdown()
			grpcServer.GracefulStop()
		},
	})

	if pool != nil {
		stop := make(chan struct{})
		lifecycle.Add("postgres", &server.FuncService{
			StartFn: func() error {
				watchDatabase(ctx, pool, healthSrv, logger, stop)
				return nil
			},
			StopFn: func() {
				close(stop)
				pool.Close()
			},
		})
	}

	// Registered last so it stops first: players and games are released
	// while the audit store is still reachable.
	released := make(chan struct{})
	lifecycle.Add("games", &server.FuncService{
		StartFn: func() error {
			<-released
			return nil
		},
		StopFn: func() {
			players.DisconnectAll("server shutting down")
			games.CloseAll()
			close(released)
		},
	})

	logger.Info("relay server initialized", zap.Duration("startup", time.Since(start)))

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func policyFromConfig(g config.GameConfig) session.Policy {
	return session.Policy{
		AllowSinglePlayer:   g.AllowSinglePlayer,
		MaxPlayers:          g.MaxPlayers,
		BufferSize:          g.BufferSize,
		MaxFrameSize:        g.MaxFrameSize,
		FrameTimeout:        g.FrameTimeout,
		DesynchTimeouts:     g.DesynchTimeouts,
		AutofireSensitivity: g.AutofireSensitivity,
	}
}

// watchDatabase pings the audit database every 30 seconds and reflects the
// result in the admin health status until stop is closed.
func watchDatabase(ctx context.Context, pool *postgres.Pool, hs *health.Server, logger *zap.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		status := healthpb.HealthCheckResponse_SERVING
		if err := pool.Health(ctx, 5*time.Second); err != nil {
			logger.Warn("database health check failed", zap.Error(err))
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus(healthService, status)
	}
}
