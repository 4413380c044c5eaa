// Command sessionserver wires every collaborator package into a running
// rhythm-game session node: the raw TCP protocol listener, the web
// bridge's HTTP/WebSocket surface, and (when enabled) the federation
// gossip loop, all driven from one process under a shared shutdown
// context.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rhythmsession/server/internal/banstore"
	"github.com/rhythmsession/server/internal/config"
	"github.com/rhythmsession/server/internal/engine"
	"github.com/rhythmsession/server/internal/federation"
	"github.com/rhythmsession/server/internal/identity"
	"github.com/rhythmsession/server/internal/logging"
	"github.com/rhythmsession/server/internal/ratelimit"
	"github.com/rhythmsession/server/internal/roomstore"
	"github.com/rhythmsession/server/internal/sessiontable"
	"github.com/rhythmsession/server/internal/tracing"
	"github.com/rhythmsession/server/internal/transport"
	"github.com/rhythmsession/server/internal/webbridge"
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "no .env file found, relying on process environment")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logger:", err)
		os.Exit(1)
	}
	log := logging.GetLogger()
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if collector := os.Getenv("OTEL_COLLECTOR_ADDR"); collector != "" {
		tp, err := tracing.InitTracer(ctx, cfg.ServerName, collector)
		if err != nil {
			log.Warn("tracing disabled: failed to init tracer", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tp.Shutdown(shutdownCtx); err != nil {
					log.Warn("tracer shutdown failed", zap.Error(err))
				}
			}()
		}
	}

	var redisClient *redis.Client
	if cfg.RedisEnabled {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable, continuing with in-memory fallbacks", zap.Error(err))
			redisClient = nil
		}
	}

	bans, err := banstore.New("banidList.json", "banipList.json", log, banOptions(redisClient)...)
	if err != nil {
		log.Fatal("failed to initialize ban store", zap.Error(err))
	}
	if redisClient != nil {
		warmCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := bans.WarmRedis(warmCtx); err != nil {
			log.Warn("failed to warm redis ban cache", zap.Error(err))
		}
		cancel()
	}

	rooms := roomstore.New(0, cfg.RoomSize)
	auth := identity.NewAuthClient(cfg.PhiraAPIURL)
	charts := identity.NewChartClient(cfg.PhiraAPIURL)
	sessions := sessiontable.New(cfg.TokenLength, auth, bans, rooms)

	tcp := transport.New(cfg.Host+":"+cfg.Port, nil, sessions, log)
	eng := engine.New(sessions, rooms, charts, tcp)
	tcp.SetHandler(eng)

	limiter, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		log.Fatal("failed to initialize rate limiter", zap.Error(err))
	}

	var fedMgr *federation.Manager
	if cfg.FederationEnabled {
		fedCfg := federation.Config{
			NodeID:         cfg.FederationNodeID,
			NodeURL:        cfg.FederationNodeURL,
			ServerName:     cfg.ServerName,
			Secret:         cfg.FederationSecret,
			SeedNodes:      cfg.FederationSeedNodes,
			HealthInterval: cfg.FederationHealthInterval,
			SyncInterval:   cfg.FederationSyncInterval,
			NodesPath:      "federationNodes.json",
		}
		fedMgr, err = federation.NewManager(fedCfg, eng, tcp, log)
		if err != nil {
			log.Fatal("failed to initialize federation manager", zap.Error(err))
		}
		eng.SetFederationHook(fedMgr)
	}

	var fedStatus webbridge.FederationStatus
	if fedMgr != nil {
		fedStatus = fedMgr
	}
	bridge := webbridge.New(cfg, eng, sessions, bans, fedStatus, limiter, log)
	if fedMgr != nil {
		fedMgr.RegisterRoutes(bridge.Router())
	}

	var wg sync.WaitGroup

	if cfg.TCPEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tcp.Serve(ctx); err != nil {
				log.Error("tcp server exited", zap.Error(err))
			}
		}()
	}

	if cfg.EnableWebServer {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bridge.Serve(ctx); err != nil {
				log.Error("web bridge exited", zap.Error(err))
			}
		}()
	}

	if fedMgr != nil {
		fedMgr.Start(ctx)
	}

	log.Info("session server started",
		zap.String("tcp_addr", cfg.Host+":"+cfg.Port),
		zap.Bool("web_enabled", cfg.EnableWebServer),
		zap.Bool("federation_enabled", cfg.FederationEnabled),
	)

	<-ctx.Done()
	log.Info("shutdown signal received, draining")
	wg.Wait()
	log.Info("session server exited")
}

func banOptions(redisClient *redis.Client) []banstore.Option {
	if redisClient == nil {
		return nil
	}
	return []banstore.Option{banstore.WithRedis(redisClient)}
}
