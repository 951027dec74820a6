package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ratelimitd/ratelimitd/pkg/ratelimit"
	"github.com/ratelimitd/ratelimitd/pkg/ratelimit/pipeline"
	"github.com/ratelimitd/ratelimitd/pkg/ratelimit/redisengine"
)

func main() {
	configPath := flag.String("config", "", "path to the rate limiter YAML config; empty uses built-in defaults")
	addr := flag.String("addr", ":8080", "listen address")
	redisAddr := flag.String("redis-addr", os.Getenv("REDIS_ADDR"), "Redis address; empty runs the in-memory backend")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg := pipeline.NewConfig()
	if *configPath != "" {
		loaded, err := pipeline.LoadConfig(*configPath)
		if err != nil {
			log.Fatal("loading config", zap.Error(err))
		}
		cfg = loaded
	} else {
		cfg.DefaultAlgorithm = "token-bucket"
		cfg.TokenBucket = pipeline.AlgorithmConfig{Capacity: 100, Rate: 10}
		cfg.FixedWindow = pipeline.AlgorithmConfig{Capacity: 1000, WindowMs: 60_000}
	}

	var engines ratelimit.EngineSource
	var stats pipeline.StatsRecorder

	if *redisAddr != "" {
		log.Info("using Redis backend", zap.String("addr", *redisAddr))
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		backend, err := redisengine.NewBackend(client, redisengine.WithLogger(log))
		if err != nil {
			log.Fatal("connecting to redis", zap.Error(err))
		}
		redisRegistry, err := redisengine.NewRegistry(context.Background(), backend)
		if err != nil {
			log.Fatal("constructing redis engine registry", zap.Error(err))
		}
		engines = redisRegistry
		stats = redisengine.NewRedisStatsStore(client)
	} else {
		memRegistry := ratelimit.NewRegistry(ratelimit.SystemClock{}, log)
		memRegistry.StartJanitor(time.Minute, int64((time.Hour).Milliseconds()))
		defer memRegistry.StopJanitor()
		engines = memRegistry
	}

	p := pipeline.New(engines, cfg, log)
	if stats != nil {
		p = p.WithStatsRecorder(stats)
	}
	admin := pipeline.NewAdmin(engines, cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/admin/stats", admin.StatsHandler())
	mux.Handle("/admin/reset", admin.ResetHandler())
	mux.Handle("/admin/algorithms", admin.AlgorithmsHandler())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := &http.Server{
		Addr:              *addr,
		Handler:           p.Wrap(mux),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("ratelimitd listening", zap.String("addr", *addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("server error", zap.Error(err))
	}
}
