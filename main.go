package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"order-router/internal/common/logging"
	"order-router/internal/config"
	"order-router/internal/feed"
	"order-router/internal/queue"
	"order-router/internal/redis"
	"order-router/internal/routing"
	"order-router/internal/scoring"
	"order-router/internal/server"
	"order-router/internal/split"
	"order-router/internal/staffdir"
	"order-router/internal/storage/factory"
	"order-router/internal/team"
)

func main() {
	// Set up CPU usage
	_ = godotenv.Load()
	nCPU := runtime.NumCPU()
	runtime.GOMAXPROCS(nCPU)
	fmt.Printf("Number of CPUs: %d\n", nCPU)

	// Load configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logging.InitGlobalLogger()
	defer logging.MustSync()
	logger := logging.GetGlobalLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	store, err := factory.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	// Initialize Redis for the queue change feed
	redisDB, _ := strconv.Atoi(cfg.RedisDB)
	redisPool, _ := strconv.Atoi(cfg.RedisPoolSize)
	redisClient, err := redis.NewClient(&redis.Config{
		Address:  cfg.RedisAddress,
		Password: cfg.RedisPassword,
		DB:       redisDB,
		PoolSize: redisPool,
	})
	var publisher queue.Publisher
	var splitLocks split.LockClient
	if err != nil {
		logger.Warn("redis unavailable, queue change feed and split locking disabled", logging.Err(err))
	} else {
		defer redisClient.Close()
		publisher = feed.NewPublisher(redisClient, cfg.FeedChannelPrefix)
		splitLocks = redisClient
	}

	// Priority profiles are stored per queue; queues without one use
	// the default profile.
	scorer := scoring.NewScorer()
	profiles := func(queueID string) *scoring.Profile {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		profile, err := store.GetProfile(ctx, queueID)
		if err != nil {
			return scoring.DefaultProfile()
		}
		return profile
	}

	queues := queue.NewManager(scorer, profiles, publisher,
		queue.Options{MaxPositionChange: cfg.MaxMove(), Store: store}, logger)
	restored, err := queues.Restore(ctx)
	if err != nil {
		log.Fatalf("Failed to restore queue state: %v", err)
	}
	logger.Info("queue state restored", logging.Int("items", restored))

	// Initialize the rule engine with the persisted rule set
	engine := routing.NewEngine(routing.NewFallbackRouter(routing.TargetQueue, cfg.FallbackQueue), logger)
	rules, err := store.ListRules(ctx)
	if err != nil {
		log.Fatalf("Failed to load routing rules: %v", err)
	}
	if err := engine.ReplaceRules(rules); err != nil {
		log.Fatalf("Failed to activate routing rules: %v", err)
	}
	logger.Info("routing rules loaded", logging.Int("count", len(rules)))

	// Staff directory collaborator, roster lookups cached in redis when
	// it is available.
	staff, err := staffdir.NewClient(staffdir.Config{
		BaseURL: cfg.StaffDirURL,
		Timeout: cfg.StaffLookupTimeout(),
	}, logger)
	if err != nil {
		log.Fatalf("Failed to initialize staff directory client: %v", err)
	}
	var teams staffdir.TeamSource = staff
	if splitLocks != nil {
		teams = staffdir.NewCachedClient(staff, redisClient, cfg.RosterCacheTTL(), logger)
	}

	balancer := team.NewBalancer(time.Now().UnixNano())
	ledger := split.NewLedger(store, splitLocks, logger)

	h := server.New(engine, queues, ledger, store, balancer, teams, logger)

	// Queue maintenance jobs
	scheduler := cron.New()
	scheduler.AddFunc("@every "+cfg.RebalanceEvery().String(), func() {
		queues.RebalanceAll(ctx, time.Now().UTC())
	})
	scheduler.AddFunc("@every "+cfg.HoldSweepEvery().String(), func() {
		now := time.Now().UTC()
		if released := queues.ReleaseExpiredHolds(now); released > 0 {
			logger.Info("expired holds released", logging.Int("count", released))
		}
		if purged := queues.PurgeTerminal(now); purged > 0 {
			logger.Info("terminal items purged", logging.Int("count", purged))
		}
	})
	scheduler.AddFunc("@every "+cfg.FairnessEvery().String(), func() {
		now := time.Now().UTC()
		for _, queueID := range queues.QueueIDs() {
			logger.Info("queue fairness index",
				logging.String("queue_id", queueID),
				logging.Float64("gini", queues.FairnessIndex(queueID, now)))
		}
	})
	scheduler.Start()

	srv := server.NewServer(h.Router(), cfg.Port)
	fmt.Printf("Server starting on port %s...\n", cfg.Port)
	if err := srv.Start(); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	fmt.Println("Shutting down server...")

	cancel()
	scheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	fmt.Println("Server exited")
}
