package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ashare-copilot/api"
	"ashare-copilot/cache"
	"ashare-copilot/config"
	"ashare-copilot/database"
	"ashare-copilot/database/reports"
	"ashare-copilot/engine"
	"ashare-copilot/llm"
	"ashare-copilot/marketdata"
	"ashare-copilot/realtime"
)

// App represents the main application
type App struct {
	config *config.Config
	db     *database.Database
	redis  *cache.RedisClient
	store  reports.Store
	stream *marketdata.QuoteStream
	engine *engine.Engine
	broker *realtime.Broker
}

// New creates a new application instance
func New(cfg *config.Config) *App {
	return &App{
		config: cfg,
	}
}

// Start starts the application
func (a *App) Start() error {
	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Database Connection
	fmt.Println("🗄️  Connecting to database...")

	db, err := database.Connect(
		a.config.DatabaseHost,
		a.config.DatabasePort,
		a.config.DatabaseName,
		a.config.DatabaseUser,
		a.config.DatabasePassword,
	)
	if err != nil {
		// Reports survive restarts only with Postgres; the engine itself
		// is fully functional on the in-memory store
		log.Printf("⚠️  Database connection failed (%v), falling back to in-memory report store", err)
		a.store = reports.NewMemoryStore(a.config.Engine.StallCeiling)
	} else {
		a.db = db
		if err := db.InitSchema(); err != nil {
			return fmt.Errorf("schema initialization failed: %w", err)
		}
		a.store = reports.NewRepository(db, a.config.Engine.StallCeiling)
	}

	// 2. Redis Connection
	fmt.Println("🧠 Connecting to Redis...")
	redisClient := cache.NewRedisClient(
		a.config.RedisHost,
		a.config.RedisPort,
		a.config.RedisPassword,
	)
	if redisClient == nil {
		fmt.Println("⚠️  Redis connection failed. Report caching disabled.")
	} else {
		a.redis = redisClient
	}
	reportCache := cache.NewReportCache(a.redis, a.config.Engine.ReportCacheTTL)

	// 3. Market data provider, with the optional live quote stream
	if a.config.MarketData.QuoteStreamURL != "" {
		a.stream = marketdata.NewQuoteStream(a.config.MarketData.QuoteStreamURL, nil)
		go a.stream.Run(ctx)
		log.Println("✅ Live quote stream enabled")
	}
	provider := marketdata.NewClient(a.config.MarketData.BaseURL, a.config.MarketData.Timeout, a.stream)

	// 4. Reasoning service client
	var narrator *llm.Narrator
	if a.config.LLM.Enabled {
		client := llm.NewClient(a.config.LLM.Endpoint, a.config.LLM.APIKey, a.config.LLM.Model)
		narrator = llm.NewNarrator(client)
		log.Printf("✅ LLM narrative generation ENABLED (Model: %s)", a.config.LLM.Model)
	} else {
		narrator = llm.NewNarrator(nil) // every report gets the score-derived fallback
		log.Println("ℹ️  LLM narrative generation DISABLED")
	}

	// 5. Realtime broker for report status events
	a.broker = realtime.NewBroker()
	go a.broker.Run()

	// 6. Analysis engine
	a.engine = engine.New(a.config.Engine, a.store, provider, narrator)
	a.engine.SetPublisher(a.broker)
	a.engine.SetCache(reportCache)
	log.Printf("🚀 Analysis engine ready (%d workers)", a.config.Engine.MaxConcurrentRuns)

	// 7. Start API Server
	apiServer := api.NewServer(a.engine, a.broker)
	go func() {
		if err := apiServer.Start(a.config.APIPort); err != nil {
			log.Printf("⚠️  API Server failed: %v", err)
		}
	}()

	// 8. Wait for interrupt and perform graceful shutdown
	return a.gracefulShutdown(cancel)
}

// gracefulShutdown handles graceful shutdown with timeout
func (a *App) gracefulShutdown(cancel context.CancelFunc) error {
	// Setup signal handling
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	// Wait for interrupt signal
	<-interrupt
	fmt.Println("\n🛑 Shutdown signal received, initiating graceful shutdown...")

	// Cancel context to stop all goroutines
	cancel()

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Shutdown tasks with timeout
	shutdownComplete := make(chan struct{})
	go func() {
		// Let in-flight analysis runs commit before closing stores
		fmt.Println("⏳ Waiting for in-flight analysis runs...")
		a.engine.Stop()

		// Close database connection
		if a.db != nil {
			if err := a.db.Close(); err != nil {
				log.Printf("Error closing database: %v", err)
			} else {
				fmt.Println("✅ Database connection closed")
			}
		}

		// Close Redis connection
		if a.redis != nil {
			if err := a.redis.Close(); err != nil {
				log.Printf("Error closing redis: %v", err)
			} else {
				fmt.Println("✅ Redis connection closed")
			}
		}

		close(shutdownComplete)
	}()

	// Wait for shutdown to complete or timeout
	select {
	case <-shutdownComplete:
		fmt.Println("✅ Graceful shutdown completed")
		return nil
	case <-shutdownCtx.Done():
		fmt.Println("⚠️  Shutdown timeout exceeded, forcing exit")
		return fmt.Errorf("shutdown timeout")
	}
}
