package main

import (
	"context"
	"log"
	"os"
	"time"

	"polychat/internal/api"
	"polychat/internal/auth"
	"polychat/internal/blob"
	"polychat/internal/config"
	"polychat/internal/provider"
	"polychat/internal/provider/github"
	"polychat/internal/provider/openrouter"
	"polychat/internal/provider/search"
	"polychat/internal/provider/stocks"
	"polychat/internal/provider/weather"
	"polychat/internal/redis"
	"polychat/internal/resumable"
	"polychat/internal/service/ai"
	"polychat/internal/service/assistant"
	"polychat/internal/storage"
	"polychat/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {
	cfg, err := config.Load(os.Getenv("POLYCHAT_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	log.Printf("dbType: %s\n", cfg.Database)
	db, err := storage.Open(cfg.Database, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	if err := storage.Migrate(db, cfg.Database); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	var rdb *redis.Client
	if cfg.Redis.Host != "" {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			log.Fatalf("create redis client: %v", err)
		}
		defer rdb.Close()
	}

	streamTTL := time.Duration(cfg.Streams.TTLMinutes) * time.Minute
	var streamStore resumable.Store
	switch cfg.Streams.Backend {
	case "redis":
		streamStore = resumable.NewRedisStore(rdb, streamTTL)
	default:
		bolt, err := resumable.OpenBolt(cfg.Streams.BoltPath)
		if err != nil {
			log.Fatalf("open stream store: %v", err)
		}
		streamStore = bolt
	}
	defer streamStore.Close()
	streams := resumable.New(streamStore, streamTTL)

	assistantService, err := assistant.NewService(db, cfg.Database, cfg.BasicConfig.SecretKey)
	if err != nil {
		log.Fatalf("init assistant service: %v", err)
	}
	authService, err := auth.NewService(cfg.Auth, assistantService, rdb)
	if err != nil {
		log.Fatalf("init auth service: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var blobs blob.Store
	switch cfg.Uploads.Backend {
	case "gcs":
		gcs, err := blob.NewGCSStore(ctx, cfg.Uploads.Bucket, cfg.Uploads.CredentialsFile, cfg.Uploads.PublicBaseURL)
		if err != nil {
			log.Fatalf("open gcs bucket: %v", err)
		}
		defer gcs.Close()
		blobs = gcs
	default:
		local, err := blob.NewLocalStore(cfg.Uploads.BaseDir, "/api/files")
		if err != nil {
			log.Fatalf("open upload dir: %v", err)
		}
		blobs = local
	}

	// integrations without credentials stay nil and answer offline
	in := cfg.Integrations
	var (
		weatherLookup ai.WeatherLookup
		stockLookup   ai.StockLookup
		catalog       api.ModelCatalog
		deviceFlow    api.DeviceFlow
	)
	if in.WeatherAPIKey != "" {
		weatherLookup = weather.NewClient(in.WeatherAPIKey, provider.DefaultClient)
	}
	if in.AlphaVantageAPIKey != "" {
		stockLookup = stocks.NewClient(in.AlphaVantageAPIKey, provider.DefaultClient)
	}
	webSearch := search.NewClient(in.ExaAPIKey, provider.DefaultClient,
		search.DefaultFallbacks(ctx, in.GoogleAPIKey, in.GoogleSearchEngineID)...)
	if p, ok := cfg.Providers[ai.ProviderOpenRouter]; ok && p.APIKey != "" {
		catalog = openrouter.NewCatalog(p.APIKey, p.BaseURL, provider.DefaultClient)
	}
	var githubClient *github.Client
	if in.GitHubClientID != "" {
		githubClient = github.NewClient(in.GitHubClientID, provider.DefaultClient)
		deviceFlow = githubClient
	}

	aiService, err := ai.NewService(ai.Dependencies{
		Config:    cfg,
		Documents: assistantService,
		Copilot:   assistantService,
		GitHub:    githubClient,
		Weather:   weatherLookup,
		Stocks:    stockLookup,
		Search:    webSearch,
		Blobs:     blobs,
	})
	if err != nil {
		log.Fatalf("init ai service: %v", err)
	}

	workers := worker.NewManager(assistantService, aiService, rdb, worker.DispatcherConfig{
		MinWorkers:        cfg.BasicConfig.MinWorkers,
		MaxWorkers:        cfg.BasicConfig.MaxWorkers,
		QueueSize:         cfg.BasicConfig.QueueSize,
		IdleTimeout:       time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
		GenerationTimeout: time.Duration(cfg.BasicConfig.GenerationTimeout) * time.Minute,
	})
	defer workers.Close()

	cleanInterval := time.Duration(cfg.Streams.CleanInterval) * time.Minute
	assistantService.StartStreamJanitor(ctx, streamStore, cleanInterval, streamTTL)

	handlers := api.NewHandler(api.Options{
		Assistant:         assistantService,
		Auth:              authService,
		Workers:           workers,
		Streams:           streams,
		Blobs:             blobs,
		Weather:           weatherLookup,
		Stocks:            stockLookup,
		Search:            webSearch,
		Models:            catalog,
		GitHub:            deviceFlow,
		MaxMessagesPerDay: cfg.BasicConfig.MaxMessagesPerDay,
	})

	router := gin.Default()
	handlers.RegisterRoutes(router)

	if err := router.Run(cfg.BasicConfig.ServerAddress); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
