package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	intDatabase "voicelink-backend/internal/database"
	callHandler "voicelink-backend/internal/handler/http/call"
	pushHandler "voicelink-backend/internal/handler/http/push"
	wsHandler "voicelink-backend/internal/handler/ws"
	"voicelink-backend/internal/middleware"
	"voicelink-backend/internal/presence"
	"voicelink-backend/internal/repository/cockroach"
	redisRepo "voicelink-backend/internal/repository/redis"
	callService "voicelink-backend/internal/service/call"
	"voicelink-backend/internal/service/notification"
	"voicelink-backend/pkg/config"
	pkgDatabase "voicelink-backend/pkg/database"
	"voicelink-backend/pkg/env"
	"voicelink-backend/pkg/jwt"
	"voicelink-backend/pkg/logger"
	"voicelink-backend/pkg/metrics"
	"voicelink-backend/pkg/push"
)

func main() {
	// Create context for database operations
	ctx := context.Background()

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// 1b. Initialize structured logging before anything that logs
	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// 2. Setup JWT Manager
	jwtSecret := env.GetStringFromFile("JWT_SECRET", "")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}
	if len(jwtSecret) < 32 {
		log.Fatal("JWT_SECRET must be at least 32 characters")
	}

	jwtManager := jwt.NewJWTManager(jwtSecret, cfg.JWT.AccessTokenExpiry, cfg.JWT.RefreshTokenExpiry)

	productionMode := cfg.Server.Environment == "production"

	// 3. Connect to CockroachDB for call records with retry logic
	dbConfig := &pkgDatabase.CockroachConfig{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: env.GetStringFromFile("DB_PASSWORD", cfg.Database.Password),
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
	}

	var db *pkgDatabase.CockroachDB

	maxRetries := 5
	baseDelay := 1 * time.Second
	maxDelay := 30 * time.Second

	db, err = pkgDatabase.NewCockroachDB(ctx, dbConfig)
	if err != nil {
		// Retry with exponential backoff
		for attempt := 2; attempt <= maxRetries; attempt++ {
			delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
			if delay > maxDelay {
				delay = maxDelay
			}
			log.Printf("⚠️  CockroachDB connection attempt %d failed: %v. Retrying in %v...", attempt, err, delay)
			time.Sleep(delay)

			db, err = pkgDatabase.NewCockroachDB(ctx, dbConfig)
			if err == nil {
				break
			}
		}
	}

	if err != nil {
		log.Fatalf("Failed to connect to CockroachDB after %d attempts: %v", maxRetries, err)
	}
	defer db.Close()
	log.Println("✅ Connected to CockroachDB")

	callRepo := cockroach.NewCallRepository(db.Pool)

	// 4. Initialize Redis with degraded mode support
	redisConfig := &intDatabase.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: env.GetStringFromFile("REDIS_PASSWORD", cfg.Redis.Password),
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
		Timeout:  cfg.Redis.Timeout,
	}

	intDatabase.InitRedisMetrics()

	redisDB, err := intDatabase.NewRedisDB(redisConfig)
	if err != nil {
		log.Printf("Warning: Failed to connect to Redis: %v", err)
	} else {
		log.Println("✅ Connected to Redis")
	}
	defer redisDB.Close()

	// Start background Redis health check
	go redisDB.StartHealthCheck(ctx, 10*time.Second)

	// 5. Initialize Push Service
	pushTokenRepo := redisRepo.NewPushTokenRepository(redisDB.Client)

	var pushProvider push.Provider
	pushProviderType := env.GetString("PUSH_PROVIDER", "mock")

	switch pushProviderType {
	case "firebase":
		firebaseProjectID := env.GetStringFromFile("FIREBASE_PROJECT_ID", "")
		if firebaseProjectID == "" {
			if productionMode {
				log.Fatal("❌ Fatal: FIREBASE_PROJECT_ID required in production mode")
			}
			log.Println("Warning: FIREBASE_PROJECT_ID not set, falling back to mock provider")
			pushProvider = &push.MockProvider{}
		} else {
			pushProvider = push.NewFirebaseProvider(firebaseProjectID)
			log.Printf("✅ Using Firebase Provider for project: %s", firebaseProjectID)

			if fbProvider, ok := pushProvider.(*push.FirebaseProvider); ok {
				if err := push.StartupCheck(fbProvider); err != nil {
					if productionMode {
						log.Fatal("❌ Fatal: Firebase startup check failed")
					}
				}
			}
		}
	case "fcm", "apns":
		provider, err := push.NewProvider()
		if err != nil {
			if productionMode {
				log.Fatalf("❌ Fatal: push provider setup failed: %v", err)
			}
			log.Printf("Warning: push provider setup failed (%v), falling back to mock provider", err)
			pushProvider = &push.MockProvider{}
		} else {
			pushProvider = provider
			log.Printf("✅ Using %s push provider", pushProviderType)
		}
	case "mock", "":
		if productionMode {
			log.Fatal("❌ Fatal: Mock push provider not allowed in production")
		}
		pushProvider = &push.MockProvider{}
		log.Println("ℹ️  Using MockProvider for push notifications (development mode)")
	default:
		log.Printf("Warning: Unknown PUSH_PROVIDER '%s', falling back to mock", pushProviderType)
		pushProvider = &push.MockProvider{}
	}

	pushSvc := push.NewService(pushProvider, pushTokenRepo)

	// 6. Presence registry with Redis mirror for cross-process queries
	registry := presence.NewRegistry()
	presenceMirror := redisRepo.NewPresenceRepository(redisDB)

	// 7. Metrics
	appMetrics := metrics.NewMetrics("call-service")
	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)

	// 8. Signaling relay and push fallback dispatcher
	dispatcher := notification.NewDispatcher(registry, pushSvc)
	callSvc := callService.NewService(callRepo, registry, dispatcher, cfg.Call, appMetrics)

	// 9. Handlers
	callHdlr := callHandler.NewHandler(callSvc)
	pushHdlr := pushHandler.NewHandler(pushSvc)
	gateway := wsHandler.NewGateway(registry, presenceMirror, callSvc, appMetrics)

	// 10. Setup Gin Router
	router := gin.New() // Don't use Default() to have full control

	trustedProxies := []string{}
	if os.Getenv("ENV") == "production" {
		trustedProxies = []string{
			"https://api.voicelink.app",
			"https://*.voicelink.app",
		}
	} else {
		trustedProxies = []string{
			"http://localhost:3000",
			"http://localhost:8080",
			"http://127.0.0.1:3000",
			"http://127.0.0.1:8080",
		}
	}
	router.SetTrustedProxies(trustedProxies)

	// Apply global middleware
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORSMiddleware())
	router.Use(prometheusMiddleware.Handler())
	timeoutMiddleware := middleware.NewTimeoutMiddleware(middleware.DefaultTimeoutConfig(), appMetrics)
	router.Use(timeoutMiddleware.Middleware())

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "healthy",
			"service": "call-service",
			"time":    time.Now().UTC(),
		})
	})

	// Metrics endpoint (for Prometheus scraping)
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	// Revocation checker
	revocationChecker := middleware.NewRedisRevocationChecker(redisDB.Client)

	// Per-endpoint rate limits; falls back to in-memory counting when
	// Redis is degraded.
	rateLimitCfg := middleware.NewRateLimitConfigManager()
	initiateLimit := rateLimitCfg.GetConfig("/v1/calls/initiate")
	initiateLimiter := middleware.NewRateLimiterWithFallback(middleware.RateLimiterConfig{
		RedisClient:            redisDB,
		RequestsPerMin:         initiateLimit.Requests,
		Window:                 initiateLimit.Window,
		EnableInMemoryFallback: true,
	})

	// Shed load before the call record pool is exhausted
	poolLimiter := middleware.NewDBPoolLimiter(db.Pool, appMetrics)

	// Call routes (all require authentication)
	v1 := router.Group("/v1/calls")
	v1.Use(middleware.AuthMiddleware(jwtManager, revocationChecker))
	v1.Use(poolLimiter.Middleware())
	{
		v1.POST("/initiate", initiateLimiter.Middleware(), callHdlr.InitiateCall)
		v1.GET("", callHdlr.GetCallHistory)
		v1.GET("/:id", callHdlr.GetCall)

		// WebSocket endpoint for call signaling
		v1.GET("/ws/signaling", gateway.ServeWS)
	}

	// Device token management for the push fallback
	pushGroup := router.Group("/v1/push")
	pushGroup.Use(middleware.AuthMiddleware(jwtManager, revocationChecker))
	{
		pushGroup.POST("/tokens", pushHdlr.RegisterToken)
		pushGroup.GET("/tokens", pushHdlr.GetTokens)
		pushGroup.DELETE("/tokens", pushHdlr.UnregisterToken)
	}

	// 11. Start server
	port := env.GetString("PORT", fmt.Sprintf("%d", cfg.Server.Port))
	addr := fmt.Sprintf(":%s", port)

	log.Printf("🚀 Call Service starting on port %s\n", port)
	log.Println("📡 Signaling: /v1/calls/ws/signaling")
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
