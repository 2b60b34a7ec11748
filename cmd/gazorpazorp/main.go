// Command gazorpazorp runs the reverse-proxy security gateway: it
// wires the KV store, identity store, crypto verifier, intent
// analyzer, anomaly detector, policy engine, and challenge service
// into a Pipeline and serves it behind gin. Grounded in the teacher's
// cmd/server/main.go bootstrap shape (gin.New, Recovery, CORS, then
// wire real dependencies before registering routes), repointed at the
// gateway's own component graph.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jamie-anson/gazorpazorp/internal/analysiscache"
	"github.com/jamie-anson/gazorpazorp/internal/anomaly"
	"github.com/jamie-anson/gazorpazorp/internal/challenge"
	"github.com/jamie-anson/gazorpazorp/internal/config"
	"github.com/jamie-anson/gazorpazorp/internal/cryptoverify"
	"github.com/jamie-anson/gazorpazorp/internal/healthcheck"
	"github.com/jamie-anson/gazorpazorp/internal/identity"
	"github.com/jamie-anson/gazorpazorp/internal/identitydb"
	"github.com/jamie-anson/gazorpazorp/internal/intent"
	"github.com/jamie-anson/gazorpazorp/internal/kv"
	"github.com/jamie-anson/gazorpazorp/internal/llmclient"
	"github.com/jamie-anson/gazorpazorp/internal/logging"
	"github.com/jamie-anson/gazorpazorp/internal/pipeline"
	"github.com/jamie-anson/gazorpazorp/internal/policy"
	"github.com/jamie-anson/gazorpazorp/internal/telemetry"
)

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET,PUT,POST,OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Agent-Signature, X-Agent-Pubkey, X-Signed-Payload, X-Challenge-Id")
		if c.Request.Method == http.MethodOptions {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		c.Next()
	}
}

func main() {
	logger := logging.Init()
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	redisStore, err := kv.NewRedisStoreFromURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}

	var identityRepo identity.Repo
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pool, err := identitydb.InitPool(ctx, cfg.DatabaseURL)
		cancel()
		if err != nil {
			logger.Error().Err(err).Msg("identitydb unavailable, continuing with KV-only identity persistence")
		} else {
			if err := identitydb.RunMigrations(cfg.DatabaseURL, ""); err != nil {
				logger.Error().Err(err).Msg("identitydb migration failed")
			}
			identityRepo = identitydb.NewIdentityRepo(pool)
		}
	}

	identities := identity.NewStore(redisStore, identityRepo, logger)
	verifier := cryptoverify.New(redisStore, identities, logger)

	llmBackend := llmclient.NewHTTPBackend(cfg.LLMEndpoint, os.Getenv("LLM_API_KEY"), cfg.LLMTimeout)
	llmCfg := llmclient.DefaultConfig()
	llmCfg.MaxAttempts = cfg.LLMMaxAttempts
	llmCfg.CircuitBreaker.MaxFailures = cfg.LLMCircuitBreakerThresh
	llmCfg.CircuitBreaker.Timeout = cfg.LLMCircuitBreakerCooldown
	llm := llmclient.New(llmBackend, llmCfg)

	cache := analysiscache.New(redisStore)
	analyzer := intent.New(llm, cache, cfg.LLMFastModel, cfg.LLMDeepModel, logger)
	detector := anomaly.New(redisStore)
	policyEngine := policy.New(redisStore, logger)
	challenges := challenge.New(redisStore, identities, logger)

	checker := healthcheck.New()
	checker.Register("kv", healthcheck.RedisCheck(redisStore.Client()))
	checker.Register("llm", healthcheck.HTTPCheck(cfg.LLMEndpoint, 5*time.Second))

	p, err := pipeline.New(pipeline.Config{
		KV:          redisStore,
		Identities:  identities,
		Verifier:    verifier,
		Intent:      analyzer,
		Anomaly:     detector,
		Policy:      policyEngine,
		Challenges:  challenges,
		UpstreamURL: cfg.UpstreamURL,
		VerifyURL:   "/api/challenge/verify",
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build pipeline")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), corsMiddleware())
	router.GET("/health", func(c *gin.Context) {
		status, services := checker.Overall(c.Request.Context())
		code := http.StatusOK
		if status == healthcheck.StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"status": status, "services": services})
	})
	router.GET("/metrics", gin.WrapH(telemetry.Handler()))
	p.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.HTTPPort,
		Handler: router,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPPort).Msg("gazorpazorp gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	identitydb.ClosePool()
}
