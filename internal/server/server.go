package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/journalyst/assistant/config"
	"github.com/journalyst/assistant/internal/contextbuild"
	"github.com/journalyst/assistant/internal/generator"
	"github.com/journalyst/assistant/internal/kv"
	"github.com/journalyst/assistant/internal/retriever"
	"github.com/journalyst/assistant/internal/router"
	"github.com/journalyst/assistant/internal/session"
	"github.com/journalyst/assistant/internal/store"
	"github.com/journalyst/assistant/internal/vector"
	"github.com/journalyst/assistant/provider"
)

// Run wires the whole service and blocks serving HTTP. All external
// clients are constructed here and passed down; nothing reads globals.
func Run(cfgPath, addr string) error {
	cfg := appconfig.LoadConfig(cfgPath)
	ctx := context.Background()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	corsOrigins := cfg.Server.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: corsOrigins,
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	dsn := cfg.Storage.Postgres.DSN()
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr(),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
	}
	cache := kv.NewRedis(rdb)

	providerName := cfg.LLM.Routing.Provider
	providerCfg := cfg.LLM.Providers[providerName]
	llm, err := provider.NewProvider(provider.Client(providerCfg.Type), provider.Options{
		APIKey:         providerCfg.APIKey,
		BaseURL:        providerCfg.BaseURL,
		EmbeddingModel: cfg.LLM.Routing.Embedding,
		Timeout:        providerCfg.Timeout,
	})
	if err != nil {
		return err
	}

	vecLogger := log.New(log.Writer(), "[QDRANT] ", log.LstdFlags)
	qdrant := vector.NewClient(cfg.Storage.Qdrant.URL, cfg.Storage.Qdrant.Timeout, vecLogger)
	embedder := vector.NewEmbedder(llm, cache, log.New(log.Writer(), "[EMBED] ", log.LstdFlags))
	journals := vector.NewJournalStore(qdrant, embedder, log.New(log.Writer(), "[VECTOR] ", log.LstdFlags))
	conversations := vector.NewConversationStore(qdrant, embedder, log.New(log.Writer(), "[VECTOR] ", log.LstdFlags))
	dimension := cfg.LLM.Routing.EmbeddingDimension
	if err := journals.EnsureCollection(ctx, dimension); err != nil {
		return fmt.Errorf("journal collection: %w", err)
	}
	if err := conversations.EnsureCollection(ctx, dimension); err != nil {
		return fmt.Errorf("conversation collection: %w", err)
	}

	summarizer := session.NewLLMSummarizer(llm, cfg.LLM.Routing.Summary)
	sessions := session.NewStore(cache, summarizer, cfg.Session.MaxContextTokens,
		log.New(log.Writer(), "[SESSION] ", log.LstdFlags))

	rt := router.New(llm, cfg.LLM.Routing.Router, log.New(log.Writer(), "[ROUTER] ", log.LstdFlags))
	retrieverOpts := retriever.Options{
		TradeLimit:  cfg.Retrieval.TradeLimit,
		JournalTopK: cfg.Retrieval.JournalTopK,
	}
	if cfg.Retrieval.ReferenceDate != "" {
		// validated at load time
		refDate, _ := time.Parse("2006-01-02", cfg.Retrieval.ReferenceDate)
		retrieverOpts.ReferenceDate = refDate
	}
	dataRetriever := retriever.New(st, journals, rt, retrieverOpts,
		log.New(log.Writer(), "[RETRIEVER] ", log.LstdFlags))

	assembler := contextbuild.New(conversations, log.New(log.Writer(), "[CONTEXT] ", log.LstdFlags))
	gen := generator.New(llm, cfg.LLM.Routing.Analysis, log.New(log.Writer(), "[LLM] ", log.LstdFlags))

	handler := &ChatHandler{
		Sessions:  sessions,
		Retriever: dataRetriever,
		Assembler: assembler,
		Generator: gen,
		Logger:    log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
	if cfg.Retrieval.ReferenceDate != "" {
		refDate, _ := time.Parse("2006-01-02", cfg.Retrieval.ReferenceDate)
		handler.Now = func() time.Time { return refDate }
	}
	handler.Register(e)

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":      "ok",
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
			"environment": cfg.General.Environment,
			"debug":       cfg.General.Debug,
			"postgres":    map[string]string{"dsn_masked": maskDSN(dsn)},
			"redis_addr":  cfg.Storage.Redis.Addr(),
			"qdrant_url":  cfg.Storage.Qdrant.URL,
			"models": map[string]interface{}{
				"router":              cfg.LLM.Routing.Router,
				"analysis":            cfg.LLM.Routing.Analysis,
				"summary":             cfg.LLM.Routing.Summary,
				"embedding":           cfg.LLM.Routing.Embedding,
				"embedding_dimension": dimension,
			},
		})
	})
	if cfg.Telemetry.Enabled {
		if port := cfg.Telemetry.MetricsPort; port > 0 {
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				maddr := fmt.Sprintf(":%d", port)
				log.Printf("metrics listening on %s", maddr)
				if err := http.ListenAndServe(maddr, mux); err != nil {
					log.Printf("metrics listener stopped: %v", err)
				}
			}()
		} else {
			e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
		}
	}

	if cfg.Archiver.Enabled {
		archiver := NewArchiver(cache, sessions, conversations,
			cfg.Archiver.Schedule, cfg.Archiver.IdleAfter,
			log.New(log.Writer(), "[ARCHIVER] ", log.LstdFlags))
		archiver.Start()
	}

	if addr == "" {
		addr = cfg.Server.Address
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}

var dsnCredentials = regexp.MustCompile(`//[^@/]+@`)

// maskDSN hides credentials when the connection string is echoed by
// the health endpoint.
func maskDSN(dsn string) string {
	return dsnCredentials.ReplaceAllString(dsn, "//***:***@")
}
