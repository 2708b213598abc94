package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/journalyst/assistant/config"
	"github.com/journalyst/assistant/internal/helpers"
	"github.com/journalyst/assistant/internal/kv"
	srv "github.com/journalyst/assistant/internal/server"
	"github.com/journalyst/assistant/internal/vector"
	"github.com/journalyst/assistant/provider"
	"github.com/redis/go-redis/v9"
)

func main() {
	var cfgPath string
	var root = &cobra.Command{Use: "assistant"}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (JSON)")

	var serveAddr string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if serveAddr == "" {
				serveAddr = os.Getenv("JOURNALYST_HTTP_ADDR")
			}
			return srv.Run(cfgPath, serveAddr)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")

	var migDir string
	var direction string
	var steps int
	var migrate = &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			dsn := os.Getenv("DATABASE_URL")
			if dsn == "" {
				dsn = cfg.Storage.Postgres.DSN()
			}
			return srv.Migrate(migDir, dsn, direction, steps)
		},
	}
	migrate.Flags().StringVar(&migDir, "dir", "file://migrations", "migrations source (file://migrations)")
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")

	var seedFile string
	var seed = &cobra.Command{
		Use:   "seed",
		Short: "Load journal entries from a JSON fixture into the vector store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd.Context(), cfgPath, seedFile)
		},
	}
	seed.Flags().StringVar(&seedFile, "file", "fixtures/journals.json", "journal fixture JSON file")

	root.AddCommand(serve, migrate, seed)
	_ = root.Execute()
}

// seedEntry mirrors the journal export format: free-form HTML or plain text
// plus tags and an ISO timestamp.
type seedEntry struct {
	UserID    int64    `json:"user_id"`
	Text      string   `json:"text"`
	Tags      []string `json:"tags"`
	CreatedAt string   `json:"created_at"`
}

func runSeed(ctx context.Context, cfgPath, file string) error {
	cfg := config.LoadConfig(cfgPath)

	raw, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("reading fixture: %w", err)
	}
	var entries []seedEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("parsing fixture: %w", err)
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

	providerCfg := cfg.LLM.Providers[cfg.LLM.Routing.Provider]
	llm, err := provider.NewProvider(provider.Client(providerCfg.Type), provider.Options{
		APIKey:         providerCfg.APIKey,
		BaseURL:        providerCfg.BaseURL,
		EmbeddingModel: cfg.LLM.Routing.Embedding,
		Timeout:        providerCfg.Timeout,
	})
	if err != nil {
		return err
	}

	logger := log.New(log.Writer(), "[SEED] ", log.LstdFlags)
	qdrant := vector.NewClient(cfg.Storage.Qdrant.URL, cfg.Storage.Qdrant.Timeout, logger)
	embedder := vector.NewEmbedder(llm, cache, logger)
	journals := vector.NewJournalStore(qdrant, embedder, logger)
	if err := journals.EnsureCollection(ctx, cfg.LLM.Routing.EmbeddingDimension); err != nil {
		return fmt.Errorf("journal collection: %w", err)
	}

	var loaded int
	for _, entry := range entries {
		text := helpers.StripHTML(entry.Text)
		if text == "" {
			continue
		}
		id, err := journals.UpsertJournal(ctx, entry.UserID, text, entry.Tags, entry.CreatedAt)
		if err != nil {
			return fmt.Errorf("upserting journal for user %d: %w", entry.UserID, err)
		}
		logger.Printf("seeded journal %s (user %d, %d tags)", id, entry.UserID, len(entry.Tags))
		loaded++
	}
	logger.Printf("seed complete: %d/%d entries loaded", loaded, len(entries))
	return nil
}
