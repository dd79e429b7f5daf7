package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/parcelo/parcelobot/internal/agent"
	"github.com/parcelo/parcelobot/internal/ai"
	"github.com/parcelo/parcelobot/internal/chat"
	"github.com/parcelo/parcelobot/internal/config"
	"github.com/parcelo/parcelobot/internal/db"
	"github.com/parcelo/parcelobot/internal/httpapi"
	"github.com/parcelo/parcelobot/internal/idempotency"
	"github.com/parcelo/parcelobot/internal/luminous"
	"github.com/parcelo/parcelobot/internal/media"
	"github.com/parcelo/parcelobot/internal/notify"
	"github.com/parcelo/parcelobot/internal/prompt"
	"github.com/parcelo/parcelobot/internal/recall"
	"github.com/parcelo/parcelobot/internal/store/rabbitmq"
	"github.com/parcelo/parcelobot/internal/store/redisstore"
	"github.com/parcelo/parcelobot/internal/summary"
)

func newLogger(cfg config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}

func main() {
	cfg := config.Load()
	log := newLogger(cfg)

	gdb := db.Connect(cfg.DBDSN)
	models := chat.AllModels()
	models = append(models, &media.ChatMedia{})
	if err := gdb.AutoMigrate(models...); err != nil {
		log.WithError(err).Fatal("migrate failed")
	}

	rdsClient := redisstore.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	keys := redisstore.New(rdsClient, cfg.IdempotencyTTL)

	repo := chat.NewRepo(gdb)
	chats := chat.NewService(repo, log, cfg.SessionTTL)
	guard := idempotency.NewGuard(keys, repo, log)

	provider := ai.NewOpenAIProvider(cfg.AIBaseURL, cfg.AIAPIKey, cfg.ChatModel)

	var recaller prompt.Recaller
	var indexer agent.Indexer
	if cfg.EnableRecall && cfg.RecallLimit > 0 {
		embedder := ai.NewOpenAIEmbedder(cfg.AIBaseURL, cfg.AIAPIKey, cfg.EmbeddingsModel, cfg.EmbeddingsDimensions)
		engine := recall.NewEngine(repo, embedder, log,
			cfg.ChunkSizeTokens, cfg.ChunkOverlapTokens, cfg.MaxChunks,
			cfg.RecallLimit, cfg.RecallMinSim)
		recaller = engine
		indexer = engine
	}

	assembler := prompt.NewAssembler(repo, recaller, log,
		cfg.WindowSize, cfg.MaxPromptTokens, agent.DefaultPreamble)

	tools := agent.NewToolRegistry()
	agent.RegisterBackofficeTools(tools, agent.NewBackofficeClient(cfg.BackofficeAPIURL, cfg.ServiceSecret))
	router, err := agent.NewRouter(provider, tools, log)
	if err != nil {
		log.WithError(err).Fatal("router construction failed")
	}

	sender := luminous.NewClient(cfg.LuminousAPIURL, cfg.LuminousAPIKey)

	telegramToken := cfg.TelegramBotToken
	if !cfg.TelegramEnabled {
		telegramToken = ""
	}
	alerts := notify.NewTelegram(telegramToken, cfg.TelegramChatID, log)

	var mediaJobs agent.MediaPublisher
	if cfg.EnableMediaDownload {
		publisher, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitMediaQueue)
		if err != nil {
			log.WithError(err).Fatal("rabbitmq connect failed")
		}
		defer publisher.Close()
		mediaJobs = publisher
	}

	runner := agent.NewRunner(chats, chat.NewLockTable(), assembler, router,
		sender, alerts, indexer, mediaJobs, log, cfg.AgentTurnTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summarizer := summary.NewService(repo, provider, log,
		cfg.SummaryMessageThreshold, cfg.SummaryMaxInputTokens, cfg.WindowSize)
	go summary.NewRefresher(summarizer, log, cfg.SummaryRefreshInterval).Run(ctx)

	mediaSvc := media.NewService(gdb, sender, log,
		cfg.EnableMediaDownload, cfg.MediaStorageDir, cfg.MediaRetentionDays)
	go media.NewCleaner(mediaSvc, log, cfg.MediaCleanupInterval).Run(ctx)

	engine := httpapi.NewRouter(gdb, guard, runner, log)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: engine}

	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown incomplete")
	}
}
