package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/parcelo/parcelobot/internal/ai"
	"github.com/parcelo/parcelobot/internal/chat"
	"github.com/parcelo/parcelobot/internal/config"
	"github.com/parcelo/parcelobot/internal/db"
	"github.com/parcelo/parcelobot/internal/luminous"
	"github.com/parcelo/parcelobot/internal/media"
	"github.com/parcelo/parcelobot/internal/recall"
	"github.com/parcelo/parcelobot/internal/store/rabbitmq"
)

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

func main() {
	cfg := config.Load()
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	gdb := db.Connect(cfg.DBDSN)
	gateway := luminous.NewClient(cfg.LuminousAPIURL, cfg.LuminousAPIKey)
	repo := chat.NewRepo(gdb)
	mediaSvc := media.NewService(gdb, gateway, log,
		cfg.EnableMediaDownload, cfg.MediaStorageDir, cfg.MediaRetentionDays)

	var captioner media.Captioner
	if cfg.AIAPIKey != "" {
		captioner = ai.NewOpenAIProvider(cfg.AIBaseURL, cfg.AIAPIKey, cfg.ChatModel)
	}
	var indexer *recall.Engine
	if cfg.EnableRecall && cfg.RecallLimit > 0 {
		embedder := ai.NewOpenAIEmbedder(cfg.AIBaseURL, cfg.AIAPIKey, cfg.EmbeddingsModel, cfg.EmbeddingsDimensions)
		indexer = recall.NewEngine(repo, embedder, log,
			cfg.ChunkSizeTokens, cfg.ChunkOverlapTokens, cfg.MaxChunks,
			cfg.RecallLimit, cfg.RecallMinSim)
	}

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.WithError(err).Fatal("rabbit dial failed")
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.WithError(err).Fatal("rabbit channel failed")
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitMediaQueue); err != nil {
		log.WithError(err).Fatal("queue declare failed")
	}

	concurrency := workerConcurrency()
	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.WithError(err).Fatal("qos failed")
	}

	msgs, err := ch.Consume(cfg.RabbitMediaQueue, "", false, false, false, false, nil)
	if err != nil {
		log.WithError(err).Fatal("consume failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(logrus.Fields{
		"queue":       cfg.RabbitMediaQueue,
		"concurrency": concurrency,
	}).Info("media worker started")

	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				var job rabbitmq.MediaJob
				if err := json.Unmarshal(d.Body, &job); err != nil || job.MessageID == "" || job.MediaID == "" {
					log.WithField("worker", workerID).WithError(err).Warn("bad media job")
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				if err := handleJob(ctx, mediaSvc, repo, captioner, indexer, log, job); err != nil {
					if errors.Is(err, media.ErrDisabled) {
						// downloads switched off after publish; drop quietly
						_ = d.Ack(false)
						continue
					}
					log.WithFields(logrus.Fields{
						"worker":     workerID,
						"message_id": job.MessageID,
						"media_id":   job.MediaID,
						"cost":       time.Since(start).String(),
					}).WithError(err).Warn("media job failed")
					_ = d.Nack(false, false)
					continue
				}
				if err := d.Ack(false); err != nil {
					log.WithField("worker", workerID).WithError(err).Warn("ack failed")
				}
			}
		}(i)
	}

	for {
		select {
		case <-ctx.Done():
			log.Info("media worker shutting down")
			close(jobs)
			wg.Wait()
			return
		case d, ok := <-msgs:
			if !ok {
				log.Warn("delivery channel closed")
				time.Sleep(time.Second)
				continue
			}
			jobs <- d
		}
	}
}

// handleJob downloads the attachment, then captions images and re-embeds
// the owning message so its content is searchable. The download is the
// only step worth a retry; caption failures leave the stored object as is.
func handleJob(ctx context.Context, svc *media.Service, repo *chat.Repo, captioner media.Captioner, indexer *recall.Engine, log *logrus.Logger, job rabbitmq.MediaJob) error {
	m, err := svc.Download(ctx, job.MessageID, job.MediaID, job.MIMEType)
	if err != nil {
		return err
	}
	if captioner == nil || !strings.HasPrefix(job.MIMEType, "image/") {
		return nil
	}

	caption, err := svc.ProcessCaption(ctx, captioner, m)
	if err != nil {
		log.WithError(err).WithField("message_id", job.MessageID).Warn("caption failed")
		return nil
	}
	if caption == "" || indexer == nil {
		return nil
	}

	msg, err := repo.GetMessage(ctx, job.MessageID)
	if err != nil {
		log.WithError(err).WithField("message_id", job.MessageID).Warn("reload message failed")
		return nil
	}
	if err := indexer.IndexMessage(ctx, msg); err != nil {
		log.WithError(err).WithField("message_id", job.MessageID).Warn("re-embed failed")
	}
	return nil
}
