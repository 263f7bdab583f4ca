package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/suPer8Hu/turn-gateway/internal/ai"
	"github.com/suPer8Hu/turn-gateway/internal/chat"
	"github.com/suPer8Hu/turn-gateway/internal/config"
	"github.com/suPer8Hu/turn-gateway/internal/db"
	"github.com/suPer8Hu/turn-gateway/internal/store/rabbitmq"
)

const (
	maxAttempts = 3
	retryDelay  = 30 * time.Second
)

type titleApplier interface {
	Apply(ctx context.Context, chatID, prompt string) (string, error)
}

type retrier interface {
	Retry(ctx context.Context, job rabbitmq.TitleJob, delay time.Duration) error
}

type outcome int

const (
	ack outcome = iota
	// reject dead-letters the delivery to the DLQ.
	reject
)

func workerConcurrency(n int) int {
	if n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	cfg := config.Load()
	if cfg.RabbitURL == "" {
		slog.Error("RABBIT_URL is required for the title worker")
		os.Exit(1)
	}

	gdb, err := db.Connect(cfg.DBDSN)
	if err != nil {
		slog.Error("db connect", "err", err)
		os.Exit(1)
	}
	if err := db.Migrate(gdb); err != nil {
		slog.Error("db migrate", "err", err)
		os.Exit(1)
	}
	repo := chat.NewRepo(gdb)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := ai.TitleProvider(ctx, ai.NewCatalog(cfg))
	if err != nil {
		slog.Error("title provider", "err", err)
		os.Exit(1)
	}
	gen := chat.NewTitleGenerator(provider, repo, nil, cfg.TitleTimeout)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		slog.Error("rabbit dial", "err", err)
		os.Exit(1)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		slog.Error("rabbit channel", "err", err)
		os.Exit(1)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitTitleQueue); err != nil {
		slog.Error("queue declare", "err", err)
		os.Exit(1)
	}

	pubCh, err := conn.Channel()
	if err != nil {
		slog.Error("rabbit publish channel", "err", err)
		os.Exit(1)
	}
	pub := rabbitmq.NewPublisherOnChannel(pubCh, cfg.RabbitTitleQueue)
	defer pub.Close()

	// strict concurrency control
	concurrency := workerConcurrency(cfg.WorkerConcurrency)
	if err := ch.Qos(concurrency, 0, false); err != nil {
		slog.Error("qos", "err", err)
		os.Exit(1)
	}

	msgs, err := ch.Consume(cfg.RabbitTitleQueue, "", false, false, false, false, nil)
	if err != nil {
		slog.Error("consume", "err", err)
		os.Exit(1)
	}

	slog.Info("title worker started", "queue", cfg.RabbitTitleQueue, "concurrency", concurrency)

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				switch handle(ctx, gen, pub, d.Body, cfg.TitleTimeout) {
				case ack:
					if err := d.Ack(false); err != nil {
						slog.Warn("ack failed", "worker", workerID, "err", err)
					}
				case reject:
					_ = d.Nack(false, false)
				}
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			slog.Info("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				slog.Warn("delivery channel closed")
				close(jobs)
				wg.Wait()
				return
			}
			jobs <- d
		}
	}
}

// handle generates one title within timeout. A failed attempt is parked on
// the retry queue until maxAttempts is reached, then dead-lettered.
func handle(ctx context.Context, gen titleApplier, retry retrier, body []byte, timeout time.Duration) outcome {
	job, err := rabbitmq.DecodeTitleJob(body)
	if err != nil {
		slog.Warn("bad title job", "err", err)
		return reject
	}

	start := time.Now()
	actx, cancel := context.WithTimeout(ctx, timeout)
	title, err := gen.Apply(actx, job.ChatID, job.Prompt)
	cancel()
	if err == nil {
		slog.Info("title stored", "chat_id", job.ChatID, "title", title, "cost", time.Since(start))
		return ack
	}

	slog.Warn("title job failed", "chat_id", job.ChatID, "attempt", job.Attempt, "cost", time.Since(start), "err", err)
	if job.Attempt+1 >= maxAttempts {
		return reject
	}
	if err := retry.Retry(ctx, job, retryDelay); err != nil {
		slog.Error("title job retry publish failed", "chat_id", job.ChatID, "err", err)
		return reject
	}
	return ack
}
