package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nadmax/taskrpc/internal/config"
	"github.com/nadmax/taskrpc/internal/queue"
	"github.com/nadmax/taskrpc/internal/repository"
	"github.com/nadmax/taskrpc/internal/task"
	"github.com/nadmax/taskrpc/internal/worker"
	"github.com/nadmax/taskrpc/internal/worker/handlers"
)

var numericalActions = []string{
	task.ActionAutofit,
	task.ActionOptimize,
	task.ActionBOC,
	task.ActionGAOptimize,
	task.ActionReconcile,
}

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal(err)
	}

	var repo *repository.PostgresTaskRepository
	if cfg.Postgres.DSN != "" {
		repo, err = repository.NewPostgresTaskRepository(cfg.Postgres.DSN)
		if err != nil {
			log.Fatal(err)
		}

		defer func() {
			if err := repo.Close(); err != nil {
				log.Printf("failed to close Postgres repository: %v", err)
			}
		}()

		if err := repo.Migrate(context.Background()); err != nil {
			log.Fatal(err)
		}
	}

	var taskRepo repository.TaskRepository
	if repo != nil {
		taskRepo = repo
	}

	q, err := queue.NewQueue(cfg.Redis.Addr, taskRepo)
	if err != nil {
		log.Fatal(err)
	}

	defer func() {
		if err := q.Close(); err != nil {
			log.Printf("failed to close worker queue: %v", err)
		}
	}()

	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID = fmt.Sprintf("worker-%d", time.Now().Unix())
	}

	w := worker.NewWorker(workerID, q)
	w.SetPollInterval(cfg.Worker.PollInterval.Duration)

	step := handlers.Iterate(cfg.Worker.StepInterval.Duration)
	for _, action := range numericalActions {
		w.RegisterHandler(action, step)
	}

	if repo != nil {
		w.RegisterHandler(handlers.ActionRunReport, handlers.NewReportGenerator(repo.DB()).Handle)
	} else {
		log.Printf("POSTGRES_DSN not set, %s disabled", handlers.ActionRunReport)
	}

	if cfg.Email.Enabled() {
		notifier, err := handlers.NewEmailNotifier(cfg.Email.APIKey, cfg.Email.FromName, cfg.Email.FromAddress, cfg.Email.To)
		if err != nil {
			log.Fatal(err)
		}
		w.SetNotifier(notifier)
	}

	log.Printf("Worker %s handling actions: %v", workerID, w.Actions())

	go w.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down worker...")
	w.Stop()
}
