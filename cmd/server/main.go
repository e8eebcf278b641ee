package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nadmax/taskrpc/internal/api"
	"github.com/nadmax/taskrpc/internal/config"
	"github.com/nadmax/taskrpc/internal/middleware"
	"github.com/nadmax/taskrpc/internal/project"
	"github.com/nadmax/taskrpc/internal/queue"
	"github.com/nadmax/taskrpc/internal/repository"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var repo repository.TaskRepository
	if cfg.Postgres.DSN != "" {
		pg, err := repository.NewPostgresTaskRepository(cfg.Postgres.DSN)
		if err != nil {
			log.Fatal(err)
		}

		defer func() {
			if err := pg.Close(); err != nil {
				log.Printf("failed to close Postgres repository: %v", err)
			}
		}()

		if err := pg.Migrate(ctx); err != nil {
			log.Fatal(err)
		}
		repo = pg
	} else {
		log.Printf("POSTGRES_DSN not set, run history disabled")
	}

	q, err := queue.NewQueue(cfg.Redis.Addr, repo)
	if err != nil {
		log.Fatal(err)
	}

	defer func() {
		if err := q.Close(); err != nil {
			log.Printf("failed to close server queue: %v", err)
		}
	}()

	projects, err := project.NewStore(cfg.Redis.Addr)
	if err != nil {
		log.Fatal(err)
	}

	defer func() {
		if err := projects.Close(); err != nil {
			log.Printf("failed to close project store: %v", err)
		}
	}()

	opts := []api.Option{
		api.WithProjects(projects),
		api.WithMaxUploadSize(cfg.MaxUploadBytes()),
	}
	if repo != nil {
		opts = append(opts, api.WithRepository(repo))
	}
	if len(cfg.Server.Actions) > 0 {
		opts = append(opts, api.WithActions(cfg.Server.Actions...))
	}

	apiHandler := api.NewAPI(q, opts...)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/", apiHandler)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           middleware.RequestID(middleware.MetricsMiddleware(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go startMetricsCollector(ctx, q, cfg.Server.MetricsInterval.Duration)

	go func() {
		<-ctx.Done()
		log.Println("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("failed to shut down server: %v", err)
		}
	}()

	log.Printf("Server starting on :%s", cfg.Server.Port)
	log.Printf("Connected to Pogocache at %s", cfg.Redis.Addr)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
