package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/mercutioviz/kast-web/internal/application"
	appaccess "github.com/mercutioviz/kast-web/internal/application/access"
	appai "github.com/mercutioviz/kast-web/internal/application/ai"
	appprofiles "github.com/mercutioviz/kast-web/internal/application/profiles"
	appscans "github.com/mercutioviz/kast-web/internal/application/scans"
	"github.com/mercutioviz/kast-web/internal/config"
	"github.com/mercutioviz/kast-web/internal/domain/analyst"
	"github.com/mercutioviz/kast-web/internal/domain/profiles"
	"github.com/mercutioviz/kast-web/internal/domain/scans"
	"github.com/mercutioviz/kast-web/internal/domain/shares"
	"github.com/mercutioviz/kast-web/internal/domain/users"
	aiclient "github.com/mercutioviz/kast-web/internal/infra/ai/openai"
	mysqlp "github.com/mercutioviz/kast-web/internal/infra/db/mysql"
	postgresp "github.com/mercutioviz/kast-web/internal/infra/db/postgres"
	kastrunner "github.com/mercutioviz/kast-web/internal/infra/executor/kast"
	"github.com/mercutioviz/kast-web/internal/infra/httpserver"
	minioStore "github.com/mercutioviz/kast-web/internal/infra/storage"
	"github.com/mercutioviz/kast-web/internal/middleware"
)

type repositories struct {
	scans    scans.Repository
	results  scans.ResultRepository
	shares   shares.Repository
	profiles profiles.Repository
	users    users.Repository
	analyses analyst.Repository
}

func main() {
	// path config.yaml
	path := "config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		path = v
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, repos, err := connectDB(ctx, cfg)
	if err != nil {
		log.Fatalf("database init error: %v", err)
	}
	defer db.Close()

	if err := os.MkdirAll(cfg.Kast.ResultsDir, 0o755); err != nil {
		log.Fatalf("results dir error: %v", err)
	}

	// optional report archive
	var archive scans.ArtifactStore
	if cfg.Minio.Enabled {
		store, err := minioStore.New(ctx,
			cfg.Minio.Endpoint,
			cfg.Minio.Region,
			cfg.Minio.BucketName,
			cfg.Minio.AccessKey,
			cfg.Minio.SecretKey,
			cfg.Minio.UseSSL,
		)
		if err != nil {
			log.Fatalf("minio init error: %v", err)
		}
		archive = store
	}

	runner := kastrunner.NewRunner(cfg.Kast.CLIPath)
	clock := application.SystemClock{}

	profilesSvc := appprofiles.New(repos.profiles)
	accessSvc := appaccess.New(repos.shares, clock)

	scansSvc := &appscans.Service{
		Repo:       repos.scans,
		Results:    repos.results,
		Shares:     repos.shares,
		Runner:     runner,
		Catalog:    runner,
		Config:     profilesSvc,
		Archive:    archive,
		Clock:      clock,
		ResultsDir: cfg.Kast.ResultsDir,
		Timeout:    cfg.ScanTimeout(),
	}

	var aiSvc *appai.Service
	if cfg.OpenAI.APIKey != "" {
		aiSvc = &appai.Service{
			Client:  aiclient.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.Model),
			Repo:    repos.analyses,
			Scans:   repos.scans,
			Results: repos.results,
			Clock:   clock,
		}
	}

	// Fail scans a previous process left running before accepting work.
	if n, err := scansSvc.RecoverOrphans(ctx); err != nil {
		log.Fatalf("orphan recovery error: %v", err)
	} else if n > 0 {
		log.Printf("orphan recovery: marked %d running scans as failed", n)
	}
	scansSvc.StartWorkers(ctx, cfg.Kast.Workers, cfg.Kast.QueueSize)
	if n, err := scansSvc.RequeuePending(ctx); err != nil {
		log.Printf("requeue pending error: %v", err)
	} else if n > 0 {
		log.Printf("requeued %d pending scans from before restart", n)
	}

	mux := chi.NewRouter()
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	mux.Use(middleware.LoggingMiddleware)
	mux.Use(middleware.MetricsMiddleware)
	mux.Use(middleware.APIKeyAuth(cfg.Auth.APIKeys, repos.users))
	mux.Use(middleware.RateLimitMiddleware(cfg.RateLimit.Capacity, cfg.RateLimit.RefillRate))

	mux.Get("/health", middleware.HealthHandler(map[string]middleware.HealthChecker{
		"database": &middleware.DatabaseHealthChecker{DB: db},
		"scanner":  &middleware.ScannerHealthChecker{CLIPath: cfg.Kast.CLIPath},
		"results":  &middleware.ResultsDirHealthChecker{Dir: cfg.Kast.ResultsDir},
	}))
	mux.Get("/ready", middleware.ReadinessHandler)
	mux.Get("/live", middleware.LivenessHandler)
	mux.Get("/metrics", middleware.MetricsHandler)

	mux.Mount("/", httpserver.NewRouter(scansSvc, accessSvc, profilesSvc, aiSvc))

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	// graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("shutting down server...")
	cancel() // stop workers; running CLI processes get killed via context

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if err := srv.Shutdown(ctx2); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

func connectDB(ctx context.Context, cfg *config.Config) (*sql.DB, repositories, error) {
	switch cfg.Database.Driver {
	case "postgres":
		conn, err := postgresp.Connect(ctx, cfg.PostgresDSN())
		if err != nil {
			return nil, repositories{}, err
		}
		if err := postgresp.Migrate(ctx, conn); err != nil {
			return nil, repositories{}, err
		}
		return conn, repositories{
			scans:    postgresp.NewScanRepository(conn),
			results:  postgresp.NewResultRepository(conn),
			shares:   postgresp.NewShareRepository(conn),
			profiles: postgresp.NewProfileRepository(conn),
			users:    postgresp.NewUserRepository(conn),
			analyses: postgresp.NewAnalystRepository(conn),
		}, nil
	case "mysql":
		conn, err := mysqlp.Connect(ctx, cfg.MySQLDSN())
		if err != nil {
			return nil, repositories{}, err
		}
		if err := mysqlp.Migrate(ctx, conn); err != nil {
			return nil, repositories{}, err
		}
		return conn, repositories{
			scans:    mysqlp.NewScanRepository(conn),
			results:  mysqlp.NewResultRepository(conn),
			shares:   mysqlp.NewShareRepository(conn),
			profiles: mysqlp.NewProfileRepository(conn),
			users:    mysqlp.NewUserRepository(conn),
			analyses: mysqlp.NewAnalystRepository(conn),
		}, nil
	default:
		return nil, repositories{}, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}
