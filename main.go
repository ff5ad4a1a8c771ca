package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/tecmax-dev/sisvida-sub021/internal/api"
	"github.com/tecmax-dev/sisvida-sub021/internal/app"
	"github.com/tecmax-dev/sisvida-sub021/internal/config"
	"github.com/tecmax-dev/sisvida-sub021/internal/middleware"
)

func main() {
	cfg := config.Load()
	port := cfg.Port
	if port == "" {
		port = "8080"
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	ctx := context.Background()
	db, err := app.OpenDB(ctx, cfg)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	sqlDB, _ := db.DB()
	defer func() { _ = sqlDB.Close() }()
	if err := app.Migrate(ctx, db); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	svc, err := app.NewService(cfg, db)
	if err != nil {
		log.Fatalf("service: %v", err)
	}
	defer svc.Close()

	r := mux.NewRouter()
	h := &api.Handler{DB: db, Cfg: cfg, Messages: svc.Orchestrator}
	h.Register(r)

	chain := middleware.Recover(middleware.RequestID(middleware.Timeout(time.Duration(cfg.RequestTimeoutSec) * time.Second)(middleware.CORS(cfg.CORSOrigins)(r))))

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      chain,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: time.Duration(cfg.RequestTimeoutSec+5) * time.Second,
	}

	go func() {
		log.Printf("boleto webhook listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Println("boleto webhook stopped")
}
