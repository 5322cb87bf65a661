// ingestd serves the ingestion API: envelope submission, fusion, change
// publishing, task dispatch, and payload admin (rename, merge).
// Set DATABASE_URL; KAFKA_BROKERS enables change publishing and task dispatch.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"payload-tracker/backend/internal/bus"
	"payload-tracker/backend/internal/config"
	"payload-tracker/backend/internal/db"
	"payload-tracker/backend/internal/ingest"
	"payload-tracker/backend/internal/payload/cache"
	payloadrepo "payload-tracker/backend/internal/payload/repository"
	"payload-tracker/backend/internal/platform/otel"
	rawrepo "payload-tracker/backend/internal/rawmsg/repository"
	"payload-tracker/backend/internal/server"
	"payload-tracker/backend/internal/tasks"
	telerepo "payload-tracker/backend/internal/telemetry/repository"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("ingestd: DATABASE_URL is required")
	}

	providers, err := otel.NewProviders(context.Background(), cfg.OTLPEndpoint, "payload-tracker-ingestd", cfg.OTLPInsecure)
	if err != nil {
		log.Fatalf("otel: %v", err)
	}
	providers.SetGlobal()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = providers.Shutdown(ctx)
	}()

	database, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer database.Close()

	payloads := payloadrepo.NewPostgresRepository(database)
	raws := rawrepo.NewPostgresRepository(database)
	telemetry := telerepo.NewPostgresRepository(database)

	idents := cache.New()
	resolver := ingest.NewResolver(payloads, idents, cfg.CoalesceWindow())
	guard := &ingest.Guard{
		MaxSpeedKMH:   cfg.AnomalyMaxSpeedKMH,
		Corroboration: cfg.AnomalyCorroboration,
		AgreeRadiusKM: cfg.AnomalyAgreeRadiusKM,
	}

	var publisher bus.Publisher
	var dispatcher tasks.Dispatcher
	if brokers := cfg.KafkaBrokersList(); len(brokers) > 0 {
		kp := bus.NewKafkaPublisher(brokers, cfg.ChangeTopic, cfg.PublishAttemptTimeout())
		defer kp.Close()
		publisher = kp

		kd := tasks.NewKafkaDispatcher(brokers, cfg.TaskTopic, cfg.PublishAttemptTimeout())
		defer kd.Close()
		dispatcher = kd
	} else {
		log.Println("ingestd: KAFKA_BROKERS not set; change publishing and task dispatch disabled")
	}

	svc := ingest.NewService(resolver, raws, telemetry, guard,
		cfg.SourceAuthorityList(), publisher, dispatcher, cfg.PublishRetryBudget())

	h := server.NewHandler(svc, payloads, idents, raws, telemetry, database)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.NewRouter(h, nil),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("ingestd: listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("ingestd: shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("ingestd: shutdown: %v", err)
	}
	log.Println("ingestd: stopped")
}
