// broadcastd consumes telemetry change events from Kafka and fans them out to
// websocket viewers with viewport filtering and catch-up.
// Set DATABASE_URL, KAFKA_BROKERS, and KAFKA_GROUP_ID. Group ids must be
// unique per instance so every instance sees the full change stream.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"payload-tracker/backend/internal/bus"
	"payload-tracker/backend/internal/config"
	"payload-tracker/backend/internal/db"
	"payload-tracker/backend/internal/platform/otel"
	"payload-tracker/backend/internal/room"
	"payload-tracker/backend/internal/room/catchup"
	"payload-tracker/backend/internal/server"
	telerepo "payload-tracker/backend/internal/telemetry/repository"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("broadcastd: DATABASE_URL is required")
	}
	brokers := cfg.KafkaBrokersList()
	if len(brokers) == 0 {
		log.Fatal("broadcastd: KAFKA_BROKERS is required")
	}
	if cfg.KafkaGroupID == "" {
		log.Fatal("broadcastd: KAFKA_GROUP_ID is required (unique per instance)")
	}

	providers, err := otel.NewProviders(context.Background(), cfg.OTLPEndpoint, "payload-tracker-broadcastd", cfg.OTLPInsecure)
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

	telemetry := telerepo.NewPostgresRepository(database)
	engine := catchup.NewEngine(telemetry, cfg.DefaultHorizon(), cfg.MaxHorizon())

	hub := room.NewHub(cfg.RoomSendBuffer)
	defer hub.Close()

	ws := room.NewServer(hub, engine, telemetry)

	sub := bus.NewKafkaSubscriber(brokers, cfg.ChangeTopic, cfg.KafkaGroupID)
	defer sub.Close()

	h := server.NewHandler(nil, nil, nil, nil, telemetry, database)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.NewRouter(h, ws),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("broadcastd: consuming %s (group %s)", cfg.ChangeTopic, cfg.KafkaGroupID)
		return sub.Run(ctx, hub.HandleEvent)
	})
	g.Go(func() error {
		log.Printf("broadcastd: listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Println("broadcastd: shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Fatalf("broadcastd: %v", err)
	}
	log.Println("broadcastd: stopped")
}
