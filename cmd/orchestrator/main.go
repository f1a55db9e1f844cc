// Command orchestrator is the checkout saga orchestrator's single process:
// it hosts the Admission API, the consume-apply-persist runtime, and the
// stage-timeout reaper side by side, wired the way the teacher's cmd/main.go
// wires its own services (numbered sections, retry-on-connect, graceful
// shutdown on SIGINT/SIGTERM).
package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"checkoutsaga/api"
	"checkoutsaga/domain/saga"
	"checkoutsaga/infrastructure/bus"
	"checkoutsaga/infrastructure/pricing"
	"checkoutsaga/infrastructure/sagastore"
	"checkoutsaga/internal/config"
	"checkoutsaga/orchestrator"
	"checkoutsaga/pkg/logging"
	"checkoutsaga/pkg/metrics"
	pkguuid "checkoutsaga/pkg/uuid"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Config is fatal before a logger even exists (§7 FatalConfigError).
		println("checkout-orchestrator: " + err.Error())
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel)
	log.Info("🚀 starting checkout saga orchestrator")

	// =====================================================
	// 1. Store (Postgres with retry, or in-memory for local/test runs)
	// =====================================================
	var store sagastore.Store
	if cfg.UseInMemoryDB {
		store = sagastore.NewMemoryStore()
		log.Info("✅ using in-memory saga store")
	} else {
		db, err := connectPostgres(cfg.DatabaseURL, log)
		if err != nil {
			log.WithError(err).Fatal("❌ failed to connect to PostgreSQL")
		}
		defer db.Close()

		pg := sagastore.NewPostgresStore(db)
		bootstrapCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := pg.Bootstrap(bootstrapCtx); err != nil {
			cancel()
			log.WithError(err).Fatal("❌ failed to bootstrap sagas schema")
		}
		cancel()
		store = pg
		log.Info("✅ connected to PostgreSQL, sagas schema ready")
	}

	// =====================================================
	// 2. Bus gateway (Kafka with retry, or the in-process mock)
	// =====================================================
	var gateway bus.Gateway
	if cfg.MockKafka {
		gateway = bus.NewMockGateway()
		log.Info("✅ using in-process mock bus gateway")
	} else {
		kg, err := connectKafka(cfg.KafkaBootstrapServers, cfg.ConsumerGroupID, log)
		if err != nil {
			log.WithError(err).Fatal("❌ failed to connect to Kafka")
		}
		gateway = kg
		log.Info("✅ connected to Kafka")
	}
	defer gateway.Close()

	// =====================================================
	// 3. Metrics, Pricing client (C4), Engine (C5)
	// =====================================================
	m := metrics.New()
	pricingClient := pricing.NewClient(cfg.DiscountEngineURL, cfg.TaxCalculationURL, cfg.PricingHTTPTimeout, m)
	engine := saga.NewEngine(pricingClient, pkguuid.New, saga.Config{MaxPricingRetries: cfg.PricingMaxRetries})
	log.Info("✅ metrics, pricing client, and saga engine initialized")

	// =====================================================
	// 4. Runtime (C6) and reaper
	// =====================================================
	runtime := orchestrator.NewRuntime(store, gateway, engine, log, m)
	reaper := orchestrator.NewReaper(store, gateway, log, m, cfg.ReaperPollInterval, cfg.StageTimeout, cfg.CompensationDeadline, pkguuid.New)
	log.Info("✅ runtime and reaper initialized")

	// =====================================================
	// 5. Admission API (C7)
	// =====================================================
	handler := api.NewHandler(store, gateway, pkguuid.New, log, m)
	router := api.NewRouter(handler, m.Registry)
	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}
	log.WithField("addr", cfg.HTTPAddr).Info("✅ HTTP server configured")

	// =====================================================
	// 6. Start background workers
	// =====================================================
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		log.Info("🔄 starting orchestrator runtime")
		if err := runtime.Start(ctx); err != nil {
			log.WithError(err).Error("❌ orchestrator runtime stopped with error")
		}
	}()

	go func() {
		log.Info("🔄 starting stage-timeout reaper")
		if err := reaper.Start(ctx); err != nil {
			log.WithError(err).Error("❌ reaper stopped with error")
		}
	}()

	go func() {
		log.Info("🌐 starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("❌ HTTP server error")
		}
	}()

	// =====================================================
	// 7. Graceful shutdown
	// =====================================================
	log.Info("✅ all services started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info("🛑 shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("❌ HTTP server shutdown error")
	}

	cancel()
	log.Info("👋 goodbye")
}

// connectPostgres retries the initial connection up to 10 times, matching
// the teacher's cmd/main.go retry loop shape for Docker-Compose startup
// ordering.
func connectPostgres(dbURL string, log *logrus.Logger) (*sql.DB, error) {
	var db *sql.DB
	var err error

	for i := 0; i < 10; i++ {
		db, err = sql.Open("postgres", dbURL)
		if err == nil {
			if err = db.Ping(); err == nil {
				return db, nil
			}
			db.Close()
		}
		log.WithError(err).WithField("attempt", i+1).Warn("⏳ waiting for PostgreSQL")
		time.Sleep(2 * time.Second)
	}
	return nil, err
}

// connectKafka retries building the Sarama producer/consumer group, the
// Kafka analogue of the teacher's RabbitMQ retry loop.
func connectKafka(brokers []string, groupID string, log *logrus.Logger) (*bus.KafkaGateway, error) {
	var kg *bus.KafkaGateway
	var err error

	for i := 0; i < 10; i++ {
		kg, err = bus.NewKafkaGateway(brokers, groupID, log)
		if err == nil {
			return kg, nil
		}
		log.WithError(err).WithField("attempt", i+1).Warn("⏳ waiting for Kafka")
		time.Sleep(2 * time.Second)
	}
	return nil, err
}
