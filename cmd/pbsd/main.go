/*
 * Copyright 2026 The Pakfire Build Service Authors
 * See LICENSE file for licensing details.
 *
 * Package main starts the Pakfire build service.
 *
 * The service connects to the database and the message broker, consumes
 * accepted source uploads, dispatches jobs to builders over a REST API, and
 * runs the periodic maintenance sweeps.
 */

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ipfire/pbs/internal/database"
	"github.com/ipfire/pbs/internal/dispatch"
	"github.com/ipfire/pbs/internal/engine"
	"github.com/ipfire/pbs/internal/intake"
	"github.com/ipfire/pbs/internal/notify"
	"github.com/ipfire/pbs/internal/queue"
	"github.com/ipfire/pbs/internal/resolver"
	"github.com/ipfire/pbs/internal/scheduler"
	"github.com/ipfire/pbs/internal/telemetry"
	"github.com/ipfire/pbs/internal/version"
)

const (
	dbUriEnvVar      = "PBS_DB_CONNECT_STRING"
	amqpUriEnvVar    = "PBS_AMQP_CONNECT_STRING"
	portEnvVar       = "PBS_PORT"
	adminTokenEnvVar = "PBS_ADMIN_TOKEN"
	resolverEnvVar   = "PBS_RESOLVER_COMMAND"
	serviceName      = "pakfire-build-service"
	shutdownTimeout  = 30 * time.Second

	watchdogInterval  = time.Minute
	resolveInterval   = time.Minute
	promotionInterval = 5 * time.Minute
)

type config struct {
	dbURI       string
	amqpURI     string
	port        string
	adminToken  string
	resolverCmd string
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "create-builder":
			handleCreateBuilder()
			return
		case "update-builder":
			handleUpdateBuilder()
			return
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := telemetry.Start(ctx, serviceName, version.String())
	if err != nil {
		log.Fatalf("failed to start telemetry: %v", err)
	}

	cfg := loadConfig()

	if err := database.Migrate(ctx, cfg.dbURI); err != nil {
		log.Fatalln("migrate failed:", err)
	}
	db, err := database.New(ctx, cfg.dbURI)
	if err != nil {
		log.Fatalln("failed to connect to db:", err)
	}

	var res resolver.Resolver = resolver.Always{}
	if cfg.resolverCmd != "" {
		parts := strings.Fields(cfg.resolverCmd)
		res = &resolver.Command{Path: parts[0], Args: parts[1:]}
	}

	producer := queue.NewAmqpProducer(cfg.amqpURI, queue.NotifyQueueName())
	notifier := notify.NewQueue(producer)

	policy := engine.DefaultPolicy()
	eng := engine.New(db, res, notifier, policy)

	metrics := dispatch.NewMetrics(db, policy.OnlineThreshold)
	intakeMetrics := intake.NewMetrics()

	amqpConsumer := queue.NewAmqpConsumer(cfg.amqpURI, queue.IntakeQueueConfig())
	consumer := intake.NewConsumer(amqpConsumer, eng, intakeMetrics)

	var consumerWg sync.WaitGroup
	consumerWg.Add(1)
	go func() {
		defer consumerWg.Done()
		if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Fatalf("AMQP consumer error: %v", err)
		}
	}()

	sched := scheduler.New()
	sched.Add(scheduler.Event{
		Name:     "watchdog",
		Interval: watchdogInterval,
		Priority: 2,
		Timeout:  watchdogInterval,
		Run:      eng.WatchdogSweep,
	})
	sched.Add(scheduler.Event{
		Name:     "resolve-new-jobs",
		Interval: resolveInterval,
		Priority: 1,
		Timeout:  resolveInterval,
		Run:      eng.ResolveNewJobs,
	})
	sched.Add(scheduler.Event{
		Name:     "promotion",
		Interval: promotionInterval,
		Timeout:  promotionInterval,
		Run:      eng.PromotionSweep,
	})

	var schedulerWg sync.WaitGroup
	schedulerWg.Add(1)
	go func() {
		defer schedulerWg.Done()
		if err := sched.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("scheduler error: %v", err)
		}
	}()

	handler := dispatch.NewServer(db, db, db, eng, metrics, cfg.adminToken)
	server := &http.Server{
		Addr:    ":" + cfg.port,
		Handler: otelhttp.NewHandler(handler, "pbs-api", otelhttp.WithServerName("pbs")),
	}

	go func() {
		log.Println("Starting build service API server on port", cfg.port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutdown signal received, starting graceful shutdown...")

	shutdown(server, consumer, &consumerWg, &schedulerWg, producer, db)
	log.Println("Graceful shutdown complete")
}

func loadConfig() config {
	cfg := config{}
	var found bool

	cfg.dbURI, found = os.LookupEnv(dbUriEnvVar)
	if !found {
		log.Fatalln(dbUriEnvVar, "environment variable not set.")
	}

	cfg.amqpURI, found = os.LookupEnv(amqpUriEnvVar)
	if !found {
		log.Fatalln(amqpUriEnvVar, "environment variable not set.")
	}

	cfg.port, found = os.LookupEnv(portEnvVar)
	if !found {
		log.Fatalln(portEnvVar, "environment variable not set.")
	}

	cfg.adminToken, found = os.LookupEnv(adminTokenEnvVar)
	if !found {
		log.Fatalln(adminTokenEnvVar, "environment variable not set.")
	}
	if len(cfg.adminToken) < 20 {
		log.Fatalln(adminTokenEnvVar, "must be at least 20 characters long.")
	}

	cfg.resolverCmd = os.Getenv(resolverEnvVar)

	return cfg
}

func shutdown(server *http.Server, consumer *intake.Consumer, consumerWg, schedulerWg *sync.WaitGroup, producer *queue.AmqpProducer, db *database.Database) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	log.Println("Shutting down HTTP server...")
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	log.Println("Waiting for AMQP consumer to stop...")
	consumerWg.Wait()

	log.Println("Waiting for scheduler to stop...")
	schedulerWg.Wait()

	log.Println("Closing AMQP connections...")
	if err := consumer.Close(); err != nil {
		log.Printf("failed to close AMQP consumer: %v", err)
	}
	if err := producer.Close(); err != nil {
		log.Printf("failed to close AMQP producer: %v", err)
	}

	log.Println("Closing database connection...")
	db.Close()

	log.Println("Shutting down telemetry...")
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		log.Printf("failed to shutdown telemetry: %v", err)
	}
}

func handleCreateBuilder() {
	createCmd := flag.NewFlagSet("create-builder", flag.ExitOnError)
	name := createCmd.String("name", "", "Name of the builder to register")
	release := createCmd.Bool("build-release", false, "Allow the builder to run release builds")
	scratch := createCmd.Bool("build-scratch", false, "Allow the builder to run scratch builds")
	test := createCmd.Bool("build-test", false, "Allow the builder to run test builds")
	maxJobs := createCmd.Int("max-jobs", 1, "Number of jobs the builder runs in parallel")

	if err := createCmd.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}
	if *name == "" {
		log.Fatalln("--name is required")
	}

	ctx := context.Background()
	db := connectForCommand(ctx)
	defer db.Close()

	builder := &database.Builder{
		Name:         *name,
		Status:       database.BuilderDisabled,
		BuildRelease: *release,
		BuildScratch: *scratch,
		BuildTest:    *test,
		MaxJobs:      *maxJobs,
	}
	passphrase, err := db.CreateBuilder(ctx, builder)
	if err != nil {
		if errors.Is(err, database.ErrExist) {
			log.Fatalf("Builder '%s' already exists", *name)
		}
		log.Fatalf("Failed to create builder: %v", err)
	}

	fmt.Printf("Builder '%s' created.\n", *name)
	fmt.Printf("Passphrase (shown only once): %s\n", passphrase)
	fmt.Println("The builder is disabled; enable it with update-builder --enable.")
}

func handleUpdateBuilder() {
	updateCmd := flag.NewFlagSet("update-builder", flag.ExitOnError)
	name := updateCmd.String("name", "", "Name of the builder to update")
	enable := updateCmd.Bool("enable", false, "Enable the builder")
	disable := updateCmd.Bool("disable", false, "Disable the builder")
	remove := updateCmd.Bool("delete", false, "Delete the builder")

	if err := updateCmd.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}
	if *name == "" {
		log.Fatalln("--name is required")
	}

	var status database.BuilderStatus
	switch {
	case *enable && !*disable && !*remove:
		status = database.BuilderEnabled
	case *disable && !*enable && !*remove:
		status = database.BuilderDisabled
	case *remove && !*enable && !*disable:
		status = database.BuilderDeleted
	default:
		log.Fatalln("exactly one of --enable, --disable or --delete must be specified")
	}

	ctx := context.Background()
	db := connectForCommand(ctx)
	defer db.Close()

	if err := db.SetBuilderStatus(ctx, *name, status); err != nil {
		if errors.Is(err, database.ErrNotExist) {
			log.Fatalf("Builder '%s' not found", *name)
		}
		log.Fatalf("Failed to update builder: %v", err)
	}
	fmt.Printf("Builder '%s' is now %s\n", *name, status)
}

func connectForCommand(ctx context.Context) *database.Database {
	uri, found := os.LookupEnv(dbUriEnvVar)
	if !found {
		log.Fatalln(dbUriEnvVar, "environment variable not set.")
	}
	db, err := database.New(ctx, uri)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	return db
}
