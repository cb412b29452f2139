package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/google/uuid"
	"github.com/morfien101/speech-q/pkg/config"
	"github.com/morfien101/speech-q/pkg/queue"
	"github.com/morfien101/speech-q/pkg/tables"
	log "github.com/sirupsen/logrus"
)

// Notes for the reader:
// Settings come from SPEECHQ_* variables (or a .env file) and can be
// overridden with flags. Store credentials come from the usual AWS or GCP
// environment depending on the backend.
// Current process:
// Start listening for signals
// Start gRPC server
// Join the speech queue
//   Keep the local view reconciled with the store (change feed + polling)
//   Heartbeat our entry and sweep stale entries left by dead participants
//   Push every status change to gRPC subscribers
// On shutdown release our entry (promoting the next participant if we held
// the slot) then stop grpc.
// gRPC grace will wait for 30 seconds before shutting down if there is a subscriber.

var version = "development"

func printVersion() {
	fmt.Println(version)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	backend := flag.String("backend", cfg.Backend, "The queue backend to use. Options: aws, gcp, memory")
	queueTableName := flag.String("queue-table", cfg.Table, "The queue storage name (DynamoDB table or Firestore collection).")
	queueName := flag.String("queue-name", cfg.QueueName, "The name of the queue to join.")
	clientName := flag.String("client", cfg.ClientID, "The unique identifier for this participant. Default of nothing will generate a uuid for you.")
	gcpProject := flag.String("gcp-project", cfg.GCPProject, "The GCP project ID to use when backend is gcp.")
	gcpDatabase := flag.String("gcp-database", cfg.GCPDatabase, "The Firestore database to use when backend is gcp.")
	maxActive := flag.Int("max-active", cfg.MaxActive, "How many participants may hold the speech slot at once.")
	createTable := flag.Bool("create-table", false, "Create the DynamoDB queue table if it does not exist.")
	host := flag.String("host", cfg.Host, "The host to listen on.")
	port := flag.Int("port", cfg.Port, "The port to listen on.")
	metricsAddr := flag.String("metrics-addr", cfg.MetricsAddr, "Address to serve Prometheus metrics on. Empty disables metrics.")
	logLevel := flag.String("log-level", cfg.LogLevel, "The log level to use. Options are: trace, debug, info, warn, error, fatal, panic")
	showVersion := flag.Bool("v", false, "Shows the version.")
	help := flag.Bool("h", false, "Shows the help message.")
	flag.Parse()

	if *help {
		flag.PrintDefaults()
		os.Exit(0)
	}

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		fmt.Println("Invalid log level")
		os.Exit(1)
	}
	log.SetLevel(level)

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	if *clientName == "" {
		*clientName = uuid.NewString()
	}

	cfg.Backend = *backend
	cfg.Table = *queueTableName
	cfg.QueueName = *queueName
	cfg.MaxActive = *maxActive
	cfg.Port = *port
	if err := cfg.Validate(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	if *backend != "memory" && *queueTableName == "" {
		fmt.Println("Queue table name is required.")
		os.Exit(1)
	}

	ctx := context.Background()
	log.WithFields(log.Fields{"queueName": *queueName, "clientName": *clientName}).Info("Starting queue manager...")

	if *createTable {
		if err := ensureTable(*backend, *queueTableName); err != nil {
			log.Fatalf("Failed to prepare queue table: %v", err)
		}
	}

	store, err := queue.NewStore(ctx, queue.StoreOptions{
		Backend:      *backend,
		Table:        *queueTableName,
		QueueName:    *queueName,
		GCPProject:   *gcpProject,
		GCPDatabase:  *gcpDatabase,
		PollInterval: cfg.PollInterval,
	})
	if err != nil {
		log.Fatalf("Failed to initialize queue backend: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithFields(log.Fields{"error": err}).Warn("Failed to close queue backend")
		}
	}()

	metrics := queue.NewMetrics("")
	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, metrics)
	}

	client := queue.NewClient(store, queue.StaticIdentity(*clientName),
		queue.WithMaxActive(*maxActive),
		queue.WithAverageJobDuration(cfg.AverageJobDuration),
		queue.WithPollInterval(cfg.PollInterval),
		queue.WithHeartbeatInterval(cfg.HeartbeatInterval),
		queue.WithStaleAfter(cfg.StaleAfter),
		queue.WithMetrics(metrics),
		queue.WithLogger(log.WithFields(log.Fields{"component": "queue", "queueName": *queueName})),
	)

	grpcStopChan := make(chan bool, 1)
	grpcErrChan := make(chan error, 1)
	shutdownRequest := make(chan bool, 1)

	qs := newQueueServer(shutdownRequest, *clientName)
	if err := qs.StartServer(*host, *port, grpcStopChan, grpcErrChan); err != nil {
		log.Fatalf("Failed to start gRPC server: %v", err)
	}

	runCtx, stopRun := context.WithCancel(ctx)
	go func() {
		if err := client.Run(runCtx); err != nil {
			log.WithFields(log.Fields{"error": err}).Error("Queue reconciliation stopped")
		}
	}()
	go publishStatus(runCtx, *clientName, client, qs)

	go func() {
		if err := joinQueue(runCtx, client); err != nil {
			log.Errorf("Failed to join the queue: %v", err)
			select {
			case shutdownRequest <- true:
			default:
			}
		}
	}()

	// Set up channel to receive OS signals
	signals := make(chan os.Signal, 1)
	// Notify the channel on SIGINT (Ctrl+C) and SIGTERM (termination signal)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-signals:
	case <-shutdownRequest:
	}
	log.Info("Received shutdown signal")
	stopRun()
	os.Exit(attemptCleanExit(ctx, client, grpcStopChan, grpcErrChan))
}

func ensureTable(backend, tableName string) error {
	switch backend {
	case "", "aws", "dynamodb":
	default:
		log.WithFields(log.Fields{"backend": backend}).Warn("-create-table only applies to the aws backend")
		return nil
	}
	sess := session.Must(session.NewSession())
	_, err := tables.EnsureQueueTable(dynamodb.New(sess), tableName)
	return err
}

func serveMetrics(addr string, metrics *queue.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	log.WithFields(log.Fields{"addr": addr}).Info("Serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithFields(log.Fields{"error": err}).Error("Metrics server stopped")
	}
}

// joinQueue asks for the slot, trying 3 times in case of network or
// throttling issues.
func joinQueue(ctx context.Context, client *queue.Client) error {
	log.Info("Create queue entry")
	for try := 0; try <= 3; try++ {
		if try == 3 {
			return fmt.Errorf("failed to create queue entry after 3 attempts")
		}
		acquired, err := client.TryAcquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Errorf("try %d - failed to create queue entry: %v", try, err)
			time.Sleep(3 * time.Second)
			continue
		}
		if acquired {
			log.Info("At front of queue!")
			return nil
		}
		break
	}

	if pos, ok := client.QueuePosition(); ok {
		log.WithFields(log.Fields{
			"position":      pos,
			"estimatedWait": client.EstimateTimeUntilSlot().String(),
		}).Info("Waiting in line...")
	}

	if err := client.WaitForTurn(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	log.Info("At front of queue!")
	return nil
}

func publishStatus(ctx context.Context, clientName string, client *queue.Client, qs *QueueServer) {
	for {
		changed := client.Changed()
		qs.Publish(statusOf(clientName, client))
		select {
		case <-ctx.Done():
			return
		case <-changed:
		}
	}
}

func attemptCleanExit(ctx context.Context, client *queue.Client, grpcStopChan chan bool, grpcErrChan chan error) int {
	exitCode := 0

	releaseCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	log.Info("Releasing queue entry")
	if err := client.Release(releaseCtx); err != nil {
		exitCode = 1
		log.Errorf("Failed to release queue slot: %v", err)
	} else {
		log.Info("Queue entry released successfully.")
	}

	// Stop the gRPC server and wait for it
	grpcStopChan <- true
	if err := <-grpcErrChan; err != nil {
		exitCode = 1
		log.Errorf("gRPC server error: %v", err)
	}

	return exitCode
}
