// Copyright the Apereo Foundation and each contributor to OAE.
// SPDX-License-Identifier: ECL-2.0

// The bbb-sync-helper service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	errKey            = "error"
	defaultListenPort = "8080"
	// gracefulShutdownSeconds should be higher than NATS client
	// request timeout, and lower than the pod or liveness probe's
	// terminationGracePeriodSeconds.
	gracefulShutdownSeconds = 25
)

var (
	logger      *slog.Logger
	cfg         *Config
	natsConn    *nats.Conn
	jsContext   jetstream.JetStream
	resourcesKV jetstream.KeyValue
	mappingsKV  jetstream.KeyValue
	bbb         *bbbClient
)

// init sets up a default logger so helpers can log before main configures the
// real one.
func init() {
	logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

// main parses optional flags and starts the NATS subscribers.
func main() {
	// Load configuration
	var err error
	cfg, err = LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	var debug = flag.Bool("d", false, "enable debug logging")
	var port = flag.String("p", cfg.Port, "health checks port")
	var bind = flag.String("bind", cfg.Bind, "interface to bind on")

	flag.Usage = func() {
		flag.PrintDefaults()
		os.Exit(2)
	}
	flag.Parse()

	logOptions := &slog.HandlerOptions{}

	// Optional debug logging.
	if cfg.Debug || *debug {
		logOptions.Level = slog.LevelDebug
		logOptions.AddSource = true
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, logOptions))
	slog.SetDefault(logger)

	// Support GET/POST monitoring "ping".
	http.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		// This always returns as long as the service is still running. As this
		// endpoint is expected to be used as a Kubernetes liveness check, this
		// service must likewise self-detect non-recoverable errors and
		// self-terminate.
		fmt.Fprintf(w, "OK\n")
	})

	// Basic health check.
	http.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if natsConn == nil {
			http.Error(w, "no NATS connection", http.StatusServiceUnavailable)
			return
		}
		if !natsConn.IsConnected() || natsConn.IsDraining() {
			http.Error(w, "NATS connection not ready", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintf(w, "OK\n")
	})

	// Add an http listener for health checks. This server does NOT participate
	// in the graceful shutdown process; we want it to stay up until the process
	// is killed, to avoid liveness checks failing during the graceful shutdown.
	var addr string
	if *bind == "*" {
		addr = ":" + *port
	} else {
		addr = *bind + ":" + *port
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           http.DefaultServeMux,
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() {
		err := httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			logger.With(errKey, err).Error("http listener error")
			os.Exit(1)
		}
	}()

	// Create a wait group which is used to wait while draining (gracefully
	// closing) a connection.
	gracefulCloseWG := sync.WaitGroup{}

	// Support graceful shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	// Parse the join token verification key.
	if err := loadJoinTokenKey(); err != nil {
		logger.With(errKey, err).Error("error loading join token key")
		os.Exit(1)
	}

	// Initialize the authenticated platform API client.
	if err := initPlatformClient(cfg); err != nil {
		logger.With(errKey, err).Error("error initializing platform client")
		os.Exit(1)
	}

	// Create the BBB API client.
	bbb = newBBBClient()

	// Create NATS connection.
	gracefulCloseWG.Add(1)
	natsConn, err = nats.Connect(
		cfg.NATSURL,
		nats.DrainTimeout(gracefulShutdownSeconds*time.Second),
		nats.ErrorHandler(func(_ *nats.Conn, s *nats.Subscription, err error) {
			if s != nil {
				logger.With(errKey, err, "subject", s.Subject, "queue", s.Queue).Error("async NATS error")
			} else {
				logger.With(errKey, err).Error("async NATS error outside subscription")
			}
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if ctx.Err() != nil {
				// If our parent background context has already been canceled, this is
				// a graceful shutdown. Decrement the wait group but do not exit, to
				// allow other graceful shutdown steps to complete.
				gracefulCloseWG.Done()
				return
			}
			// Otherwise, this handler means that max reconnect attempts have been
			// exhausted.
			logger.Error("NATS max-reconnects exhausted; connection closed")
			// Send a synthetic interrupt and give any graceful-shutdown tasks 5
			// seconds to clean up.
			done <- os.Interrupt
			time.Sleep(5 * time.Second)
			// Exit with an error instead of decrementing the wait group.
			os.Exit(1)
		}),
	)
	if err != nil {
		logger.With(errKey, err).Error("error creating NATS client")
		os.Exit(1)
	}

	// Create JetStream context
	jsContext, err = jetstream.New(natsConn)
	if err != nil {
		logger.With(errKey, err).Error("error creating JetStream context")
		os.Exit(1)
	}

	// Create KV bucket connection for synced meeting resources (from the
	// stream consumer)
	resourcesKV, err = jsContext.KeyValue(ctx, "meeting-resources")
	if err != nil {
		logger.With(errKey, err).Error("error accessing meeting-resources KV bucket")
		os.Exit(1)
	}

	// Create bbb-mappings KV bucket for storing sync state and caches
	mappingsKV, err = jsContext.KeyValue(ctx, "bbb-mappings")
	if err != nil {
		logger.With(errKey, err).Error("error accessing bbb-mappings KV bucket")
		os.Exit(1)
	}

	// Create or get the JetStream pull consumer for the meeting resources KV
	// bucket. This replaces the KV Watch() method to enable horizontal scaling.
	consumerName := "bbb-sync-helper-kv-consumer"
	streamName := "KV_meeting-resources"

	consumer, err := jsContext.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		DeliverPolicy: jetstream.DeliverLastPerSubjectPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: "$KV.meeting-resources.>",
		MaxDeliver:    3,
		AckWait:       30 * time.Second,
		MaxAckPending: 1000,
		Description:   "durable/shared KV bucket watcher for bbb-sync-helper pods",
	})
	if err != nil {
		logger.With(errKey, err, "consumer", consumerName, "stream", streamName).Error("error creating JetStream pull consumer")
		os.Exit(1)
	}

	// Start consuming KV updates using the JetStream consumer with error handling.
	kvConsumerCtx, err := consumer.Consume(kvMessageHandler, jetstream.ConsumeErrHandler(func(consCtx jetstream.ConsumeContext, err error) {
		logger.With(errKey, err).Error("KV consumer error encountered")
	}))
	if err != nil {
		logger.With(errKey, err, "consumer", consumerName).Error("error starting KV consumer")
		os.Exit(1)
	}
	defer kvConsumerCtx.Stop()

	// Subscribe to table change events from the meeting_streams stream
	ingestStreamName := "meeting_streams"
	ingestConsumerName := "bbb-sync-helper-ingest-consumer"

	// Create or get consumer for table stream events
	ingestConsumer, err := jsContext.CreateOrUpdateConsumer(ctx, ingestStreamName, jetstream.ConsumerConfig{
		Name:          ingestConsumerName,
		Durable:       ingestConsumerName,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: "meeting_streams.*",
		MaxDeliver:    3,
		AckWait:       30 * time.Second,
		MaxAckPending: 100,
		Description:   "table stream ingest consumer for bbb-sync-helper",
	})
	if err != nil {
		logger.With(errKey, err, "consumer", ingestConsumerName, "stream", ingestStreamName).Error("error creating ingest consumer")
		os.Exit(1)
	}

	// Start consuming table stream messages with error handling.
	ingestConsumerCtx, err := ingestConsumer.Consume(streamIngestHandler, jetstream.ConsumeErrHandler(func(consCtx jetstream.ConsumeContext, err error) {
		logger.With(errKey, err).Error("ingest consumer error encountered")
	}))
	if err != nil {
		logger.With(errKey, err, "consumer", ingestConsumerName).Error("error starting ingest consumer")
		os.Exit(1)
	}
	defer ingestConsumerCtx.Stop()

	// Subscribe to the meeting operation request subjects in a shared queue
	// group so each request is handled by exactly one replica.
	requestHandlers := map[string]nats.MsgHandler{
		BBBJoinSubject:              joinHandler,
		BBBInfoSubject:              infoHandler,
		BBBRunningSubject:           runningHandler,
		BBBEndSubject:               endHandler,
		BBBRecordingsSubject:        recordingsHandler,
		BBBPublishRecordingsSubject: manageRecordingsHandler,
		BBBDeleteRecordingsSubject:  manageRecordingsHandler,
		MappingLookupSubject:        lookupHandler,
		SearchTransformSubject:      transformHandler,
		SearchReindexSubject:        reindexAllHandler,
	}
	for subject, handler := range requestHandlers {
		if _, err := natsConn.QueueSubscribe(subject, requestQueue, handler); err != nil {
			logger.With(errKey, err, "subject", subject).Error("error subscribing to request subject")
			os.Exit(1)
		}
	}

	logger.Info("bbb-sync-helper started")

	// This next line blocks until SIGINT or SIGTERM is received, or NATS disconnects.
	<-done

	// Begin graceful shutdown process.
	logger.Debug("beginning graceful shutdown")

	// Drain consumers first (non-blocking) to mitigate "nats: connection
	// closed" errors in the ConsumeErrHandler.
	kvConsumerCtx.Drain()
	ingestConsumerCtx.Drain()

	// Cancel the background context.
	cancel()

	// Drain the connection, which will drain all remaining subscriptions, then
	// close the connection when complete (including the consumer draining).
	if !natsConn.IsClosed() && !natsConn.IsDraining() {
		logger.Info("draining NATS connection")
		if err := natsConn.Drain(); err != nil {
			logger.With(errKey, err).Error("error draining NATS connection")
			os.Exit(1)
		}
	}

	// Wait for the graceful shutdown steps to complete.
	logger.Debug("waiting for graceful shutdown steps to complete")
	gracefulCloseWG.Wait()
	logger.Debug("graceful shutdown steps completed")

	// Immediately close the HTTP server after graceful shutdown has finished.
	if err = httpServer.Close(); err != nil {
		logger.With(errKey, err).Error("http listener error on close")
	}
}
