// Command embeddedtest checks that a message sent to a Kafka topic comes
// back out of it.
//
//	embeddedtest [probe]          one round trip, exit status 1 on failure
//	embeddedtest serve            long-running HTTP/websocket relay
//	embeddedtest hash-password    print a bcrypt hash for API_BASIC_PASSWORD_HASH
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"embeddedtest/api"
	"embeddedtest/auth"
	"embeddedtest/broker"
	"embeddedtest/config"
	"embeddedtest/kafka"
	"embeddedtest/logger"
	"embeddedtest/models"
	"embeddedtest/probe"
	"embeddedtest/store"
)

func main() {
	cmd := "probe"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	cfg := config.Load()
	if strings.EqualFold(cfg.LogLevel, "debug") {
		logger.SetDebug(true)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd {
	case "probe":
		_, err = probe.Run(ctx, cfg, cfg.ProbePayload)
	case "serve":
		err = serve(ctx, cfg)
	case "hash-password":
		err = hashPassword(os.Args[2:])
	default:
		err = fmt.Errorf("unknown command %q (want probe, serve or hash-password)", cmd)
	}
	if err != nil {
		logger.Error(cmd+" failed", err)
		stop()
		os.Exit(1)
	}
}

func hashPassword(args []string) error {
	pass := ""
	if len(args) > 0 {
		pass = args[0]
	} else {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read password: %w", err)
		}
		pass = strings.TrimRight(line, "\r\n")
	}
	if pass == "" {
		return errors.New("empty password")
	}
	h, err := auth.HashPassword(pass)
	if err != nil {
		return err
	}
	fmt.Println(h)
	return nil
}

func serve(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger.Info("starting application", logger.FieldKV("store", cfg.DeliveryStore), logger.FieldKV("embedded_broker", cfg.EmbeddedBroker))

	if cfg.EmbeddedBroker {
		b := broker.New(broker.Config{
			Addr:              cfg.KafkaBroker,
			Topics:            []string{cfg.Topic},
			DefaultPartitions: cfg.Partitions,
			AutoCreateTopics:  true,
		})
		if err := b.Start(ctx); err != nil {
			return fmt.Errorf("start embedded broker: %w", err)
		}
		defer b.Close()
		cfg.KafkaBroker = b.Addr()
	} else if err := kafka.EnsureTopic(ctx, cfg); err != nil {
		return err
	}

	repo, err := store.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open delivery store: %w", err)
	}
	defer repo.Close(context.Background())

	opts := api.Options{
		Repo:      repo,
		Validator: api.NewMessageValidator(cfg.SchemaPath),
		Topic:     cfg.Topic,
		MaxLen:    cfg.MessageMaxLength,
		BrokerCheck: func(ctx context.Context) error {
			_, err := kafka.ReadLag(ctx, cfg)
			return err
		},
	}
	if cfg.OIDCIssuer != "" {
		v, err := auth.NewVerifier(ctx, auth.OIDCConfig{
			Issuer:      cfg.OIDCIssuer,
			ClientID:    cfg.OIDCClientID,
			Audience:    cfg.OIDCAudience,
			CAFile:      cfg.OIDCCAFile,
			MaxAttempts: cfg.OIDCMaxAttempts,
		})
		if err != nil {
			return err
		}
		opts.Verifier = v
	}
	if cfg.BasicAuthUser != "" {
		opts.Passwords = auth.Basic{User: cfg.BasicAuthUser, Hash: cfg.BasicAuthHash}
	}

	producer := kafka.NewProducer(cfg)
	opts.Producer = producer
	opts.DeadLetter = producer.DeadLetter

	// Kafka consumer -> fan-out and persistence
	deliveries := make(chan models.Delivery, 64)
	opts.Deliveries = deliveries
	consumer := kafka.NewConsumer(cfg, nil)
	consumer.OnDelivery = func(d models.Delivery) {
		select {
		case deliveries <- d:
		case <-ctx.Done():
		}
	}
	consumed := make(chan error, 1)
	go func() {
		consumed <- consumer.Run(ctx)
		close(deliveries)
	}()

	srv := api.NewServer(opts)
	httpSrv := &http.Server{Addr: ":" + cfg.ApiPort, Handler: srv, ReadHeaderTimeout: 10 * time.Second}
	httpErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", logger.FieldKV("port", cfg.ApiPort))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	var health *api.HealthServer
	if cfg.GRPCPort != "" {
		ln, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			return fmt.Errorf("listen grpc health: %w", err)
		}
		health = api.NewHealthServer()
		go func() {
			if err := health.Serve(ln); err != nil {
				logger.Error("grpc health server error", err)
			}
		}()
		go api.WatchReadiness(ctx, health, srv.Ready, 5*time.Second)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-httpErr:
		logger.Error("http server error", runErr)
	case runErr = <-consumed:
		logger.Error("consumer stopped", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	if health != nil {
		health.Stop()
	}
	if err := producer.Close(); err != nil {
		logger.Error("close producer", err)
	}
	if err := consumer.Close(); err != nil {
		logger.Error("close consumer", err)
	}
	select {
	case <-srv.Done():
	case <-shutdownCtx.Done():
	}
	srv.Hub().CloseAll()
	logger.Info("shutdown complete")
	return runErr
}
