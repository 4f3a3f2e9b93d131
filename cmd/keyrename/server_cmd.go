package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/keyrename"
	"pkt.systems/keyrename/internal/protocol"
	"pkt.systems/keyrename/internal/svcfields"
	"pkt.systems/pslog"
)

func addStateFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("store", keyrename.DefaultStore, "state backend URL (mem://, disk:///path, s3://host[:port]/bucket, aws://bucket/prefix, azure://account/container)")
	flags.String("state-namespace", "", "namespace of the coordinator record object")
	flags.String("state-key", "", "key of the coordinator record object")
	flags.String("key-file", "", "kryptograf key bundle sealing the coordinator record (see keys init)")
	flags.Int("storage-retry-attempts", keyrename.DefaultStorageRetryMaxAttempts, "maximum storage retry attempts")
	flags.Duration("storage-retry-base-delay", keyrename.DefaultStorageRetryBaseDelay, "initial backoff for storage retries")
	flags.Duration("storage-retry-max-delay", keyrename.DefaultStorageRetryMaxDelay, "maximum backoff delay for storage retries")
	flags.Float64("storage-retry-multiplier", keyrename.DefaultStorageRetryMultiplier, "backoff multiplier for storage retries")
	flags.String("s3-access-key-id", "", "S3 access key (or KEYRENAME_S3_ACCESS_KEY_ID)")
	flags.String("s3-secret-access-key", "", "S3 secret key (or KEYRENAME_S3_SECRET_ACCESS_KEY)")
	flags.String("s3-session-token", "", "S3 session token")
	flags.String("aws-region", "", "AWS region for aws:// backends")
	flags.String("azure-account", "", "Azure Storage account (defaults to the azure:// host)")
	flags.String("azure-key", "", "Azure Storage account key (or KEYRENAME_AZURE_ACCOUNT_KEY)")
	flags.String("azure-sas-token", "", "Azure SAS token (alternative to the account key)")
	flags.String("azure-endpoint", "", "Azure Blob service endpoint override")
}

func stateConfig(s *settings) keyrename.CoordinatorConfig {
	return keyrename.CoordinatorConfig{
		Store:                   s.String("store"),
		StateNamespace:          s.String("state-namespace"),
		StateKey:                s.String("state-key"),
		KeyFile:                 s.String("key-file"),
		StorageRetryMaxAttempts: s.Int("storage-retry-attempts"),
		StorageRetryBaseDelay:   s.Duration("storage-retry-base-delay"),
		StorageRetryMaxDelay:    s.Duration("storage-retry-max-delay"),
		StorageRetryMultiplier:  s.Float64("storage-retry-multiplier"),
		S3AccessKeyID:           s.String("s3-access-key-id"),
		S3SecretAccessKey:       s.String("s3-secret-access-key"),
		S3SessionToken:          s.String("s3-session-token"),
		AWSRegion:               s.String("aws-region"),
		AzureAccount:            s.String("azure-account"),
		AzureAccountKey:         s.String("azure-key"),
		AzureSASToken:           s.String("azure-sas-token"),
		AzureEndpoint:           s.String("azure-endpoint"),
	}
}

func addServerFlags(cmd *cobra.Command, listen string) {
	flags := cmd.Flags()
	flags.String("listen", listen, "listen address")
	flags.String("metrics-listen", "", "Prometheus scrape endpoint (empty disables)")
	flags.String("pprof-listen", "", "debug/pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "export Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Duration("shutdown-timeout", keyrename.DefaultShutdownTimeout, "graceful shutdown timeout")
	flags.Uint32("http2-max-concurrent-streams", keyrename.DefaultMaxConcurrentStreams, "maximum concurrent HTTP/2 streams per connection")
}

func newCoordinatorCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Run the rename coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			s, err := loadSettings(cmd, "coordinator")
			if err != nil {
				return err
			}
			cfg, err := coordinatorConfig(s)
			if err != nil {
				return err
			}
			logger := s.logger(baseLogger, "coordinator")
			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to keyrename",
				"role", "coordinator",
				"pid", os.Getpid(),
				"replicas", len(cfg.Replicas),
				"store", cfg.Store,
			)
			srv, err := keyrename.NewCoordinatorServer(cmd.Context(), cfg, keyrename.WithLogger(logger))
			if err != nil {
				return err
			}
			return serveUntilDone(cmd.Context(), srv, cfg.ShutdownTimeout, svcfields.WithSubsystem(logger, "cli.coordinator"))
		},
	}
	addServerFlags(cmd, keyrename.DefaultCoordinatorListen)
	addStateFlags(cmd)
	flags := cmd.Flags()
	flags.StringSlice("replicas", nil, "participating replicas as id=url (repeatable or comma separated)")
	flags.Bool("auto-begin", false, "start a rename as soon as the coordinator boots idle")
	flags.Duration("retransmit-interval", keyrename.DefaultRetransmitInterval, "interval between retransmissions of unacknowledged requests")
	flags.Int("send-concurrency", keyrename.DefaultSendConcurrency, "parallel requests per broadcast")
	flags.Duration("request-timeout", keyrename.DefaultRequestTimeout, "timeout of one replica request")
	flags.Int("send-attempts", keyrename.DefaultSendAttempts, "delivery attempts per request before leaving it to retransmission")
	return cmd
}

func coordinatorConfig(s *settings) (keyrename.CoordinatorConfig, error) {
	replicas, err := keyrename.ParseReplicaEndpoints(s.Strings("replicas"))
	if err != nil {
		return keyrename.CoordinatorConfig{}, err
	}
	cfg := stateConfig(s)
	cfg.Listen = s.String("listen")
	cfg.Replicas = replicas
	cfg.AutoBegin = s.Bool("auto-begin")
	cfg.RetransmitInterval = s.Duration("retransmit-interval")
	cfg.SendConcurrency = s.Int("send-concurrency")
	cfg.RequestTimeout = s.Duration("request-timeout")
	cfg.SendAttempts = s.Int("send-attempts")
	cfg.MetricsListen = s.String("metrics-listen")
	cfg.PprofListen = s.String("pprof-listen")
	cfg.EnableProfilingMetrics = s.Bool("enable-profiling-metrics")
	cfg.OTLPEndpoint = s.String("otlp-endpoint")
	cfg.ShutdownTimeout = s.Duration("shutdown-timeout")
	cfg.MaxConcurrentStreams = uint32(s.Uint64("http2-max-concurrent-streams"))
	return cfg, nil
}

func newReplicaCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replica",
		Short: "Run one key-value store replica",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			s, err := loadSettings(cmd, "replica")
			if err != nil {
				return err
			}
			cfg, err := replicaConfig(s)
			if err != nil {
				return err
			}
			logger := s.logger(baseLogger, "replica")
			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to keyrename",
				"role", "replica",
				"pid", os.Getpid(),
				"store_id", uint32(cfg.ID),
				"data_dir", cfg.DataDir,
				"value_log_size", humanizeBytes(cfg.ValueLogFileSize),
			)
			srv, err := keyrename.NewReplicaServer(cmd.Context(), cfg, keyrename.WithLogger(logger))
			if err != nil {
				return err
			}
			return serveUntilDone(cmd.Context(), srv, cfg.ShutdownTimeout, svcfields.WithSubsystem(logger, "cli.replica"))
		},
	}
	addServerFlags(cmd, keyrename.DefaultReplicaListen)
	flags := cmd.Flags()
	flags.Uint32("id", 0, "store id the coordinator addresses this replica by")
	flags.String("data-dir", "", "badger data directory (empty keeps data in memory)")
	flags.Bool("sync-writes", true, "fsync every badger commit")
	flags.String("value-log-size", humanizeBytes(keyrename.DefaultBadgerValueLogSize), "maximum badger value log file size")
	flags.String("key", keyrename.DefaultKey, "key being renamed")
	flags.String("renamed-key", keyrename.DefaultRenamedKey, "name the key is renamed to")
	flags.String("fence-mode", "epoch-stage", "stale request rule (epoch-stage or txn-only)")
	flags.String("seed", "", "initial value written under --key when neither name exists")
	return cmd
}

func replicaConfig(s *settings) (keyrename.ReplicaConfig, error) {
	id := s.Uint64("id")
	if id > uint64(^uint32(0)) {
		return keyrename.ReplicaConfig{}, errors.New("replica id out of range: " + strconv.FormatUint(id, 10))
	}
	valueLog, err := s.Bytes("value-log-size")
	if err != nil {
		return keyrename.ReplicaConfig{}, err
	}
	cfg := keyrename.ReplicaConfig{
		Listen:                 s.String("listen"),
		ID:                     protocol.StoreID(id),
		DataDir:                s.String("data-dir"),
		SyncWrites:             s.Bool("sync-writes"),
		ValueLogFileSize:       valueLog,
		Key:                    s.String("key"),
		RenamedKey:             s.String("renamed-key"),
		FenceMode:              s.String("fence-mode"),
		MetricsListen:          s.String("metrics-listen"),
		PprofListen:            s.String("pprof-listen"),
		EnableProfilingMetrics: s.Bool("enable-profiling-metrics"),
		OTLPEndpoint:           s.String("otlp-endpoint"),
		ShutdownTimeout:        s.Duration("shutdown-timeout"),
		MaxConcurrentStreams:   uint32(s.Uint64("http2-max-concurrent-streams")),
	}
	if seed := s.v.GetString(s.key("seed")); seed != "" {
		cfg.Seed = []byte(seed)
	}
	if cfg.DataDir != "" {
		dir, err := expandPath(cfg.DataDir)
		if err != nil {
			return keyrename.ReplicaConfig{}, err
		}
		cfg.DataDir = dir
	}
	return cfg, nil
}

// serveUntilDone runs srv until ctx ends or the server stops on its own.
func serveUntilDone(ctx context.Context, srv keyrename.Starter, timeout time.Duration, logger pslog.Logger) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
