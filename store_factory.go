package keyrename

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/keyrename/internal/clock"
	"pkt.systems/keyrename/internal/cryptoutil"
	"pkt.systems/keyrename/internal/kvstore"
	"pkt.systems/keyrename/internal/statestore"
	"pkt.systems/keyrename/internal/storage"
	awsstore "pkt.systems/keyrename/internal/storage/aws"
	azurestore "pkt.systems/keyrename/internal/storage/azure"
	"pkt.systems/keyrename/internal/storage/disk"
	loggingbackend "pkt.systems/keyrename/internal/storage/logging"
	"pkt.systems/keyrename/internal/storage/memory"
	retrybackend "pkt.systems/keyrename/internal/storage/retry"
	"pkt.systems/keyrename/internal/storage/s3"
	"pkt.systems/keyrename/internal/svcfields"
	"pkt.systems/pslog"
)

// CredentialSummary says which object store credentials were picked and
// where they came from. It never carries the secret itself.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// storeURL is a parsed --store DSN.
type storeURL struct {
	*url.URL
	query url.Values
}

// parseStore parses dsn and, when scheme is set, insists on it.
func parseStore(dsn, scheme string) (storeURL, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return storeURL{}, fmt.Errorf("parse store URL: %w", err)
	}
	if scheme != "" && u.Scheme != scheme {
		return storeURL{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	return storeURL{URL: u, query: u.Query()}, nil
}

// param returns the trimmed query parameter, or fallback when absent.
func (s storeURL) param(name, fallback string) string {
	if v := strings.TrimSpace(s.query.Get(name)); v != "" {
		return v
	}
	return fallback
}

// flag parses a boolean query parameter. ok is false when it is absent or
// unparsable.
func (s storeURL) flag(name string) (value, ok bool) {
	v, err := strconv.ParseBool(s.query.Get(name))
	return v, err == nil
}

// container splits the path into its first segment and the remainder.
func (s storeURL) container() (name, prefix string) {
	name, prefix, _ = strings.Cut(strings.Trim(s.Path, "/"), "/")
	return strings.TrimSpace(name), strings.Trim(prefix, "/")
}

// BackendKind maps a store DSN to its backend family.
func BackendKind(dsn string) (string, error) {
	u, err := parseStore(dsn, "")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "", "mem", "memory":
		return "memory", nil
	case "disk", "s3", "aws", "azure":
		return u.Scheme, nil
	}
	return "", fmt.Errorf("store scheme %q not supported", u.Scheme)
}

type backendOpener func(context.Context, CoordinatorConfig) (storage.Backend, error)

var backendOpeners = map[string]backendOpener{
	"memory": func(context.Context, CoordinatorConfig) (storage.Backend, error) {
		return memory.New(), nil
	},
	"disk": func(_ context.Context, cfg CoordinatorConfig) (storage.Backend, error) {
		diskCfg, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, err
		}
		backend, err := disk.New(diskCfg)
		if err != nil {
			return nil, err
		}
		return backend, nil
	},
	"s3": func(ctx context.Context, cfg CoordinatorConfig) (storage.Backend, error) {
		s3cfg, _, err := BuildGenericS3Config(cfg)
		if err != nil {
			return nil, err
		}
		backend, err := s3.New(s3cfg)
		if err != nil {
			return nil, err
		}
		return backend, requireBucket(ctx, backend.BucketExists, s3cfg.Bucket)
	},
	"aws": func(ctx context.Context, cfg CoordinatorConfig) (storage.Backend, error) {
		awscfg, _, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, err
		}
		backend, err := awsstore.New(awscfg)
		if err != nil {
			return nil, err
		}
		return backend, requireBucket(ctx, backend.BucketExists, awscfg.Bucket)
	},
	"azure": func(ctx context.Context, cfg CoordinatorConfig) (storage.Backend, error) {
		azcfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, err
		}
		backend, err := azurestore.New(azcfg)
		if err != nil {
			return nil, err
		}
		return backend, backend.EnsureContainer(ctx)
	},
}

// OpenBackend opens the undecorated object backend named by cfg.Store.
func OpenBackend(ctx context.Context, cfg CoordinatorConfig) (storage.Backend, error) {
	kind, err := BackendKind(cfg.Store)
	if err != nil {
		return nil, err
	}
	backend, err := backendOpeners[kind](ctx, cfg)
	if err != nil {
		if backend != nil {
			_ = backend.Close()
		}
		return nil, err
	}
	return backend, nil
}

func requireBucket(ctx context.Context, exists func(context.Context) (bool, error), bucket string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	switch ok, err := exists(ctx); {
	case err != nil:
		return fmt.Errorf("object store connectivity check failed: %w", err)
	case !ok:
		return fmt.Errorf("object store bucket %s does not exist", bucket)
	}
	return nil
}

// StateStore is the coordinator's durable record together with the backend
// it owns.
type StateStore struct {
	*statestore.Object
	backend storage.Backend
}

// Close releases the backend.
func (s *StateStore) Close() error {
	if s == nil || s.backend == nil {
		return nil
	}
	return s.backend.Close()
}

// OpenStateStore opens the record named by cfg: the backend from cfg.Store
// behind retries and tracing, sealed with the kryptograf bundle in
// cfg.KeyFile when one is configured.
func OpenStateStore(ctx context.Context, cfg CoordinatorConfig, clk clock.Clock, logger pslog.Logger) (*StateStore, error) {
	kind, err := BackendKind(cfg.Store)
	if err != nil {
		return nil, err
	}
	crypto, err := loadCrypto(cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	raw, err := OpenBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	storeLogger := svcfields.WithSubsystem(logger, "coordinator.state")
	backend := loggingbackend.Wrap(retrybackend.Wrap(raw, storeLogger, clk, retrybackend.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	}), storeLogger, kind)
	obj, err := statestore.NewObject(statestore.ObjectConfig{
		Backend:   backend,
		Namespace: cfg.StateNamespace,
		Key:       cfg.StateKey,
		Crypto:    crypto,
		Clock:     clk,
		Logger:    storeLogger,
	})
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &StateStore{Object: obj, backend: backend}, nil
}

func loadCrypto(keyFile string) (*storage.Crypto, error) {
	if strings.TrimSpace(keyFile) == "" {
		return nil, nil
	}
	material, err := cryptoutil.LoadFile(keyFile, "")
	if err != nil {
		return nil, fmt.Errorf("config: load key file: %w", err)
	}
	return storage.NewCrypto(material.CryptoConfig())
}

// OpenKVStore opens a replica's local store: badger on DataDir, or
// in-memory badger when DataDir is empty.
func OpenKVStore(cfg ReplicaConfig, logger pslog.Logger) (*kvstore.Badger, error) {
	return kvstore.OpenBadger(kvstore.BadgerConfig{
		Dir:              cfg.DataDir,
		InMemory:         cfg.DataDir == "",
		SyncWrites:       cfg.SyncWrites,
		ValueLogFileSize: cfg.ValueLogFileSize,
		Logger:           logger,
	})
}

// BuildGenericS3Config reads s3://host[:port]/bucket[/prefix], the form
// used for MinIO and other S3-compatible services.
func BuildGenericS3Config(cfg CoordinatorConfig) (s3.Config, CredentialSummary, error) {
	u, err := parseStore(cfg.Store, "s3")
	if err != nil {
		return s3.Config{}, CredentialSummary{}, err
	}
	const shape = "(expected s3://host[:port]/bucket[/prefix])"
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, errors.New("s3 store missing host " + shape)
	}
	bucket, prefix := u.container()
	if bucket == "" {
		return s3.Config{}, CredentialSummary{}, errors.New("s3 store missing bucket " + shape)
	}
	secure := !strings.EqualFold(u.query.Get("scheme"), "http")
	if v, ok := u.flag("tls"); ok {
		secure = v
	}
	if v, ok := u.flag("insecure"); ok && v {
		secure = false
	}
	pathStyle, _ := u.flag("path-style")
	creds, summary, err := s3Credentials(cfg)
	if err != nil {
		return s3.Config{}, summary, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         u.param("region", ""),
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       !secure,
		ForcePathStyle: pathStyle,
		CustomCreds:    creds,
	}, summary, nil
}

// s3Credentials prefers explicit config, then the KEYRENAME_S3_* variables,
// and finally falls back to anonymous access.
func s3Credentials(cfg CoordinatorConfig) (*minioCredentials.Credentials, CredentialSummary, error) {
	access, secret, token := strings.TrimSpace(cfg.S3AccessKeyID), cfg.S3SecretAccessKey, cfg.S3SessionToken
	source := "config"
	if access == "" && secret == "" && token == "" {
		access = strings.TrimSpace(os.Getenv("KEYRENAME_S3_ACCESS_KEY_ID"))
		secret = os.Getenv("KEYRENAME_S3_SECRET_ACCESS_KEY")
		token = os.Getenv("KEYRENAME_S3_SESSION_TOKEN")
		source = "env:KEYRENAME_S3_ACCESS_KEY_ID"
	}
	if access == "" && secret == "" && token == "" {
		return minioCredentials.NewStaticV4("", "", ""), CredentialSummary{Source: "anonymous"}, nil
	}
	summary := CredentialSummary{AccessKey: access, HasSecret: secret != "", Source: source}
	if access == "" || secret == "" {
		return nil, summary, errors.New("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(access, secret, token), summary, nil
}

// BuildAWSConfig reads aws://bucket[/prefix]. Credentials come from the SDK
// default chain unless AWS_ACCESS_KEY_ID is set.
func BuildAWSConfig(cfg CoordinatorConfig) (awsstore.Config, CredentialSummary, error) {
	u, err := parseStore(cfg.Store, "aws")
	if err != nil {
		return awsstore.Config{}, CredentialSummary{}, err
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awsstore.Config{}, CredentialSummary{}, errors.New("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	region := u.param("region", strings.TrimSpace(cfg.AWSRegion))
	if region == "" {
		region = firstEnv("AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return awsstore.Config{}, CredentialSummary{}, errors.New("aws store requires region (set --aws-region or AWS_REGION)")
	}
	insecure, _ := u.flag("insecure")
	pathStyle, _ := u.flag("path-style")
	out := awsstore.Config{
		Endpoint:  u.param("endpoint", ""),
		Region:    region,
		Bucket:    bucket,
		Prefix:    strings.Trim(u.Path, "/"),
		Insecure:  insecure,
		PathStyle: pathStyle,
	}
	summary := CredentialSummary{Source: "auto"}
	switch access, profile := firstEnv("AWS_ACCESS_KEY_ID"), firstEnv("AWS_PROFILE"); {
	case access != "":
		out.AccessKeyID = access
		out.SecretAccessKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
		summary = CredentialSummary{AccessKey: access, HasSecret: out.SecretAccessKey != "", Source: "env:AWS_ACCESS_KEY_ID"}
	case profile != "":
		summary.Source = "profile:" + profile
	}
	return out, summary, nil
}

// BuildAzureConfig reads azure://account/container[/prefix]. A configured
// account beats the URL host; endpoint and SAS query parameters beat config.
// The environment fills whatever is still empty.
func BuildAzureConfig(cfg CoordinatorConfig) (azurestore.Config, error) {
	u, err := parseStore(cfg.Store, "azure")
	if err != nil {
		return azurestore.Config{}, err
	}
	account := strings.TrimSpace(cfg.AzureAccount)
	if account == "" {
		account = strings.TrimSpace(u.Host)
	}
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_ACCOUNT_NAME")
	}
	if account == "" {
		return azurestore.Config{}, errors.New("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	container, prefix := u.container()
	if container == "" {
		return azurestore.Config{}, errors.New("azure store missing container (expected azure://account/container[/prefix])")
	}
	accountKey := strings.TrimSpace(cfg.AzureAccountKey)
	if accountKey == "" {
		accountKey = firstEnv("KEYRENAME_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := u.param("sas", strings.TrimSpace(cfg.AzureSASToken))
	if sas == "" {
		sas = firstEnv("KEYRENAME_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: accountKey,
		Endpoint:   u.param("endpoint", strings.TrimSpace(cfg.AzureEndpoint)),
		SASToken:   sas,
		Container:  container,
		Prefix:     prefix,
	}, nil
}

// BuildDiskConfig reads disk:///path. disk://host/path is taken as
// /host/path.
func BuildDiskConfig(cfg CoordinatorConfig) (disk.Config, error) {
	u, err := parseStore(cfg.Store, "disk")
	if err != nil {
		return disk.Config{}, err
	}
	root := strings.TrimSpace(u.Path)
	if host := strings.TrimSpace(u.Host); host != "" {
		root = "/" + host + "/" + strings.TrimPrefix(root, "/")
	}
	if strings.Trim(root, "/") == "" {
		return disk.Config{}, errors.New("disk store path required (e.g. disk:///var/lib/keyrename)")
	}
	return disk.Config{Root: filepath.Clean(root)}, nil
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}
