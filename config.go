package keyrename

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"pkt.systems/keyrename/internal/kvstore"
	"pkt.systems/keyrename/internal/protocol"
	"pkt.systems/keyrename/internal/replica"
)

const (
	// DefaultCoordinatorListen is the coordinator API bind address.
	DefaultCoordinatorListen = ":9450"
	// DefaultReplicaListen is the replica bind address.
	DefaultReplicaListen = ":9451"
	// DefaultStore keeps the coordinator record in memory.
	DefaultStore = "mem://"
	// DefaultKey is the logical key being renamed.
	DefaultKey = "A"
	// DefaultRenamedKey is the name the key is renamed to.
	DefaultRenamedKey = "A'"
	// DefaultRetransmitInterval paces coordinator retransmission ticks.
	DefaultRetransmitInterval = time.Second
	// DefaultSendConcurrency bounds parallel requests per broadcast.
	DefaultSendConcurrency = 8
	// DefaultRequestTimeout bounds one HTTP request to a replica.
	DefaultRequestTimeout = 5 * time.Second
	// DefaultSendAttempts is how often one request is retried before the
	// driver leaves it to retransmission.
	DefaultSendAttempts = 3
	// DefaultStorageRetryMaxAttempts describes how many transient storage errors are retried.
	DefaultStorageRetryMaxAttempts = 6
	// DefaultStorageRetryBaseDelay configures the base delay between storage retries.
	DefaultStorageRetryBaseDelay = 100 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the exponential backoff between storage retries.
	DefaultStorageRetryMaxDelay = 5 * time.Second
	// DefaultStorageRetryMultiplier defines the exponential backoff ratio.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultShutdownTimeout caps graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultMaxConcurrentStreams sets the HTTP/2 stream limit.
	DefaultMaxConcurrentStreams = 256
	// DefaultBadgerValueLogSize caps a badger value log file.
	DefaultBadgerValueLogSize = int64(64 << 20)
)

// ReplicaEndpoint addresses one replica from the coordinator.
type ReplicaEndpoint struct {
	ID  protocol.StoreID `yaml:"id" json:"id"`
	URL string           `yaml:"url" json:"url"`
}

// String renders the endpoint in id=url form.
func (e ReplicaEndpoint) String() string {
	return fmt.Sprintf("%d=%s", e.ID, e.URL)
}

// ParseReplicaEndpoint parses "id=url".
func ParseReplicaEndpoint(raw string) (ReplicaEndpoint, error) {
	idPart, urlPart, ok := strings.Cut(strings.TrimSpace(raw), "=")
	if !ok {
		return ReplicaEndpoint{}, fmt.Errorf("config: replica %q: expected id=url", raw)
	}
	id, err := strconv.ParseUint(strings.TrimSpace(idPart), 10, 32)
	if err != nil {
		return ReplicaEndpoint{}, fmt.Errorf("config: replica %q: id: %w", raw, err)
	}
	urlPart = strings.TrimSpace(urlPart)
	if urlPart == "" {
		return ReplicaEndpoint{}, fmt.Errorf("config: replica %q: url required", raw)
	}
	return ReplicaEndpoint{ID: protocol.StoreID(id), URL: urlPart}, nil
}

// ParseReplicaEndpoints parses a list of "id=url" entries.
func ParseReplicaEndpoints(raw []string) ([]ReplicaEndpoint, error) {
	out := make([]ReplicaEndpoint, 0, len(raw))
	for _, entry := range raw {
		if strings.TrimSpace(entry) == "" {
			continue
		}
		ep, err := ParseReplicaEndpoint(entry)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, nil
}

// CoordinatorConfig captures the tunables of a CoordinatorServer.
type CoordinatorConfig struct {
	// Listen is the API bind address.
	Listen string
	// Replicas lists the participating stores.
	Replicas []ReplicaEndpoint
	// Store is the state backend DSN (mem://, disk://..., s3://..., aws://..., azure://...).
	Store string
	// StateNamespace and StateKey locate the durable record.
	StateNamespace string
	StateKey       string
	// KeyFile is a kryptograf bundle sealing the durable record; empty stores plaintext.
	KeyFile string
	// AutoBegin starts an attempt as soon as the coordinator boots Idle.
	AutoBegin bool
	// RetransmitInterval paces retransmission and crash recovery ticks.
	RetransmitInterval time.Duration
	// SendConcurrency bounds parallel replica requests.
	SendConcurrency int
	// RequestTimeout bounds one replica request.
	RequestTimeout time.Duration
	// SendAttempts caps immediate retries of one replica request.
	SendAttempts int
	// Storage retry tuning for transient backend errors.
	StorageRetryMaxAttempts int
	StorageRetryBaseDelay   time.Duration
	StorageRetryMaxDelay    time.Duration
	StorageRetryMultiplier  float64
	// Object store credentials. Empty values fall back to the environment.
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	AWSRegion         string
	AzureAccount      string
	AzureAccountKey   string
	AzureSASToken     string
	AzureEndpoint     string
	// Telemetry.
	MetricsListen          string
	PprofListen            string
	OTLPEndpoint           string
	EnableProfilingMetrics bool
	// ShutdownTimeout caps graceful shutdown.
	ShutdownTimeout time.Duration
	// MaxConcurrentStreams sets the HTTP/2 stream limit.
	MaxConcurrentStreams uint32
}

// Validate applies defaults and rejects unusable settings.
func (c *CoordinatorConfig) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultCoordinatorListen
	}
	if len(c.Replicas) == 0 {
		return fmt.Errorf("config: at least one replica required")
	}
	seen := make(map[protocol.StoreID]string, len(c.Replicas))
	for _, ep := range c.Replicas {
		if strings.TrimSpace(ep.URL) == "" {
			return fmt.Errorf("config: replica %d: url required", ep.ID)
		}
		if prev, dup := seen[ep.ID]; dup {
			return fmt.Errorf("config: replica id %d listed twice (%s, %s)", ep.ID, prev, ep.URL)
		}
		seen[ep.ID] = ep.URL
	}
	if c.Store == "" {
		c.Store = DefaultStore
	}
	if c.RetransmitInterval == 0 {
		c.RetransmitInterval = DefaultRetransmitInterval
	} else if c.RetransmitInterval < 0 {
		return fmt.Errorf("config: retransmit interval must be >= 0")
	}
	if c.SendConcurrency <= 0 {
		c.SendConcurrency = DefaultSendConcurrency
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.SendAttempts <= 0 {
		c.SendAttempts = DefaultSendAttempts
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMultiplier <= 0 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = DefaultMaxConcurrentStreams
	}
	return nil
}

// StoreIDs returns the replica ids in ascending order.
func (c CoordinatorConfig) StoreIDs() []protocol.StoreID {
	return slices.Sorted(maps.Keys(c.Endpoints()))
}

// Endpoints maps store ids to replica URLs.
func (c CoordinatorConfig) Endpoints() map[protocol.StoreID]string {
	out := make(map[protocol.StoreID]string, len(c.Replicas))
	for _, ep := range c.Replicas {
		out[ep.ID] = ep.URL
	}
	return out
}

// ReplicaConfig captures the tunables of a ReplicaServer.
type ReplicaConfig struct {
	// Listen is the bind address.
	Listen string
	// ID is the store id the coordinator addresses this replica by.
	ID protocol.StoreID
	// DataDir holds the badger database; empty keeps data in memory.
	DataDir string
	// SyncWrites fsyncs every badger commit.
	SyncWrites bool
	// ValueLogFileSize caps badger value log files.
	ValueLogFileSize int64
	// Key and RenamedKey name the renamed key.
	Key        string
	RenamedKey string
	// FenceMode selects the stale-request rule ("epoch-stage" or "txn-only").
	FenceMode string
	// Seed writes an initial value under Key when neither name exists.
	Seed []byte
	// Telemetry.
	MetricsListen          string
	PprofListen            string
	OTLPEndpoint           string
	EnableProfilingMetrics bool
	// ShutdownTimeout caps graceful shutdown.
	ShutdownTimeout time.Duration
	// MaxConcurrentStreams sets the HTTP/2 stream limit.
	MaxConcurrentStreams uint32
}

// Validate applies defaults and rejects unusable settings.
func (c *ReplicaConfig) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultReplicaListen
	}
	if c.Key == "" {
		c.Key = DefaultKey
	}
	if c.RenamedKey == "" {
		c.RenamedKey = DefaultRenamedKey
	}
	if err := kvstore.ValidateUserKey(c.Key); err != nil {
		return fmt.Errorf("config: key: %w", err)
	}
	if err := kvstore.ValidateUserKey(c.RenamedKey); err != nil {
		return fmt.Errorf("config: renamed key: %w", err)
	}
	if c.Key == c.RenamedKey {
		return fmt.Errorf("config: key and renamed key must differ")
	}
	if _, err := replica.ParseFenceMode(c.FenceMode); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.DataDir != "" {
		c.DataDir = filepath.Clean(c.DataDir)
	}
	if c.ValueLogFileSize <= 0 {
		c.ValueLogFileSize = DefaultBadgerValueLogSize
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = DefaultMaxConcurrentStreams
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory ($HOME/.keyrename).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("KEYRENAME_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".keyrename"), nil
}

// DefaultKeyFilePath returns the default kryptograf bundle location.
func DefaultKeyFilePath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "state-keys.pem"), nil
}
