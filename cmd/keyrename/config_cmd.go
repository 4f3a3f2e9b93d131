package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/keyrename"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage keyrename configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.keyrename/" + configFileName
	if dir, err := keyrename.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, configFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default keyrename configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				dir, err := keyrename.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, configFileName)
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type coordinatorDefaults struct {
	Listen                 string   `yaml:"listen"`
	Replicas               []string `yaml:"replicas"`
	Store                  string   `yaml:"store"`
	KeyFile                string   `yaml:"key-file"`
	AutoBegin              bool     `yaml:"auto-begin"`
	RetransmitInterval     string   `yaml:"retransmit-interval"`
	SendConcurrency        int      `yaml:"send-concurrency"`
	RequestTimeout         string   `yaml:"request-timeout"`
	SendAttempts           int      `yaml:"send-attempts"`
	StorageRetryAttempts   int      `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay  string   `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay   string   `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier float64  `yaml:"storage-retry-multiplier"`
	MetricsListen          string   `yaml:"metrics-listen"`
	OTLPEndpoint           string   `yaml:"otlp-endpoint"`
	ShutdownTimeout        string   `yaml:"shutdown-timeout"`
}

type replicaDefaults struct {
	Listen          string `yaml:"listen"`
	ID              uint32 `yaml:"id"`
	DataDir         string `yaml:"data-dir"`
	SyncWrites      bool   `yaml:"sync-writes"`
	ValueLogSize    string `yaml:"value-log-size"`
	Key             string `yaml:"key"`
	RenamedKey      string `yaml:"renamed-key"`
	FenceMode       string `yaml:"fence-mode"`
	MetricsListen   string `yaml:"metrics-listen"`
	ShutdownTimeout string `yaml:"shutdown-timeout"`
}

type clientDefaults struct {
	Server  string `yaml:"server"`
	Timeout string `yaml:"timeout"`
}

type configDefaults struct {
	LogLevel    string              `yaml:"log-level"`
	Coordinator coordinatorDefaults `yaml:"coordinator"`
	Replica     replicaDefaults     `yaml:"replica"`
	Client      clientDefaults      `yaml:"client"`
}

func defaultConfigYAML() ([]byte, error) {
	cfg := configDefaults{
		LogLevel: "info",
		Coordinator: coordinatorDefaults{
			Listen:                 keyrename.DefaultCoordinatorListen,
			Replicas:               []string{"1=http://127.0.0.1:9451"},
			Store:                  keyrename.DefaultStore,
			RetransmitInterval:     keyrename.DefaultRetransmitInterval.String(),
			SendConcurrency:        keyrename.DefaultSendConcurrency,
			RequestTimeout:         keyrename.DefaultRequestTimeout.String(),
			SendAttempts:           keyrename.DefaultSendAttempts,
			StorageRetryAttempts:   keyrename.DefaultStorageRetryMaxAttempts,
			StorageRetryBaseDelay:  keyrename.DefaultStorageRetryBaseDelay.String(),
			StorageRetryMaxDelay:   keyrename.DefaultStorageRetryMaxDelay.String(),
			StorageRetryMultiplier: keyrename.DefaultStorageRetryMultiplier,
			ShutdownTimeout:        keyrename.DefaultShutdownTimeout.String(),
		},
		Replica: replicaDefaults{
			Listen:          keyrename.DefaultReplicaListen,
			ID:              1,
			SyncWrites:      true,
			ValueLogSize:    humanizeBytes(keyrename.DefaultBadgerValueLogSize),
			Key:             keyrename.DefaultKey,
			RenamedKey:      keyrename.DefaultRenamedKey,
			FenceMode:       "epoch-stage",
			ShutdownTimeout: keyrename.DefaultShutdownTimeout.String(),
		},
		Client: clientDefaults{
			Server:  defaultCoordinatorURL,
			Timeout: keyrename.DefaultRequestTimeout.String(),
		},
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}
