package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/keyrename"
	"pkt.systems/keyrename/internal/svcfields"
	"pkt.systems/pslog"
)

// configFileName is looked up in keyrename.DefaultConfigDir when --config is
// not given.
const configFileName = "config.yaml"

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("KEYRENAME_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "keyrename")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "keyrename",
		Short:         "keyrename renames one key atomically across independent key-value stores",
		SilenceErrors: true,
		Example: `
  # Three replicas backed by badger
  keyrename replica --id 1 --listen :9451 --data-dir /var/lib/keyrename/r1 --seed payload
  keyrename replica --id 2 --listen :9452 --data-dir /var/lib/keyrename/r2 --seed payload
  keyrename replica --id 3 --listen :9453 --data-dir /var/lib/keyrename/r3 --seed payload

  # Coordinator with its record on local disk
  keyrename coordinator --store disk:///var/lib/keyrename/coord \
    --replicas 1=http://localhost:9451,2=http://localhost:9452,3=http://localhost:9453

  # Start the rename and watch it
  keyrename begin && keyrename status

  # Model-check the protocol with three stores
  keyrename check --stores 3 --mode random --runs 500
`,
	}
	persistent := cmd.PersistentFlags()
	persistent.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.keyrename/"+configFileName+")")
	persistent.String("log-level", "", "minimum log level (trace, debug, info, warn, error)")

	cmd.AddCommand(newCoordinatorCommand(baseLogger))
	cmd.AddCommand(newReplicaCommand(baseLogger))
	cmd.AddCommand(newBeginCommand())
	cmd.AddCommand(newStatusCommand())
	cmd.AddCommand(newStateCommand(baseLogger))
	cmd.AddCommand(newCheckCommand(baseLogger))
	cmd.AddCommand(newKeysCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// settings resolves one command's flags against flags, KEYRENAME_<SECTION>_*
// environment variables and the <section> block of the config file, in that
// order.
type settings struct {
	v       *viper.Viper
	section string
	file    string
}

func loadSettings(cmd *cobra.Command, section string) (*settings, error) {
	v := viper.New()
	v.SetEnvPrefix("KEYRENAME")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	s := &settings{v: v, section: section}
	inherited := cmd.InheritedFlags()
	var bindErr error
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if bindErr != nil || flag.Name == "config" || flag.Name == "help" {
			return
		}
		key := s.key(flag.Name)
		if inherited.Lookup(flag.Name) != nil {
			key = flag.Name
		}
		bindErr = v.BindPFlag(key, flag)
	})
	if bindErr != nil {
		return nil, bindErr
	}
	explicit := ""
	if f := cmd.Flag("config"); f != nil {
		explicit = strings.TrimSpace(f.Value.String())
	}
	if explicit == "" {
		explicit = strings.TrimSpace(os.Getenv("KEYRENAME_CONFIG"))
	}
	file, err := resolveConfigFile(explicit)
	if err != nil {
		return nil, err
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %q: %w", file, err)
		}
		s.file = file
	}
	return s, nil
}

func (s *settings) key(name string) string {
	if s.section == "" {
		return name
	}
	return s.section + "." + name
}

func (s *settings) String(name string) string   { return strings.TrimSpace(s.v.GetString(s.key(name))) }
func (s *settings) Bool(name string) bool       { return s.v.GetBool(s.key(name)) }
func (s *settings) Int(name string) int         { return s.v.GetInt(s.key(name)) }
func (s *settings) Uint64(name string) uint64   { return s.v.GetUint64(s.key(name)) }
func (s *settings) Float64(name string) float64 { return s.v.GetFloat64(s.key(name)) }
func (s *settings) Strings(name string) []string {
	return s.v.GetStringSlice(s.key(name))
}

func (s *settings) Duration(name string) time.Duration {
	return s.v.GetDuration(s.key(name))
}

// Bytes parses a humanized size such as "64MiB".
func (s *settings) Bytes(name string) (int64, error) {
	raw := s.String(name)
	if raw == "" {
		return 0, nil
	}
	size, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return int64(size), nil
}

// logger applies --log-level to base.
func (s *settings) logger(base pslog.Logger, subsystem string) pslog.Logger {
	logger := base
	if raw := strings.TrimSpace(s.v.GetString("log-level")); raw != "" {
		if level, ok := pslog.ParseLevel(raw); ok {
			logger = logger.LogLevel(level)
		}
	}
	if s.file != "" {
		svcfields.WithSubsystem(logger, "cli."+subsystem).Info("loaded config file", "path", s.file)
	}
	return logger
}

func resolveConfigFile(cfgPath string) (string, error) {
	explicit := cfgPath != ""
	if cfgPath == "" {
		if dir, err := keyrename.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, configFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
