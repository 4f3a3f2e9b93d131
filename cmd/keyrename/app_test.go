package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"pkt.systems/keyrename"
	"pkt.systems/keyrename/internal/loggingutil"
	"pkt.systems/keyrename/internal/statestore"
	"pkt.systems/keyrename/internal/version"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("KEYRENAME_CONFIG_DIR", t.TempDir())
	t.Setenv("KEYRENAME_CONFIG", "")
	cmd := newRootCommand(loggingutil.NoopLogger())
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestVersionCommandPrintsCurrentVersion(t *testing.T) {
	stdout, stderr, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	want := version.Module() + " " + version.Current() + "\n"
	if stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}

func TestConfigGenStdoutIsLoadable(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	var cfg configDefaults
	if err := yaml.Unmarshal([]byte(stdout), &cfg); err != nil {
		t.Fatalf("parse generated yaml: %v\n%s", err, stdout)
	}
	if cfg.Coordinator.Listen != keyrename.DefaultCoordinatorListen || cfg.Replica.Key != keyrename.DefaultKey {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Replica.ValueLogSize != "64MiB" {
		t.Fatalf("unexpected value log size %q", cfg.Replica.ValueLogSize)
	}
}

func TestConfigGenRefusesOverwrite(t *testing.T) {
	out := filepath.Join(t.TempDir(), "config.yaml")
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out); err != nil {
		t.Fatalf("first gen: %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected overwrite refusal, got %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out, "--force"); err != nil {
		t.Fatalf("forced gen: %v", err)
	}
}

func TestCoordinatorSettingsPrecedence(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	data := []byte(`
coordinator:
  listen: 127.0.0.1:7000
  replicas:
    - 1=http://r1:9451
    - 2=http://r2:9451
  send-attempts: 4
  retransmit-interval: 250ms
`)
	if err := os.WriteFile(cfgPath, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("KEYRENAME_COORDINATOR_STORE", "disk://"+dir)
	root := newRootCommand(loggingutil.NoopLogger())
	sub, _, err := root.Find([]string{"coordinator"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if err := sub.ParseFlags([]string{"--config", cfgPath, "--send-attempts", "9"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	s, err := loadSettings(sub, "coordinator")
	if err != nil {
		t.Fatalf("load settings: %v", err)
	}
	cfg, err := coordinatorConfig(s)
	if err != nil {
		t.Fatalf("coordinator config: %v", err)
	}
	if cfg.Listen != "127.0.0.1:7000" {
		t.Fatalf("listen from file not applied: %q", cfg.Listen)
	}
	if cfg.SendAttempts != 9 {
		t.Fatalf("flag should override file, got %d", cfg.SendAttempts)
	}
	if cfg.RetransmitInterval != 250*time.Millisecond {
		t.Fatalf("unexpected retransmit interval %s", cfg.RetransmitInterval)
	}
	if cfg.Store != "disk://"+dir {
		t.Fatalf("env store not applied: %q", cfg.Store)
	}
	if len(cfg.Replicas) != 2 || cfg.Replicas[1].URL != "http://r2:9451" {
		t.Fatalf("unexpected replicas %+v", cfg.Replicas)
	}
}

func TestReplicaConfigParsesSizesAndSeed(t *testing.T) {
	root := newRootCommand(loggingutil.NoopLogger())
	sub, _, err := root.Find([]string{"replica"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	t.Setenv("KEYRENAME_CONFIG_DIR", t.TempDir())
	if err := sub.ParseFlags([]string{"--id", "3", "--value-log-size", "16MiB", "--seed", "hello"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	s, err := loadSettings(sub, "replica")
	if err != nil {
		t.Fatalf("load settings: %v", err)
	}
	cfg, err := replicaConfig(s)
	if err != nil {
		t.Fatalf("replica config: %v", err)
	}
	if cfg.ID != 3 || cfg.ValueLogFileSize != 16<<20 || string(cfg.Seed) != "hello" {
		t.Fatalf("unexpected replica config %+v", cfg)
	}
	if cfg.FenceMode != "epoch-stage" || !cfg.SyncWrites {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestKeysInitAndSealedStateInspect(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "keys.pem")
	stdout, _, err := executeRootCommand(t, "keys", "init", "--out", keyPath)
	if err != nil {
		t.Fatalf("keys init: %v", err)
	}
	if !strings.Contains(stdout, keyPath) {
		t.Fatalf("unexpected output %q", stdout)
	}
	if _, err := os.Stat(keyPath); err != nil {
		t.Fatalf("bundle missing: %v", err)
	}
	stateDir := filepath.Join(dir, "state")
	stdout, _, err = executeRootCommand(t, "state", "inspect", "--store", "disk://"+stateDir, "--key-file", keyPath)
	if err != nil {
		t.Fatalf("state inspect: %v", err)
	}
	if !strings.HasPrefix(stdout, "no record at ") {
		t.Fatalf("expected empty state, got %q", stdout)
	}
}

func TestCheckCommandRandom(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "check", "--stores", "2", "--runs", "5", "--max-steps", "25", "--seed", "7")
	if err != nil {
		t.Fatalf("check: %v\n%s", err, stdout)
	}
	if !strings.Contains(stdout, "random: 5 runs") || !strings.Contains(stdout, " 0 violations") {
		t.Fatalf("unexpected report %q", stdout)
	}
}

func TestCheckCommandRejectsBadInput(t *testing.T) {
	cases := [][]string{
		{"check", "--mode", "bogus", "--runs", "1"},
		{"check", "--fence-mode", "nope"},
		{"check", "--stores", "2", "--contended", "5"},
	}
	for _, args := range cases {
		if _, _, err := executeRootCommand(t, args...); err == nil {
			t.Fatalf("expected %v to fail", args)
		}
	}
}

func TestStateListAndReset(t *testing.T) {
	store := "disk://" + filepath.Join(t.TempDir(), "state")
	state, err := keyrename.OpenStateStore(context.Background(), keyrename.CoordinatorConfig{Store: store}, nil, loggingutil.NoopLogger())
	if err != nil {
		t.Fatalf("open state: %v", err)
	}
	if err := state.Save(context.Background(), statestore.Record{TxnID: 2, WALCommitted: true}); err != nil {
		t.Fatalf("save: %v", err)
	}
	state.Close()

	stdout, _, err := executeRootCommand(t, "state", "list", "--store", store)
	if err != nil {
		t.Fatalf("state list: %v", err)
	}
	if !strings.Contains(stdout, statestore.DefaultNamespace+"/"+statestore.DefaultKey) {
		t.Fatalf("listing misses record: %q", stdout)
	}
	if _, _, err := executeRootCommand(t, "state", "reset", "--store", store); err == nil || !strings.Contains(err.Error(), "--force") {
		t.Fatalf("expected refusal for unfinished rename, got %v", err)
	}
	stdout, _, err = executeRootCommand(t, "state", "reset", "--store", store, "--force")
	if err != nil {
		t.Fatalf("forced reset: %v", err)
	}
	if !strings.HasPrefix(stdout, "deleted ") || !strings.Contains(stdout, "txn=2") {
		t.Fatalf("unexpected reset output %q", stdout)
	}
	stdout, _, err = executeRootCommand(t, "state", "list", "--store", store)
	if err != nil || !strings.HasPrefix(stdout, "no records in ") {
		t.Fatalf("expected empty listing, got %q %v", stdout, err)
	}
}
