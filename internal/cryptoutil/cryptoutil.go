// Package cryptoutil manages the kryptograf key bundle used to seal the
// coordinator's durable record.
package cryptoutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"

	"pkt.systems/keyrename/internal/storage"
)

const (
	// StateDescriptorName names the descriptor stored in the bundle.
	StateDescriptorName = "keyrename/state"
	// DefaultContext is the DEK context used when none is configured.
	DefaultContext = "keyrename/coordinator-state"
)

// ErrNotBootstrapped is returned when a bundle lacks the root key or the
// state descriptor.
var ErrNotBootstrapped = errors.New("cryptoutil: key bundle not initialised")

// Material is everything needed to seal and open the durable record.
type Material struct {
	Root       keymgmt.RootKey
	Descriptor keymgmt.Descriptor
	Context    []byte
}

// CryptoConfig converts m into a storage crypto configuration.
func (m Material) CryptoConfig() storage.CryptoConfig {
	return storage.CryptoConfig{
		Enabled:    true,
		RootKey:    m.Root,
		Descriptor: m.Descriptor,
		Context:    m.Context,
	}
}

// Ensure loads existing PEM content (which may be empty), adds a root key
// and the state descriptor when missing, and returns the material together
// with the resulting PEM bytes.
func Ensure(existing []byte, context string) (Material, []byte, error) {
	if context == "" {
		context = DefaultContext
	}
	var out []byte
	store, err := keymgmt.LoadPEMInto(existing, &out)
	if err != nil {
		return Material{}, nil, fmt.Errorf("cryptoutil: load bundle: %w", err)
	}
	root, err := store.EnsureRootKey()
	if err != nil {
		return Material{}, nil, fmt.Errorf("cryptoutil: ensure root key: %w", err)
	}
	mat, err := store.EnsureDescriptor(StateDescriptorName, root, []byte(context))
	if err != nil {
		return Material{}, nil, fmt.Errorf("cryptoutil: ensure descriptor: %w", err)
	}
	if err := store.Commit(); err != nil {
		return Material{}, nil, fmt.Errorf("cryptoutil: commit bundle: %w", err)
	}
	if len(out) == 0 {
		out = existing
	}
	if len(out) == 0 {
		raw, err := store.Bytes()
		if err != nil {
			return Material{}, nil, fmt.Errorf("cryptoutil: serialise bundle: %w", err)
		}
		out = raw
	}
	return Material{Root: root, Descriptor: mat.Descriptor, Context: []byte(context)}, out, nil
}

// InitFile creates or completes the bundle at path. An existing bundle keeps
// its keys unless force is set, in which case it is replaced.
func InitFile(path, context string, force bool) (Material, error) {
	var existing []byte
	if !force {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			existing = data
		case !errors.Is(err, os.ErrNotExist):
			return Material{}, fmt.Errorf("cryptoutil: read %s: %w", path, err)
		}
	}
	mat, out, err := Ensure(existing, context)
	if err != nil {
		return Material{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return Material{}, fmt.Errorf("cryptoutil: create key dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return Material{}, fmt.Errorf("cryptoutil: write bundle: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return Material{}, fmt.Errorf("cryptoutil: install bundle: %w", err)
	}
	return mat, nil
}

// LoadFile reads material from the bundle at path.
func LoadFile(path, context string) (Material, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Material{}, fmt.Errorf("cryptoutil: read %s: %w", path, err)
	}
	return LoadBytes(data, context)
}

// LoadBytes reads material from PEM content and checks that the descriptor
// opens under context.
func LoadBytes(data []byte, context string) (Material, error) {
	if context == "" {
		context = DefaultContext
	}
	store, err := keymgmt.LoadPEM(data)
	if err != nil {
		return Material{}, fmt.Errorf("cryptoutil: load bundle: %w", err)
	}
	root, ok, err := store.RootKey()
	if err != nil {
		return Material{}, fmt.Errorf("cryptoutil: read root key: %w", err)
	}
	if !ok {
		return Material{}, fmt.Errorf("%w: root key missing", ErrNotBootstrapped)
	}
	desc, ok, err := store.Descriptor(StateDescriptorName)
	if err != nil {
		return Material{}, fmt.Errorf("cryptoutil: read descriptor: %w", err)
	}
	if !ok {
		return Material{}, fmt.Errorf("%w: descriptor %q missing", ErrNotBootstrapped, StateDescriptorName)
	}
	dek, err := kryptograf.New(root).ReconstructDEK([]byte(context), desc)
	if err != nil {
		return Material{}, fmt.Errorf("cryptoutil: reconstruct DEK: %w", err)
	}
	dek.Zero()
	return Material{Root: root, Descriptor: desc, Context: []byte(context)}, nil
}
