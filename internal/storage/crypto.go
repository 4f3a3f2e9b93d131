package storage

import (
	"bytes"
	"fmt"
	"io"

	"go.uber.org/multierr"

	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"
)

// sealChunk is the kryptograf stream chunk size. A coordinator record fits
// in one chunk.
const sealChunk = 8 << 10

// CryptoConfig names the key material that seals the coordinator record.
// Context binds the derived data key to its use.
type CryptoConfig struct {
	Enabled    bool
	RootKey    keymgmt.RootKey
	Descriptor keymgmt.Descriptor
	Context    []byte
}

func (c CryptoConfig) validate() error {
	var missing []string
	if len(c.Context) == 0 {
		missing = append(missing, "context")
	}
	if c.Descriptor == (keymgmt.Descriptor{}) {
		missing = append(missing, "descriptor")
	}
	if c.RootKey == (keymgmt.RootKey{}) {
		missing = append(missing, "root key")
	}
	if len(missing) > 0 {
		return fmt.Errorf("storage crypto: encryption enabled without %v", missing)
	}
	return nil
}

// Crypto seals records with one data key. A nil *Crypto is valid and passes
// payloads through untouched.
type Crypto struct {
	kg  kryptograf.Kryptograf
	dek kryptograf.Material
}

// NewCrypto reconstructs the data key described by cfg. It returns nil, nil
// when cfg is disabled.
func NewCrypto(cfg CryptoConfig) (*Crypto, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	kg := kryptograf.New(cfg.RootKey).WithChunkSize(sealChunk)
	dek, err := kg.ReconstructDEK(cfg.Context, cfg.Descriptor)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: reconstruct DEK: %w", err)
	}
	return &Crypto{kg: kg, dek: dek}, nil
}

// Enabled reports whether records are sealed.
func (c *Crypto) Enabled() bool { return c != nil }

// ContentType is the content type records are stored under.
func (c *Crypto) ContentType() string {
	if c == nil {
		return ContentTypeJSON
	}
	return ContentTypeJSONEncrypted
}

// Seal encrypts a record payload.
func (c *Crypto) Seal(plaintext []byte) ([]byte, error) {
	if c == nil {
		return plaintext, nil
	}
	var sealed bytes.Buffer
	w, err := c.kg.EncryptWriter(&sealed, c.dek)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: encrypt: %w", err)
	}
	_, werr := w.Write(plaintext)
	if err := multierr.Append(werr, w.Close()); err != nil {
		return nil, fmt.Errorf("storage crypto: encrypt: %w", err)
	}
	return sealed.Bytes(), nil
}

// Open decrypts a payload produced by Seal.
func (c *Crypto) Open(sealed []byte) ([]byte, error) {
	if c == nil {
		return sealed, nil
	}
	r, err := c.kg.DecryptReader(bytes.NewReader(sealed), c.dek)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: decrypt: %w", err)
	}
	defer r.Close()
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: decrypt: %w", err)
	}
	return plaintext, nil
}
