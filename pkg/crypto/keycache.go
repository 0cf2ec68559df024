package crypto

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/opaque/cipherrag/pkg/encrypt"
)

const (
	manifestFile  = "circuit.json"
	publicKeyFile = "public.key"
	secretKeyFile = "secret.key.sealed"
)

// manifest records which circuit the cached keys were generated for.
type manifest struct {
	Backend     string    `json:"backend"`
	ReducedDim  int       `json:"reduced_dim"`
	Bits        int       `json:"bits"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
}

// KeyCache persists key material across restarts. The secret key is sealed
// with a passphrase-derived AES-256-GCM key before it touches disk.
type KeyCache struct {
	dir        string
	passphrase string
	logger     *zap.Logger
}

// NewKeyCache returns a cache rooted at dir.
func NewKeyCache(dir, passphrase string, logger *zap.Logger) *KeyCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if passphrase == "" {
		logger.Warn("key cache passphrase is empty; the sealed secret key is only as strong as file permissions",
			zap.String("dir", dir))
	}
	return &KeyCache{dir: dir, passphrase: passphrase, logger: logger}
}

// Dir returns the cache directory.
func (k *KeyCache) Dir() string { return k.dir }

// Load returns cached keys for backend and circuit. ok is false when the
// cache is empty or was written for a different circuit.
func (k *KeyCache) Load(backend string, circuit Circuit) (keys KeyPair, ok bool, err error) {
	raw, err := os.ReadFile(filepath.Join(k.dir, manifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return KeyPair{}, false, nil
	}
	if err != nil {
		return KeyPair{}, false, fmt.Errorf("read manifest: %w", err)
	}

	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return KeyPair{}, false, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Backend != backend || m.ReducedDim != circuit.ReducedDim || m.Bits != circuit.Bits {
		k.logger.Info("key cache written for another circuit",
			zap.String("cached", fmt.Sprintf("%s %s", m.Backend, Circuit{ReducedDim: m.ReducedDim, Bits: m.Bits})),
			zap.String("want", fmt.Sprintf("%s %s", backend, circuit)))
		return KeyPair{}, false, nil
	}

	pk, err := os.ReadFile(filepath.Join(k.dir, publicKeyFile))
	if err != nil {
		return KeyPair{}, false, fmt.Errorf("read public key: %w", err)
	}
	fp := fingerprintOf(pk)
	if hex.EncodeToString(fp[:]) != m.Fingerprint {
		return KeyPair{}, false, errors.New("public key fingerprint does not match manifest")
	}

	sealed, err := os.ReadFile(filepath.Join(k.dir, secretKeyFile))
	if err != nil {
		return KeyPair{}, false, fmt.Errorf("read secret key: %w", err)
	}
	sk, err := encrypt.OpenWithPassphrase(k.passphrase, sealed, k.aad(backend, circuit))
	if err != nil {
		return KeyPair{}, false, fmt.Errorf("open secret key: %w", err)
	}

	return KeyPair{PublicKey: pk, SecretKey: sk}, true, nil
}

// Save writes keys for backend and circuit, replacing any previous content.
func (k *KeyCache) Save(backend string, circuit Circuit, keys KeyPair) error {
	if err := os.MkdirAll(k.dir, 0o700); err != nil {
		return fmt.Errorf("create key cache dir: %w", err)
	}

	sealed, err := encrypt.SealWithPassphrase(k.passphrase, keys.SecretKey, k.aad(backend, circuit))
	if err != nil {
		return fmt.Errorf("seal secret key: %w", err)
	}

	fp := fingerprintOf(keys.PublicKey)
	m, err := json.MarshalIndent(manifest{
		Backend:     backend,
		ReducedDim:  circuit.ReducedDim,
		Bits:        circuit.Bits,
		Fingerprint: hex.EncodeToString(fp[:]),
		CreatedAt:   time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	// Manifest last: a crash mid-save leaves a cache that fails to load
	// and is regenerated.
	if err := writeFileAtomic(filepath.Join(k.dir, secretKeyFile), sealed); err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(k.dir, publicKeyFile), keys.PublicKey); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(k.dir, manifestFile), m)
}

func (k *KeyCache) aad(backend string, circuit Circuit) []byte {
	return []byte(backend + "|" + circuit.String())
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Chmod(name, 0o600); err != nil {
		os.Remove(name)
		return fmt.Errorf("chmod %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
