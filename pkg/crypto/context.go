package crypto

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultCalibrationSamples is the number of random pairs checked at compile time.
const DefaultCalibrationSamples = 16

// Context is the compiled dot-product circuit and its key material.
//
// A Context is created once per process and shared by reference. Compile is
// guarded by a mutex; after it succeeds the Context is read-only and its
// primitives may be called concurrently.
type Context struct {
	circuit     Circuit
	backend     Backend
	cache       *KeyCache
	calibration int
	seed        int64
	logger      *zap.Logger

	mu          sync.Mutex
	compiled    atomic.Bool
	fingerprint [fingerprintSize]byte

	encryptions atomic.Int64
	evaluations atomic.Int64
	decryptions atomic.Int64
}

// Usage counts primitive calls made after compilation.
type Usage struct {
	Encryptions int64 `json:"encryptions"`
	Evaluations int64 `json:"evaluations"`
	Decryptions int64 `json:"decryptions"`
}

// Option configures a Context.
type Option func(*Context)

// WithKeyCache persists key material so process restarts reuse it.
func WithKeyCache(cache *KeyCache) Option {
	return func(c *Context) { c.cache = cache }
}

// WithCalibrationSamples sets how many random pairs Compile verifies.
func WithCalibrationSamples(n int) Option {
	return func(c *Context) {
		if n >= 0 {
			c.calibration = n
		}
	}
}

// WithCalibrationSeed fixes the calibration sample for reproducible runs.
func WithCalibrationSeed(seed int64) Option {
	return func(c *Context) { c.seed = seed }
}

// WithLogger sets the logger used during compilation.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Context) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewContext creates an uncompiled context for circuit on backend.
func NewContext(circuit Circuit, backend Backend, opts ...Option) (*Context, error) {
	if err := circuit.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompile, err)
	}
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrCompile)
	}

	c := &Context{
		circuit:     circuit,
		backend:     backend,
		calibration: DefaultCalibrationSamples,
		seed:        time.Now().UnixNano(),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Circuit returns the circuit this context evaluates.
func (c *Context) Circuit() Circuit { return c.circuit }

// Backend returns the name of the active backend.
func (c *Context) Backend() string { return c.backend.name() }

// Compiled reports whether Compile has completed successfully.
func (c *Context) Compiled() bool { return c.compiled.Load() }

// Compile prepares keys and verifies the circuit. Only the first successful
// call does work; concurrent callers wait for it.
func (c *Context) Compile(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.compiled.Load() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	if c.circuit.MaxAbsDot() > c.backend.maxAbsDot() {
		return fmt.Errorf("%w: %w: %s can reach |dot| %d, %s decrypts exactly up to %d",
			ErrCompile, ErrCapacity, c.circuit, c.circuit.MaxAbsDot(), c.backend.name(), c.backend.maxAbsDot())
	}
	if c.circuit.ReducedDim > c.backend.maxWidth() {
		return fmt.Errorf("%w: %w: reduced dimension %d exceeds backend width %d",
			ErrCompile, ErrCapacity, c.circuit.ReducedDim, c.backend.maxWidth())
	}

	if err := c.loadOrGenerateKeys(); err != nil {
		return fmt.Errorf("%w: %v", ErrCompile, err)
	}

	keys, err := c.backend.exportKeys()
	if err != nil {
		return fmt.Errorf("%w: export keys: %v", ErrCompile, err)
	}
	c.fingerprint = fingerprintOf(keys.PublicKey)

	if err := c.calibrate(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrCompile, err)
	}

	c.compiled.Store(true)
	c.logger.Info("circuit compiled",
		zap.String("backend", c.backend.name()),
		zap.String("circuit", c.circuit.String()),
		zap.Int("calibration_samples", c.calibration),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (c *Context) loadOrGenerateKeys() error {
	if c.cache != nil {
		keys, ok, err := c.cache.Load(c.backend.name(), c.circuit)
		switch {
		case err != nil:
			c.logger.Warn("key cache unreadable, generating new keys", zap.Error(err))
		case ok:
			err := c.backend.restore(c.circuit, keys)
			if err == nil {
				c.logger.Info("restored keys from cache", zap.String("dir", c.cache.Dir()))
				return nil
			}
			c.logger.Warn("cached keys rejected, generating new keys", zap.Error(err))
		}
	}

	if err := c.backend.generate(c.circuit); err != nil {
		return fmt.Errorf("generate keys: %w", err)
	}

	if c.cache != nil {
		keys, err := c.backend.exportKeys()
		if err != nil {
			return fmt.Errorf("export keys: %w", err)
		}
		if err := c.cache.Save(c.backend.name(), c.circuit, keys); err != nil {
			return fmt.Errorf("save key cache: %w", err)
		}
	}
	return nil
}

// calibrate runs the circuit on random in-domain pairs plus the extreme
// corners and checks every result against the plaintext dot product.
func (c *Context) calibrate(ctx context.Context) error {
	rng := rand.New(rand.NewSource(c.seed))
	lo, hi := c.circuit.Bounds()
	r := c.circuit.ReducedDim

	pairs := make([][2][]int64, 0, c.calibration+2)
	pairs = append(pairs,
		[2][]int64{filled(r, lo), filled(r, lo)},
		[2][]int64{filled(r, lo), filled(r, hi)},
	)
	for i := 0; i < c.calibration; i++ {
		pairs = append(pairs, [2][]int64{randomVector(rng, r, lo, hi), randomVector(rng, r, lo, hi)})
	}

	for i, p := range pairs {
		if err := ctx.Err(); err != nil {
			return err
		}
		a, err := c.backend.encrypt(p[0])
		if err != nil {
			return fmt.Errorf("calibration pair %d: encrypt: %w", i, err)
		}
		b, err := c.backend.encrypt(p[1])
		if err != nil {
			return fmt.Errorf("calibration pair %d: encrypt: %w", i, err)
		}
		score, err := c.backend.dot(a, b)
		if err != nil {
			return fmt.Errorf("calibration pair %d: evaluate: %w", i, err)
		}
		got, err := c.backend.decryptScalar(score)
		if err != nil {
			return fmt.Errorf("calibration pair %d: decrypt: %w", i, err)
		}
		if want := plainDot(p[0], p[1]); got != want {
			return fmt.Errorf("calibration pair %d: circuit returned %d, expected %d", i, got, want)
		}
	}
	return nil
}

// Encrypt encrypts a quantized vector. The width must equal the circuit's
// reduced dimension and every value must lie in the circuit's input range.
func (c *Context) Encrypt(values []int64) (Ciphertext, error) {
	if !c.compiled.Load() {
		return Ciphertext{}, ErrNotCompiled
	}
	if len(values) != c.circuit.ReducedDim {
		return Ciphertext{}, fmt.Errorf("%w: width %d, circuit expects %d", ErrDomain, len(values), c.circuit.ReducedDim)
	}
	lo, hi := c.circuit.Bounds()
	for i, v := range values {
		if v < lo || v > hi {
			return Ciphertext{}, fmt.Errorf("%w: value %d at index %d outside [%d, %d]", ErrDomain, v, i, lo, hi)
		}
	}

	payload, err := c.backend.encrypt(values)
	if err != nil {
		return Ciphertext{}, fmt.Errorf("encrypt: %w", err)
	}
	c.encryptions.Add(1)
	return Ciphertext{blob: frame(c.fingerprint, payload)}, nil
}

// Evaluate runs the homomorphic dot product of a and b.
func (c *Context) Evaluate(a, b Ciphertext) (EncryptedScore, error) {
	if !c.compiled.Load() {
		return EncryptedScore{}, ErrNotCompiled
	}
	pa, err := c.payload(a)
	if err != nil {
		return EncryptedScore{}, err
	}
	pb, err := c.payload(b)
	if err != nil {
		return EncryptedScore{}, err
	}

	out, err := c.backend.dot(pa, pb)
	if err != nil {
		return EncryptedScore{}, fmt.Errorf("%w: evaluate: %v", ErrMalformedCiphertext, err)
	}
	c.evaluations.Add(1)
	return EncryptedScore{fingerprint: c.fingerprint, payload: out}, nil
}

// Decrypt returns the integer dot product held by score. It is the only
// decryption entry point of the package.
func (c *Context) Decrypt(score EncryptedScore) (int64, error) {
	if !c.compiled.Load() {
		return 0, ErrNotCompiled
	}
	if len(score.payload) == 0 {
		return 0, fmt.Errorf("%w: empty score", ErrMalformedCiphertext)
	}
	if score.fingerprint != c.fingerprint {
		return 0, ErrCircuitMismatch
	}

	v, err := c.backend.decryptScalar(score.payload)
	if err != nil {
		return 0, fmt.Errorf("%w: decrypt: %v", ErrMalformedCiphertext, err)
	}
	c.decryptions.Add(1)
	return v, nil
}

// GenerateKeyPair returns a fresh key pair under the circuit parameters. The
// context does not keep or read back either half.
func (c *Context) GenerateKeyPair() (KeyPair, error) {
	return c.backend.generateKeyPair()
}

// Usage returns the primitive call counts so far.
func (c *Context) Usage() Usage {
	return Usage{
		Encryptions: c.encryptions.Load(),
		Evaluations: c.evaluations.Load(),
		Decryptions: c.decryptions.Load(),
	}
}

// Fingerprint identifies the compiled key material, hex encoded.
func (c *Context) Fingerprint() string {
	if !c.compiled.Load() {
		return ""
	}
	return fmt.Sprintf("%x", c.fingerprint[:])
}

func (c *Context) payload(ct Ciphertext) ([]byte, error) {
	fp, payload, err := unframe(ct.blob)
	if err != nil {
		return nil, err
	}
	if fp != c.fingerprint {
		return nil, ErrCircuitMismatch
	}
	return payload, nil
}

func filled(n int, v int64) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func randomVector(rng *rand.Rand, n int, lo, hi int64) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = lo + rng.Int63n(hi-lo+1)
	}
	return out
}

func plainDot(a, b []int64) int64 {
	var sum int64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
