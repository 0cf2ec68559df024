package crypto

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"go.uber.org/zap"
)

func compiledSimulated(t *testing.T, circuit Circuit, opts ...Option) *Context {
	t.Helper()
	c, err := NewContext(circuit, NewSimulated(), opts...)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	if err := c.Compile(context.Background()); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return c
}

func dotRoundTrip(t *testing.T, c *Context, a, b []int64) int64 {
	t.Helper()
	ca, err := c.Encrypt(a)
	if err != nil {
		t.Fatalf("Encrypt a: %v", err)
	}
	cb, err := c.Encrypt(b)
	if err != nil {
		t.Fatalf("Encrypt b: %v", err)
	}
	score, err := c.Evaluate(ca, cb)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	got, err := c.Decrypt(score)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	return got
}

func checkRoundTrips(t *testing.T, c *Context) {
	t.Helper()
	r := c.Circuit().ReducedDim
	lo, hi := c.Circuit().Bounds()

	zero := make([]int64, r)
	if got := dotRoundTrip(t, c, zero, zero); got != 0 {
		t.Errorf("zero vectors: got %d, want 0", got)
	}

	e0 := make([]int64, r)
	e1 := make([]int64, r)
	e0[0], e1[1] = hi, hi
	if got := dotRoundTrip(t, c, e0, e1); got != 0 {
		t.Errorf("orthogonal one-hot vectors: got %d, want 0", got)
	}

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 5; i++ {
		v := randomVector(rng, r, lo, hi)
		var want int64
		for _, x := range v {
			want += x * x
		}
		if got := dotRoundTrip(t, c, v, v); got != want {
			t.Errorf("self dot %d: got %d, want %d", i, got, want)
		}

		w := randomVector(rng, r, lo, hi)
		if got, want := dotRoundTrip(t, c, v, w), plainDot(v, w); got != want {
			t.Errorf("random pair %d: got %d, want %d", i, got, want)
		}
	}

	extreme := filled(r, lo)
	if got, want := dotRoundTrip(t, c, extreme, extreme), c.Circuit().MaxAbsDot(); got != want {
		t.Errorf("worst case: got %d, want %d", got, want)
	}
}

func TestSimulatedRoundTrip(t *testing.T) {
	c := compiledSimulated(t, Circuit{ReducedDim: 32, Bits: 4})
	checkRoundTrips(t, c)
}

func TestBFVRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping lattice key generation in short mode")
	}

	backend, err := NewBFV(2)
	if err != nil {
		t.Fatalf("NewBFV: %v", err)
	}
	c, err := NewContext(Circuit{ReducedDim: 32, Bits: 4}, backend,
		WithCalibrationSamples(2), WithCalibrationSeed(1))
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	if err := c.Compile(context.Background()); err != nil {
		t.Fatalf("Compile: %v", err)
	}

	checkRoundTrips(t, c)
}

func TestPrimitivesRequireCompile(t *testing.T) {
	c, err := NewContext(Circuit{ReducedDim: 4, Bits: 4}, NewSimulated())
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	if c.Compiled() {
		t.Fatal("context reports compiled before Compile")
	}
	if _, err := c.Encrypt(make([]int64, 4)); !errors.Is(err, ErrNotCompiled) {
		t.Errorf("Encrypt before Compile: got %v, want ErrNotCompiled", err)
	}
	if _, err := c.Evaluate(Ciphertext{}, Ciphertext{}); !errors.Is(err, ErrNotCompiled) {
		t.Errorf("Evaluate before Compile: got %v, want ErrNotCompiled", err)
	}
	if _, err := c.Decrypt(EncryptedScore{}); !errors.Is(err, ErrNotCompiled) {
		t.Errorf("Decrypt before Compile: got %v, want ErrNotCompiled", err)
	}
}

func TestCompileIdempotentAndConcurrent(t *testing.T) {
	c, err := NewContext(Circuit{ReducedDim: 8, Bits: 4}, NewSimulated())
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Compile(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Compile: %v", err)
		}
	}

	fp := c.Fingerprint()
	if err := c.Compile(context.Background()); err != nil {
		t.Fatalf("second Compile: %v", err)
	}
	if c.Fingerprint() != fp {
		t.Error("recompiling changed the key material")
	}
}

func TestCompileRejectsOversizedCircuit(t *testing.T) {
	backend, err := NewBFV(1)
	if err != nil {
		t.Fatalf("NewBFV: %v", err)
	}
	// 4096 * 128^2 is far beyond (65537-1)/2.
	c, err := NewContext(Circuit{ReducedDim: 4096, Bits: 8}, backend)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	err = c.Compile(context.Background())
	if !errors.Is(err, ErrCompile) || !errors.Is(err, ErrCapacity) {
		t.Fatalf("Compile: got %v, want ErrCompile and ErrCapacity", err)
	}
	if c.Compiled() {
		t.Error("context compiled despite overflow")
	}
}

func TestNewContextRejectsInvalidCircuit(t *testing.T) {
	for _, circuit := range []Circuit{{ReducedDim: 0, Bits: 4}, {ReducedDim: 8, Bits: 1}, {ReducedDim: 8, Bits: 17}} {
		if _, err := NewContext(circuit, NewSimulated()); !errors.Is(err, ErrCompile) {
			t.Errorf("NewContext(%+v): got %v, want ErrCompile", circuit, err)
		}
	}
}

func TestEncryptDomain(t *testing.T) {
	c := compiledSimulated(t, Circuit{ReducedDim: 4, Bits: 4})

	if _, err := c.Encrypt([]int64{1, 2, 3}); !errors.Is(err, ErrDomain) {
		t.Errorf("short vector: got %v, want ErrDomain", err)
	}
	if _, err := c.Encrypt([]int64{0, 0, 0, 8}); !errors.Is(err, ErrDomain) {
		t.Errorf("value above range: got %v, want ErrDomain", err)
	}
	if _, err := c.Encrypt([]int64{-9, 0, 0, 0}); !errors.Is(err, ErrDomain) {
		t.Errorf("value below range: got %v, want ErrDomain", err)
	}
	if _, err := c.Encrypt([]int64{-8, 7, 0, 0}); err != nil {
		t.Errorf("boundary values: %v", err)
	}
}

func TestCiphertextFromOtherCompilation(t *testing.T) {
	circuit := Circuit{ReducedDim: 4, Bits: 4}
	a := compiledSimulated(t, circuit)
	b := compiledSimulated(t, circuit)

	ca, err := a.Encrypt([]int64{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	cb, err := b.Encrypt([]int64{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := a.Evaluate(ca, cb); !errors.Is(err, ErrCircuitMismatch) {
		t.Errorf("Evaluate across compilations: got %v, want ErrCircuitMismatch", err)
	}

	score, err := b.Evaluate(cb, cb)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if _, err := a.Decrypt(score); !errors.Is(err, ErrCircuitMismatch) {
		t.Errorf("Decrypt foreign score: got %v, want ErrCircuitMismatch", err)
	}
}

func TestCiphertextPersistence(t *testing.T) {
	c := compiledSimulated(t, Circuit{ReducedDim: 4, Bits: 4})
	ct, err := c.Encrypt([]int64{1, -2, 3, -4})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	parsed, err := ParseCiphertext(append([]byte(nil), ct.Bytes()...))
	if err != nil {
		t.Fatalf("ParseCiphertext: %v", err)
	}
	score, err := c.Evaluate(parsed, ct)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	got, err := c.Decrypt(score)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != 30 {
		t.Errorf("dot after reload = %d, want 30", got)
	}

	for _, blob := range [][]byte{nil, {blobVersion}, {9, 1, 2, 3, 4, 5, 6, 7, 8, 0}} {
		if _, err := ParseCiphertext(blob); !errors.Is(err, ErrMalformedCiphertext) {
			t.Errorf("ParseCiphertext(%v): got %v, want ErrMalformedCiphertext", blob, err)
		}
	}
}

func TestGenerateKeyPairIsFresh(t *testing.T) {
	c := compiledSimulated(t, Circuit{ReducedDim: 4, Bits: 4})
	fp := c.Fingerprint()

	kp1, err := c.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	kp2, err := c.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	if string(kp1.SecretKey) == string(kp2.SecretKey) {
		t.Error("two key pairs share a secret key")
	}
	if c.Fingerprint() != fp {
		t.Error("GenerateKeyPair replaced the active keys")
	}
}

func TestKeyCacheReload(t *testing.T) {
	dir := t.TempDir()
	circuit := Circuit{ReducedDim: 8, Bits: 4}
	cache := NewKeyCache(dir, "correct horse", zap.NewNop())

	first := compiledSimulated(t, circuit, WithKeyCache(cache))
	ct, err := first.Encrypt([]int64{1, 2, 3, 4, 5, 6, 7, -8})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	for _, name := range []string{manifestFile, publicKeyFile, secretKeyFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("key cache missing %s: %v", name, err)
		}
	}

	second := compiledSimulated(t, circuit, WithKeyCache(NewKeyCache(dir, "correct horse", zap.NewNop())))
	if second.Fingerprint() != first.Fingerprint() {
		t.Fatal("restart did not reuse cached keys")
	}
	score, err := second.Evaluate(ct, ct)
	if err != nil {
		t.Fatalf("Evaluate persisted ciphertext: %v", err)
	}
	got, err := second.Decrypt(score)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != 204 {
		t.Errorf("dot = %d, want 204", got)
	}
}

func TestKeyCacheCircuitMismatchRegenerates(t *testing.T) {
	dir := t.TempDir()
	first := compiledSimulated(t, Circuit{ReducedDim: 8, Bits: 4}, WithKeyCache(NewKeyCache(dir, "pw", nil)))
	second := compiledSimulated(t, Circuit{ReducedDim: 16, Bits: 4}, WithKeyCache(NewKeyCache(dir, "pw", nil)))
	if first.Fingerprint() == second.Fingerprint() {
		t.Error("different circuit reused cached keys")
	}

	keys, ok, err := NewKeyCache(dir, "pw", nil).Load(SimulatedName, Circuit{ReducedDim: 16, Bits: 4})
	if err != nil || !ok {
		t.Fatalf("Load after regeneration: ok=%v err=%v", ok, err)
	}
	if len(keys.SecretKey) == 0 {
		t.Error("cached secret key is empty")
	}
}

func TestKeyCacheWrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	circuit := Circuit{ReducedDim: 8, Bits: 4}
	first := compiledSimulated(t, circuit, WithKeyCache(NewKeyCache(dir, "right", nil)))

	if _, _, err := NewKeyCache(dir, "wrong", nil).Load(SimulatedName, circuit); err == nil {
		t.Fatal("Load with wrong passphrase succeeded")
	}

	// A context with the wrong passphrase still starts, with fresh keys.
	second := compiledSimulated(t, circuit, WithKeyCache(NewKeyCache(dir, "wrong", nil)))
	if second.Fingerprint() == first.Fingerprint() {
		t.Error("wrong passphrase recovered the original keys")
	}
}

// checkVectorNotDecryptable asserts that the payload of a stored vector
// ciphertext is refused by the scalar decryption path and that a score
// cannot be fed back in as a vector.
func checkVectorNotDecryptable(t *testing.T, c *Context) {
	t.Helper()
	v := make([]int64, c.Circuit().ReducedDim)
	v[0], v[1] = 5, -3
	ct, err := c.Encrypt(v)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	_, payload, err := unframe(ct.Bytes())
	if err != nil {
		t.Fatalf("unframe: %v", err)
	}
	if got, err := c.backend.decryptScalar(payload); err == nil {
		t.Fatalf("decryptScalar(vector ciphertext) = %d, want error", got)
	}

	score, err := c.Evaluate(ct, ct)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if _, err := c.backend.dot(score.payload, score.payload); err == nil {
		t.Error("dot accepted score payloads as vectors")
	}
	// A score smuggled into a Ciphertext frame is not a vector either.
	forged := Ciphertext{blob: frame(c.fingerprint, score.payload)}
	if _, err := c.Evaluate(forged, ct); !errors.Is(err, ErrMalformedCiphertext) {
		t.Errorf("Evaluate(forged vector): got %v, want ErrMalformedCiphertext", err)
	}
	if _, err := c.Decrypt(EncryptedScore{}); !errors.Is(err, ErrMalformedCiphertext) {
		t.Errorf("Decrypt(zero score): got %v, want ErrMalformedCiphertext", err)
	}
	// Re-parsing the stored blob yields a Ciphertext, which Decrypt does not take.
	if _, err := ParseCiphertext(ct.Bytes()); err != nil {
		t.Fatalf("ParseCiphertext: %v", err)
	}
}

func TestStoredVectorNotDecryptableSimulated(t *testing.T) {
	checkVectorNotDecryptable(t, compiledSimulated(t, Circuit{ReducedDim: 4, Bits: 4}))
}

func TestStoredVectorNotDecryptableBFV(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping lattice key generation in short mode")
	}
	backend, err := NewBFV(1)
	if err != nil {
		t.Fatalf("NewBFV: %v", err)
	}
	c, err := NewContext(Circuit{ReducedDim: 4, Bits: 4}, backend, WithCalibrationSamples(1), WithCalibrationSeed(1))
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	if err := c.Compile(context.Background()); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	checkVectorNotDecryptable(t, c)
}

func TestUsageCountsPrimitives(t *testing.T) {
	c := compiledSimulated(t, Circuit{ReducedDim: 4, Bits: 4})
	if u := c.Usage(); u != (Usage{}) {
		t.Fatalf("usage after Compile = %+v, want zero", u)
	}
	dotRoundTrip(t, c, []int64{1, 2, 3, 4}, []int64{4, 3, 2, 1})
	if u, want := c.Usage(), (Usage{Encryptions: 2, Evaluations: 1, Decryptions: 1}); u != want {
		t.Errorf("usage = %+v, want %+v", u, want)
	}
}

func BenchmarkSimulatedEvaluate(b *testing.B) {
	c, _ := NewContext(Circuit{ReducedDim: 32, Bits: 4}, NewSimulated())
	if err := c.Compile(context.Background()); err != nil {
		b.Fatal(err)
	}
	v := make([]int64, 32)
	for i := range v {
		v[i] = int64(i%15) - 7
	}
	ct, _ := c.Encrypt(v)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		score, _ := c.Evaluate(ct, ct)
		c.Decrypt(score)
	}
}
