package crypto

import (
	"bytes"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"github.com/tuneinsight/lattigo/v5/schemes/bfv"
)

// BFVName identifies the lattice backend in key caches.
const BFVName = "bfv"

// BFV runs the circuit under the BFV scheme. Vectors are packed into the
// first R slots of one plaintext row; the dot product is a ciphertext
// multiplication followed by log2(R) rotate-and-add steps, leaving the sum
// in slot 0.
type BFV struct {
	params  bfv.Parameters
	workers int

	mu      sync.RWMutex
	circuit Circuit
	sk      *rlwe.SecretKey
	pk      *rlwe.PublicKey
	pool    *enginePool
}

// NewBFV creates a BFV backend with 128-bit parameters (N = 2^14,
// t = 65537). workers bounds the number of parallel evaluations; values
// below one default to the number of CPUs.
func NewBFV(workers int) (*BFV, error) {
	params, err := bfv.NewParametersFromLiteral(bfv.ExampleParameters128BitLogN14LogQP438)
	if err != nil {
		return nil, fmt.Errorf("bfv parameters: %w", err)
	}
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	return &BFV{params: params, workers: workers}, nil
}

func (b *BFV) name() string { return BFVName }

// maxAbsDot is (t-1)/2: decoded slots are centered in (-t/2, t/2].
func (b *BFV) maxAbsDot() int64 {
	return int64(b.params.PlaintextModulus()-1) / 2
}

// maxWidth is one plaintext row, N/2 slots.
func (b *BFV) maxWidth() int {
	return b.params.N() / 2
}

func (b *BFV) generate(circuit Circuit) error {
	kgen := rlwe.NewKeyGenerator(b.params)
	sk, pk := kgen.GenKeyPairNew()
	return b.install(circuit, sk, pk)
}

func (b *BFV) restore(circuit Circuit, keys KeyPair) error {
	sk := rlwe.NewSecretKey(b.params)
	if _, err := sk.ReadFrom(bytes.NewReader(keys.SecretKey)); err != nil {
		return fmt.Errorf("read secret key: %w", err)
	}
	pk := rlwe.NewPublicKey(b.params)
	if _, err := pk.ReadFrom(bytes.NewReader(keys.PublicKey)); err != nil {
		return fmt.Errorf("read public key: %w", err)
	}
	return b.install(circuit, sk, pk)
}

// install derives the evaluation keys for circuit and rebuilds the engine pool.
func (b *BFV) install(circuit Circuit, sk *rlwe.SecretKey, pk *rlwe.PublicKey) error {
	if circuit.ReducedDim > b.maxWidth() {
		return fmt.Errorf("reduced dimension %d exceeds row size %d", circuit.ReducedDim, b.maxWidth())
	}

	kgen := rlwe.NewKeyGenerator(b.params)
	rlk := kgen.GenRelinearizationKeyNew(sk)
	gks := kgen.GenGaloisKeysNew(b.galoisElements(circuit.ReducedDim), sk)
	evk := rlwe.NewMemEvaluationKeySet(rlk, gks...)

	pool := newEnginePool(b.workers, b.params, sk, pk, evk)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.circuit = circuit
	b.sk = sk
	b.pk = pk
	b.pool = pool
	return nil
}

// galoisElements returns the rotations used by the summation: 1, 2, 4, ...
// up to the first power of two covering width.
func (b *BFV) galoisElements(width int) []uint64 {
	var elements []uint64
	for i := 1; i < width; i *= 2 {
		elements = append(elements, b.params.GaloisElement(i))
	}
	return elements
}

func (b *BFV) exportKeys() (KeyPair, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.sk == nil {
		return KeyPair{}, errors.New("no key material installed")
	}
	return b.serializeKeys(b.sk, b.pk)
}

func (b *BFV) serializeKeys(sk *rlwe.SecretKey, pk *rlwe.PublicKey) (KeyPair, error) {
	skBuf := new(bytes.Buffer)
	if _, err := sk.WriteTo(skBuf); err != nil {
		return KeyPair{}, fmt.Errorf("serialize secret key: %w", err)
	}
	pkBuf := new(bytes.Buffer)
	if _, err := pk.WriteTo(pkBuf); err != nil {
		return KeyPair{}, fmt.Errorf("serialize public key: %w", err)
	}
	return KeyPair{PublicKey: pkBuf.Bytes(), SecretKey: skBuf.Bytes()}, nil
}

func (b *BFV) encrypt(values []int64) ([]byte, error) {
	pool, err := b.activePool()
	if err != nil {
		return nil, err
	}
	e := pool.acquire()
	defer pool.release(e)

	pt := bfv.NewPlaintext(b.params, b.params.MaxLevel())
	if err := e.encoder.Encode(values, pt); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	ct, err := e.encryptor.EncryptNew(pt)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	return b.serializeCiphertext(tagVector, ct)
}

func (b *BFV) dot(x, y []byte) ([]byte, error) {
	pool, err := b.activePool()
	if err != nil {
		return nil, err
	}
	ctX, err := b.deserializeCiphertext(tagVector, x)
	if err != nil {
		return nil, err
	}
	ctY, err := b.deserializeCiphertext(tagVector, y)
	if err != nil {
		return nil, err
	}

	e := pool.acquire()
	defer pool.release(e)

	result, err := e.evaluator.MulRelinNew(ctX, ctY)
	if err != nil {
		return nil, fmt.Errorf("multiply: %w", err)
	}

	width := b.width()
	for i := 1; i < width; i *= 2 {
		rotated, err := e.evaluator.RotateColumnsNew(result, i)
		if err != nil {
			return nil, fmt.Errorf("rotate %d: %w", i, err)
		}
		if err := e.evaluator.Add(result, rotated, result); err != nil {
			return nil, fmt.Errorf("add: %w", err)
		}
	}
	return b.serializeCiphertext(tagScore, result)
}

func (b *BFV) decryptScalar(score []byte) (int64, error) {
	pool, err := b.activePool()
	if err != nil {
		return 0, err
	}
	ct, err := b.deserializeCiphertext(tagScore, score)
	if err != nil {
		return 0, err
	}

	e := pool.acquire()
	defer pool.release(e)

	pt := e.decryptor.DecryptNew(ct)
	slots := make([]int64, b.params.N())
	if err := e.encoder.Decode(pt, slots); err != nil {
		return 0, fmt.Errorf("decode: %w", err)
	}
	return slots[0], nil
}

func (b *BFV) generateKeyPair() (KeyPair, error) {
	sk, pk := rlwe.NewKeyGenerator(b.params).GenKeyPairNew()
	return b.serializeKeys(sk, pk)
}

func (b *BFV) activePool() (*enginePool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.pool == nil {
		return nil, errors.New("bfv backend has no key material")
	}
	return b.pool, nil
}

func (b *BFV) width() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.circuit.ReducedDim
}

func (b *BFV) serializeCiphertext(tag byte, ct *rlwe.Ciphertext) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.WriteByte(tag)
	if _, err := ct.WriteTo(buf); err != nil {
		return nil, fmt.Errorf("serialize ciphertext: %w", err)
	}
	return buf.Bytes(), nil
}

func (b *BFV) deserializeCiphertext(tag byte, data []byte) (*rlwe.Ciphertext, error) {
	body, err := untag(tag, data)
	if err != nil {
		return nil, err
	}
	ct := rlwe.NewCiphertext(b.params, 1, b.params.MaxLevel())
	if _, err := ct.ReadFrom(bytes.NewReader(body)); err != nil {
		return nil, fmt.Errorf("deserialize ciphertext: %w", err)
	}
	return ct, nil
}
