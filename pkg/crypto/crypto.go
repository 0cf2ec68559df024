// Package crypto owns the homomorphic circuit used for encrypted retrieval:
// one fixed computation, dot(x int[R], y int[R]) -> int, evaluated over
// ciphertext inputs.
//
// A [Context] compiles the circuit once, holds the key material and exposes
// three primitives: [Context.Encrypt], [Context.Evaluate] and
// [Context.Decrypt]. Decrypt accepts only an [EncryptedScore], the output type
// of Evaluate, so a stored chunk or query [Ciphertext] cannot be decrypted
// through this package. A [Backend] exposes no methods outside the package, so
// holding one grants no way to encrypt, evaluate, decrypt or read its keys.
package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
)

var (
	// ErrNotCompiled is returned when a primitive is used before Compile succeeded.
	ErrNotCompiled = errors.New("crypto: circuit not compiled")

	// ErrCompile wraps any failure during circuit compilation.
	ErrCompile = errors.New("crypto: circuit compilation failed")

	// ErrCapacity is returned by Compile, alongside ErrCompile, when the
	// circuit cannot run on the backend at all. Retrying cannot fix it.
	ErrCapacity = errors.New("crypto: circuit exceeds backend capacity")

	// ErrDomain is returned when a vector's width or value range does not
	// match the compiled circuit.
	ErrDomain = errors.New("crypto: vector outside circuit domain")

	// ErrMalformedCiphertext is returned for blobs that cannot be parsed.
	ErrMalformedCiphertext = errors.New("crypto: malformed ciphertext")

	// ErrCircuitMismatch is returned for ciphertexts produced under other keys.
	ErrCircuitMismatch = errors.New("crypto: ciphertext from a different circuit")
)

// blobVersion prefixes every serialized ciphertext. Recompiling the circuit
// changes the key fingerprint; the format itself is not versioned beyond this.
const blobVersion byte = 2

// Every backend payload starts with one of these tags. Dot accepts only
// vectors and decryptScalar accepts only scores.
const (
	tagVector byte = 0xC0
	tagScore  byte = 0xD0
)

const headerSize = 1 + fingerprintSize

const fingerprintSize = 8

// Circuit describes the fixed dot-product computation.
type Circuit struct {
	// ReducedDim is the vector width R.
	ReducedDim int `json:"reduced_dim"`

	// Bits is the signed quantization width B of every input component.
	Bits int `json:"bits"`
}

// Validate checks the circuit shape on its own.
func (c Circuit) Validate() error {
	if c.ReducedDim <= 0 {
		return fmt.Errorf("reduced dimension must be positive, got %d", c.ReducedDim)
	}
	if c.Bits < 2 || c.Bits > 16 {
		return fmt.Errorf("quantization bits must be in [2, 16], got %d", c.Bits)
	}
	return nil
}

// Bounds returns the inclusive input range of the circuit.
func (c Circuit) Bounds() (lo, hi int64) {
	return -(int64(1) << (c.Bits - 1)), int64(1)<<(c.Bits-1) - 1
}

// MaxAbsDot is the largest |dot| any pair of in-domain inputs can produce.
func (c Circuit) MaxAbsDot() int64 {
	lo, _ := c.Bounds()
	return int64(c.ReducedDim) * lo * lo
}

// Multiplies counts the homomorphic multiplications one evaluation performs.
func (c Circuit) Multiplies() int { return c.ReducedDim }

// Adds counts the additions that sum the R products.
func (c Circuit) Adds() int { return c.ReducedDim - 1 }

func (c Circuit) String() string {
	return fmt.Sprintf("dot(int%d[%d])", c.Bits, c.ReducedDim)
}

// KeyPair is an opaque serialized public/secret key pair.
type KeyPair struct {
	PublicKey []byte
	SecretKey []byte
}

// Backend is an encryption scheme able to run the dot-product circuit.
//
// The interface is sealed: its methods are unexported, so only this package
// can drive a backend, and only through a [Context]. Implementations hold
// their own key material. Ciphertext payloads are backend-specific and
// tagged as vector or score; the Context frames them with a key fingerprint.
type Backend interface {
	// name identifies the backend in key caches and logs.
	name() string

	// maxAbsDot is the largest |dot| the backend decrypts exactly.
	maxAbsDot() int64

	// maxWidth is the widest vector one ciphertext can hold.
	maxWidth() int

	// generate creates fresh key material for circuit.
	generate(circuit Circuit) error

	// restore loads key material previously returned by exportKeys.
	restore(circuit Circuit, keys KeyPair) error

	// exportKeys serializes the active key material for the key cache.
	exportKeys() (KeyPair, error)

	// encrypt encrypts an integer vector under the public key.
	encrypt(values []int64) ([]byte, error)

	// dot evaluates the circuit on two vector payloads.
	dot(a, b []byte) ([]byte, error)

	// decryptScalar decrypts the output of dot and rejects anything else.
	decryptScalar(score []byte) (int64, error)

	// generateKeyPair creates a key pair under the backend parameters without
	// installing it.
	generateKeyPair() (KeyPair, error)
}

var (
	_ Backend = (*BFV)(nil)
	_ Backend = (*Simulated)(nil)
)

// tagged prefixes payload with tag.
func tagged(tag byte, payload []byte) []byte {
	out := make([]byte, 0, 1+len(payload))
	out = append(out, tag)
	return append(out, payload...)
}

// untag strips tag from payload, failing if the payload carries another one.
func untag(tag byte, payload []byte) ([]byte, error) {
	if len(payload) < 2 || payload[0] != tag {
		if tag == tagScore {
			return nil, errors.New("payload is not a score")
		}
		return nil, errors.New("payload is not a vector")
	}
	return payload[1:], nil
}

// Ciphertext is an encrypted QuantizedVector, safe to persist.
type Ciphertext struct {
	blob []byte
}

// ParseCiphertext wraps a persisted blob. Only the header is checked here;
// the payload is validated when the ciphertext is evaluated.
func ParseCiphertext(blob []byte) (Ciphertext, error) {
	if len(blob) <= headerSize || blob[0] != blobVersion {
		return Ciphertext{}, ErrMalformedCiphertext
	}
	return Ciphertext{blob: blob}, nil
}

// Bytes returns the serialized form for storage.
func (c Ciphertext) Bytes() []byte { return c.blob }

// IsZero reports whether c holds no data.
func (c Ciphertext) IsZero() bool { return len(c.blob) == 0 }

// EncryptedScore is the encrypted output of one circuit evaluation. It has no
// exported constructor and no serialized form.
type EncryptedScore struct {
	fingerprint [fingerprintSize]byte
	payload     []byte
}

func fingerprintOf(publicKey []byte) [fingerprintSize]byte {
	var fp [fingerprintSize]byte
	sum := sha256.Sum256(publicKey)
	copy(fp[:], sum[:fingerprintSize])
	return fp
}

func frame(fp [fingerprintSize]byte, payload []byte) []byte {
	blob := make([]byte, 0, headerSize+len(payload))
	blob = append(blob, blobVersion)
	blob = append(blob, fp[:]...)
	return append(blob, payload...)
}

func unframe(blob []byte) ([fingerprintSize]byte, []byte, error) {
	var fp [fingerprintSize]byte
	if len(blob) <= headerSize || blob[0] != blobVersion {
		return fp, nil, ErrMalformedCiphertext
	}
	copy(fp[:], blob[1:headerSize])
	return fp, blob[headerSize:], nil
}
