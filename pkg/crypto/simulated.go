package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
)

// SimulatedName identifies the simulated backend in key caches.
const SimulatedName = "simulated"

// Simulated is a deterministic stand-in for a lattice backend. Payloads are
// tagged little-endian integers with no confidentiality at all; it exists so
// the rest of the system can be exercised quickly.
type Simulated struct {
	mu     sync.RWMutex
	secret []byte
	public []byte
	width  int
}

// NewSimulated creates a simulated backend.
func NewSimulated() *Simulated {
	return &Simulated{}
}

func (s *Simulated) name() string { return SimulatedName }

// maxAbsDot matches what an int64 accumulator can hold for any supported
// circuit without overflow.
func (s *Simulated) maxAbsDot() int64 { return math.MaxInt32 }

func (s *Simulated) maxWidth() int { return 1 << 16 }

func (s *Simulated) generate(circuit Circuit) error {
	keys, err := s.generateKeyPair()
	if err != nil {
		return err
	}
	return s.restore(circuit, keys)
}

func (s *Simulated) restore(circuit Circuit, keys KeyPair) error {
	if len(keys.SecretKey) == 0 {
		return errors.New("empty secret key")
	}
	want := sha256.Sum256(keys.SecretKey)
	if string(want[:]) != string(keys.PublicKey) {
		return errors.New("public key does not match secret key")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.secret = append([]byte(nil), keys.SecretKey...)
	s.public = append([]byte(nil), keys.PublicKey...)
	s.width = circuit.ReducedDim
	return nil
}

func (s *Simulated) exportKeys() (KeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.secret == nil {
		return KeyPair{}, errors.New("no key material installed")
	}
	return KeyPair{
		PublicKey: append([]byte(nil), s.public...),
		SecretKey: append([]byte(nil), s.secret...),
	}, nil
}

func (s *Simulated) encrypt(values []int64) ([]byte, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	out := make([]byte, 1, 1+8*len(values))
	out[0] = tagVector
	for _, v := range values {
		out = binary.LittleEndian.AppendUint64(out, uint64(v))
	}
	return out, nil
}

func (s *Simulated) dot(a, b []byte) ([]byte, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	x, err := decodeVector(a)
	if err != nil {
		return nil, err
	}
	y, err := decodeVector(b)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	width := s.width
	s.mu.RUnlock()
	if len(x) != width || len(y) != width {
		return nil, fmt.Errorf("width mismatch: %d and %d, circuit width %d", len(x), len(y), width)
	}

	out := make([]byte, 1, 9)
	out[0] = tagScore
	return binary.LittleEndian.AppendUint64(out, uint64(plainDot(x, y))), nil
}

func (s *Simulated) decryptScalar(score []byte) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	body, err := untag(tagScore, score)
	if err != nil {
		return 0, err
	}
	if len(body) != 8 {
		return 0, errors.New("score payload has wrong length")
	}
	return int64(binary.LittleEndian.Uint64(body)), nil
}

func (s *Simulated) generateKeyPair() (KeyPair, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return KeyPair{}, fmt.Errorf("read random: %w", err)
	}
	public := sha256.Sum256(secret)
	return KeyPair{PublicKey: public[:], SecretKey: secret}, nil
}

func (s *Simulated) ready() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.secret == nil {
		return errors.New("simulated backend has no key material")
	}
	return nil
}

func decodeVector(payload []byte) ([]int64, error) {
	body, err := untag(tagVector, payload)
	if err != nil {
		return nil, err
	}
	if len(body)%8 != 0 {
		return nil, errors.New("vector payload has wrong length")
	}
	out := make([]int64, len(body)/8)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(body[8*i:]))
	}
	return out, nil
}
