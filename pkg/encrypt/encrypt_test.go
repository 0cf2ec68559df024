package encrypt

import (
	"bytes"
	"errors"
	"testing"
)

func testKey(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, KeySize)
}

func TestAESGCM_SealOpen(t *testing.T) {
	sealer, err := NewAESGCM(testKey(7))
	if err != nil {
		t.Fatalf("failed to create sealer: %v", err)
	}

	plaintext := []byte("serialized secret key material")
	aad := []byte("cipherrag/secret-key")

	sealed, err := sealer.Seal(plaintext, aad)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if len(sealed) <= len(plaintext) {
		t.Error("sealed payload should be longer than plaintext")
	}

	opened, err := sealer.Open(sealed, aad)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("opened payload mismatch\ngot: %s\nwant: %s", opened, plaintext)
	}

	if _, err := sealer.Open(sealed, []byte("other-purpose")); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("open with wrong AAD: expected ErrDecryptionFailed, got %v", err)
	}
}

func TestAESGCM_RejectsBadInput(t *testing.T) {
	if _, err := NewAESGCM([]byte("short")); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("short key: expected ErrInvalidKey, got %v", err)
	}

	sealer, _ := NewAESGCM(testKey(1))
	if _, err := sealer.Open([]byte{1, 2, 3}, nil); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("short payload: expected ErrInvalidCiphertext, got %v", err)
	}
}

func TestAESGCM_WrongKey(t *testing.T) {
	a, _ := NewAESGCM(testKey(1))
	b, _ := NewAESGCM(testKey(2))

	sealed, err := a.Seal([]byte("payload"), nil)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if _, err := b.Open(sealed, nil); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("wrong key: expected ErrDecryptionFailed, got %v", err)
	}
	if a.KeyFingerprint() == b.KeyFingerprint() {
		t.Error("different keys should have different fingerprints")
	}
}

func TestPassphraseRoundTrip(t *testing.T) {
	payload, err := SealWithPassphrase("correct horse", []byte("sk-bytes"), []byte("aad"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	opened, err := OpenWithPassphrase("correct horse", payload, []byte("aad"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if string(opened) != "sk-bytes" {
		t.Errorf("got %q, want %q", opened, "sk-bytes")
	}

	if _, err := OpenWithPassphrase("battery staple", payload, []byte("aad")); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("wrong passphrase: expected ErrDecryptionFailed, got %v", err)
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	salt := bytes.Repeat([]byte{9}, SaltSize)
	if !bytes.Equal(DeriveKey("pass", salt), DeriveKey("pass", salt)) {
		t.Error("same passphrase and salt should derive the same key")
	}
	if bytes.Equal(DeriveKey("pass", salt), DeriveKey("other", salt)) {
		t.Error("different passphrases should derive different keys")
	}
}
