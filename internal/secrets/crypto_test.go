package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestNewCipherValidation(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr string
	}{
		{"missing key", "", "RELAY_ENCRYPTION_KEY is not set"},
		{"not base64", "!!not-base64!!", "not valid base64"},
		{"wrong length", base64.StdEncoding.EncodeToString([]byte("short")), "exactly 32 bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCipher(tt.key, 1)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestMissingKeyErrorNamesGenerationCommand(t *testing.T) {
	_, err := NewCipher("", 1)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "head -c 32 /dev/urandom | base64") {
		t.Errorf("error %q should tell the operator how to generate a key", err)
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	c, err := NewCipher(testKey(t), 1)
	if err != nil {
		t.Fatal(err)
	}

	for _, plaintext := range []string{"", "hello", "ghp_averylongtokenvalue1234567890"} {
		sealed, err := c.Seal(plaintext)
		if err != nil {
			t.Fatal(err)
		}
		if sealed == plaintext && plaintext != "" {
			t.Error("ciphertext equals plaintext")
		}
		got, err := c.Open(sealed, 1)
		if err != nil {
			t.Fatal(err)
		}
		if got != plaintext {
			t.Errorf("round trip = %q, want %q", got, plaintext)
		}
	}
}

func TestSealProducesUniqueCiphertexts(t *testing.T) {
	c, err := NewCipher(testKey(t), 1)
	if err != nil {
		t.Fatal(err)
	}
	a, _ := c.Seal("same value")
	b, _ := c.Seal("same value")
	if a == b {
		t.Error("two seals of the same value produced identical ciphertext (nonce reuse?)")
	}
}

func TestOpenKeyVersionMismatch(t *testing.T) {
	c, err := NewCipher(testKey(t), 2)
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := c.Seal("value")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Open(sealed, 1); !errors.Is(err, ErrKeyVersionMismatch) {
		t.Errorf("err = %v, want ErrKeyVersionMismatch", err)
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	c1, _ := NewCipher(testKey(t), 1)
	c2, _ := NewCipher(testKey(t), 1)

	sealed, err := c1.Seal("value")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c2.Open(sealed, 1); err == nil {
		t.Error("opening with a different key should fail")
	}
}

func TestOpenRejectsTruncatedCiphertext(t *testing.T) {
	c, _ := NewCipher(testKey(t), 1)
	if _, err := c.Open(base64.StdEncoding.EncodeToString([]byte("xy")), 1); err == nil {
		t.Error("expected error for ciphertext shorter than the nonce")
	}
}

func TestDefaultVersionIsOne(t *testing.T) {
	c, err := NewCipher(testKey(t), 0)
	if err != nil {
		t.Fatal(err)
	}
	if c.KeyVersion() != 1 {
		t.Errorf("KeyVersion() = %d, want 1", c.KeyVersion())
	}
}
