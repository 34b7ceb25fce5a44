package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"testing"
)

func TestFingerprint(t *testing.T) {
	digest := HashFingerprint("serial-XYZ")
	if len(digest) != 64 {
		t.Fatalf("digest length: got %d, want 64", len(digest))
	}
	if HashFingerprint("  serial-XYZ\n") != digest {
		t.Error("whitespace should not change the digest")
	}
	tests := []struct {
		name        string
		recorded    string
		fingerprint string
		want        bool
	}{
		{"match", digest, "serial-XYZ", true},
		{"mismatch", digest, "serial-ABC", false},
		{"missing fingerprint", digest, "", false},
		{"unbound device", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchFingerprint(tt.recorded, tt.fingerprint); got != tt.want {
				t.Errorf("MatchFingerprint: got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEncryptToBase64RoundTrip(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	iv := []byte("abcdef9876543210")
	plaintext := []byte(`{"title":"Geofence exit","body":"laptop left home"}`)

	encoded, err := EncryptToBase64(append([]byte(nil), plaintext...), key, iv)
	if err != nil {
		t.Fatalf("EncryptToBase64: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("decode base64: %v", err)
	}
	block, _ := aes.NewCipher(key)
	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, raw)
	pad := int(out[len(out)-1])
	if got := string(out[:len(out)-pad]); got != string(plaintext) {
		t.Errorf("round trip: got %q, want %q", got, plaintext)
	}

	if _, err := EncryptToBase64(plaintext, key, iv[:8]); err == nil {
		t.Error("short iv: want error")
	}
}

func TestGenerateString(t *testing.T) {
	s, err := GenerateString(32)
	if err != nil {
		t.Fatalf("GenerateString: %v", err)
	}
	if len([]rune(s)) != 32 {
		t.Errorf("length: got %d, want 32", len([]rune(s)))
	}
	if _, err := GenerateString(0); err == nil {
		t.Error("zero length: want error")
	}
}
