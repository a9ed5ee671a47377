package vault

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := GenerateVaultKey()
	if err != nil {
		t.Fatalf("GenerateVaultKey failed: %v", err)
	}
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := testKey(t)
	payloads := []string{
		`{"title":"Go","url":"https://go.dev","tags":["lang"]}`,
		`{}`,
		"",
		`{"name":"работа","emoji":"📚"}`,
	}
	for _, p := range payloads {
		blob, err := Encrypt([]byte(p), key)
		if err != nil {
			t.Fatalf("Encrypt(%q) failed: %v", p, err)
		}
		got, err := Decrypt(blob, key)
		if err != nil {
			t.Fatalf("Decrypt failed: %v", err)
		}
		if !bytes.Equal(got, []byte(p)) {
			t.Errorf("round trip = %q; want %q", got, p)
		}
	}
}

func TestDecryptWrongKey(t *testing.T) {
	blob, err := Encrypt([]byte(`{"title":"x"}`), testKey(t))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if _, err := Decrypt(blob, testKey(t)); !errors.Is(err, ErrDecryption) {
		t.Errorf("Decrypt with wrong key = %v; want ErrDecryption", err)
	}
}

func TestDecryptMalformedBlob(t *testing.T) {
	key := testKey(t)
	cases := []struct {
		name string
		blob string
	}{
		{"not base64", "@@@not-base64@@@"},
		{"too short for layout", base64.StdEncoding.EncodeToString(make([]byte, 27))},
		{"empty", ""},
	}
	for _, tc := range cases {
		if _, err := Decrypt(tc.blob, key); !errors.Is(err, ErrDecryption) {
			t.Errorf("%s: Decrypt = %v; want ErrDecryption", tc.name, err)
		}
	}
}

func TestDecryptCorruptedBlob(t *testing.T) {
	key := testKey(t)
	blob, err := Encrypt([]byte(`{"title":"x"}`), key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	raw, _ := base64.StdEncoding.DecodeString(blob)
	raw[len(raw)-1] ^= 0xff
	if _, err := Decrypt(base64.StdEncoding.EncodeToString(raw), key); !errors.Is(err, ErrDecryption) {
		t.Errorf("Decrypt corrupted = %v; want ErrDecryption", err)
	}
}

func TestEncryptFreshIV(t *testing.T) {
	key := testKey(t)
	a, _ := Encrypt([]byte("same"), key)
	b, _ := Encrypt([]byte("same"), key)
	if a == b {
		t.Error("two encryptions of the same payload produced identical blobs")
	}
}
