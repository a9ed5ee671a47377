package vault

import (
	"bytes"
	"errors"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	key := testKey(t)
	env, err := CreateEnvelope("correct horse battery staple", key)
	if err != nil {
		t.Fatalf("CreateEnvelope failed: %v", err)
	}
	if env.KDFParams.Algorithm != "argon2id" {
		t.Errorf("algorithm = %q; want argon2id", env.KDFParams.Algorithm)
	}

	got, err := Unwrap(env, "correct horse battery staple")
	if err != nil {
		t.Fatalf("Unwrap failed: %v", err)
	}
	if !bytes.Equal(got, key) {
		t.Error("unwrapped key differs from generated key")
	}
}

func TestUnwrapWrongPassphrase(t *testing.T) {
	env, err := CreateEnvelope("right", testKey(t))
	if err != nil {
		t.Fatalf("CreateEnvelope failed: %v", err)
	}
	if _, err := Unwrap(env, "wrong"); !errors.Is(err, ErrWrongPassphrase) {
		t.Errorf("Unwrap = %v; want ErrWrongPassphrase", err)
	}
}

func TestUnwrapCorruptedEnvelope(t *testing.T) {
	env, err := CreateEnvelope("pass", testKey(t))
	if err != nil {
		t.Fatalf("CreateEnvelope failed: %v", err)
	}
	env.Salt = "not base64!!"
	if _, err := Unwrap(env, "pass"); !errors.Is(err, ErrWrongPassphrase) {
		t.Errorf("Unwrap corrupted = %v; want ErrWrongPassphrase", err)
	}
}

func TestRecoveryWrapper(t *testing.T) {
	key := testKey(t)
	env, err := CreateEnvelope("pass", key)
	if err != nil {
		t.Fatalf("CreateEnvelope failed: %v", err)
	}
	if err := AddRecoveryWrapper(env, "recovery-code-123", key); err != nil {
		t.Fatalf("AddRecoveryWrapper failed: %v", err)
	}

	got, err := UnwrapRecovery(env, "recovery-code-123")
	if err != nil {
		t.Fatalf("UnwrapRecovery failed: %v", err)
	}
	if !bytes.Equal(got, key) {
		t.Error("recovery wrapper yielded a different key")
	}

	if _, err := UnwrapRecovery(env, "bogus"); !errors.Is(err, ErrWrongPassphrase) {
		t.Errorf("UnwrapRecovery bogus = %v; want ErrWrongPassphrase", err)
	}
}

func TestEnvelopesUseFreshSalt(t *testing.T) {
	key := testKey(t)
	a, err := CreateEnvelope("pass", key)
	if err != nil {
		t.Fatalf("CreateEnvelope failed: %v", err)
	}
	b, err := CreateEnvelope("pass", key)
	if err != nil {
		t.Fatalf("CreateEnvelope failed: %v", err)
	}
	if a.Salt == b.Salt {
		t.Error("two envelopes share a salt")
	}
}
