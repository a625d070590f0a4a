package update

import "testing"

func TestHMACSignAndVerify(t *testing.T) {
	signer := NewHMACSigner("shared-secret")
	verifier := NewHMACVerifier("shared-secret")

	data := []byte("update package contents")
	sig := SignatureInfo{
		FileHash:      FileHash(data),
		SigningMethod: "hmac",
		Signature:     signer.SignHMAC(data),
	}

	if err := verifier.Verify(data, sig); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
}

func TestHMACVerifyRejectsTamperedData(t *testing.T) {
	signer := NewHMACSigner("shared-secret")
	verifier := NewHMACVerifier("shared-secret")

	data := []byte("update package contents")
	sig := SignatureInfo{
		FileHash:      FileHash(data),
		SigningMethod: "hmac",
		Signature:     signer.SignHMAC(data),
	}

	tampered := []byte("update package CONTENTS")
	if err := verifier.Verify(tampered, sig); err == nil {
		t.Fatal("expected verification failure for tampered data")
	}
}

func TestHMACVerifyRejectsWrongSecret(t *testing.T) {
	signer := NewHMACSigner("secret-a")
	verifier := NewHMACVerifier("secret-b")

	data := []byte("update package contents")
	sig := SignatureInfo{
		FileHash:      FileHash(data),
		SigningMethod: "hmac",
		Signature:     signer.SignHMAC(data),
	}

	if err := verifier.Verify(data, sig); err == nil {
		t.Fatal("expected verification failure for mismatched secret")
	}
}

func TestVerifyRejectsUnknownMethod(t *testing.T) {
	verifier := NewHMACVerifier("secret")
	data := []byte("contents")
	sig := SignatureInfo{FileHash: FileHash(data), SigningMethod: "unknown"}
	if err := verifier.Verify(data, sig); err == nil {
		t.Fatal("expected error for unknown signing method")
	}
}
