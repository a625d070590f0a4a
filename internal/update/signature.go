package update

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// ErrSignatureInvalid is returned when a package's signature fails verification.
var ErrSignatureInvalid = errors.New("update: signature verification failed")

// Verifier checks an update package's signature before installation. Two
// methods are supported, mirroring the management platform's signing
// options: RSA-PSS for production (an update server holding the private key,
// signing with RSA the way arkeep's JWTManager does) and HMAC-SHA256 for
// deployments that share a pre-provisioned secret instead of running a PKI.
type Verifier struct {
	publicKey *rsa.PublicKey
	hmacKey   []byte
}

// NewRSAVerifier loads an RSA public key from a PEM file for signature
// verification. Keys are PKIX-encoded, the same format JWTManager reads.
func NewRSAVerifier(publicKeyPath string) (*Verifier, error) {
	data, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("update: read public key: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("update: decode public key PEM: no block found")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("update: parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("update: public key is not RSA")
	}

	return &Verifier{publicKey: rsaPub}, nil
}

// NewHMACVerifier constructs a Verifier that checks HMAC-SHA256 signatures
// against a shared secret.
func NewHMACVerifier(secret string) *Verifier {
	return &Verifier{hmacKey: []byte(secret)}
}

// SignatureInfo is the sidecar .sig file shipped alongside an update package.
type SignatureInfo struct {
	FileHash      string `json:"file_hash"`
	HashAlgorithm string `json:"hash_algorithm"`
	SigningMethod string `json:"signing_method"`
	Signature     string `json:"signature"`
}

// FileHash returns the hex-encoded SHA-256 digest of data.
func FileHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Verify checks that data's hash matches sig.FileHash and that sig.Signature
// is valid for data under the configured key, returning ErrSignatureInvalid
// on any mismatch. Unlike the hash-only check the original agent fell back
// to when a public key was unavailable, this always requires a cryptographic
// signature to pass — there is no "no signature file, skip verification"
// path, since an agent update without integrity guarantees is unacceptable.
func (v *Verifier) Verify(data []byte, sig SignatureInfo) error {
	if FileHash(data) != sig.FileHash {
		return fmt.Errorf("%w: file hash mismatch", ErrSignatureInvalid)
	}

	switch sig.SigningMethod {
	case "rsa":
		return v.verifyRSA(data, sig.Signature)
	case "hmac":
		return v.verifyHMAC(data, sig.Signature)
	default:
		return fmt.Errorf("%w: unknown signing method %q", ErrSignatureInvalid, sig.SigningMethod)
	}
}

func (v *Verifier) verifyRSA(data []byte, signatureHex string) error {
	if v.publicKey == nil {
		return fmt.Errorf("%w: no RSA public key configured", ErrSignatureInvalid)
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return fmt.Errorf("%w: decode signature: %v", ErrSignatureInvalid, err)
	}

	digest := sha256.Sum256(data)
	opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: crypto.SHA256}
	if err := rsa.VerifyPSS(v.publicKey, crypto.SHA256, digest[:], sig, opts); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return nil
}

func (v *Verifier) verifyHMAC(data []byte, signatureHex string) error {
	if len(v.hmacKey) == 0 {
		return fmt.Errorf("%w: no HMAC secret configured", ErrSignatureInvalid)
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return fmt.Errorf("%w: decode signature: %v", ErrSignatureInvalid, err)
	}

	mac := hmac.New(sha256.New, v.hmacKey)
	mac.Write(data)
	expected := mac.Sum(nil)

	if subtle.ConstantTimeCompare(sig, expected) != 1 {
		return fmt.Errorf("%w: HMAC mismatch", ErrSignatureInvalid)
	}
	return nil
}

// Signer produces signatures for test fixtures and for the management
// platform's own packaging tooling; the agent only ever verifies.
type Signer struct {
	privateKey *rsa.PrivateKey
	hmacKey    []byte
}

// NewRSASigner wraps an already-loaded RSA private key for signing.
func NewRSASigner(key *rsa.PrivateKey) *Signer {
	return &Signer{privateKey: key}
}

// NewHMACSigner wraps a shared secret for HMAC signing.
func NewHMACSigner(secret string) *Signer {
	return &Signer{hmacKey: []byte(secret)}
}

// SignRSA produces a hex-encoded RSA-PSS signature over data.
func (s *Signer) SignRSA(data []byte) (string, error) {
	digest := sha256.Sum256(data)
	opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: crypto.SHA256}
	sig, err := rsa.SignPSS(rand.Reader, s.privateKey, crypto.SHA256, digest[:], opts)
	if err != nil {
		return "", fmt.Errorf("update: sign: %w", err)
	}
	return hex.EncodeToString(sig), nil
}

// SignHMAC produces a hex-encoded HMAC-SHA256 signature over data.
func (s *Signer) SignHMAC(data []byte) string {
	mac := hmac.New(sha256.New, s.hmacKey)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}
