// Package keyring implements the end-to-end payload encryption used between
// endpoints. Payloads are encrypted with RSA-OAEP (SHA-256) under the
// recipient's public key and travel base64-encoded; the relay only ever sees
// the ciphertext string.
//
// Keys arrive pre-generated in configuration as the base64 PKCS#1 DER body of
// a PEM block, without the header and footer lines.
package keyring

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"
)

// challengeBytes is the entropy of an authentication challenge token.
const challengeBytes = 64

// Keyring holds one endpoint's key pair for the lifetime of the process.
// The private key is imported once at startup.
type Keyring struct {
	private *rsa.PrivateKey
	public  string
}

// New imports the configured key pair. Both keys are base64 PKCS#1 DER.
func New(publicKey, privateKey string) (*Keyring, error) {
	priv, err := ParsePrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to import private key: %w", err)
	}
	if _, err := ParsePublicKey(publicKey); err != nil {
		return nil, fmt.Errorf("failed to import public key: %w", err)
	}
	return &Keyring{private: priv, public: publicKey}, nil
}

// PublicKey returns the configured public key string as it is published in
// the relay directory.
func (k *Keyring) PublicKey() string {
	return k.public
}

// Decrypt decodes a base64 ciphertext and decrypts it with the endpoint's
// private key, returning the UTF-8 plaintext.
func (k *Keyring) Decrypt(base64Ciphertext string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(base64Ciphertext)
	if err != nil {
		return "", fmt.Errorf("ciphertext is not valid base64: %w", err)
	}
	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, k.private, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decryption failed: %w", err)
	}
	return string(plaintext), nil
}

// Encrypt encrypts a plaintext under the recipient's public key and returns
// the base64-encoded ciphertext.
func Encrypt(message, recipientPublicKey string) (string, error) {
	pub, err := ParsePublicKey(recipientPublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to import recipient public key: %w", err)
	}
	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, []byte(message), nil)
	if err != nil {
		return "", fmt.Errorf("encryption failed: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// ParsePublicKey parses a base64 PKCS#1 DER public key. Whitespace from
// wrapped PEM bodies is tolerated.
func ParsePublicKey(encoded string) (*rsa.PublicKey, error) {
	der, err := decodeKeyBody(encoded)
	if err != nil {
		return nil, err
	}
	return x509.ParsePKCS1PublicKey(der)
}

// ParsePrivateKey parses a base64 PKCS#1 DER private key.
func ParsePrivateKey(encoded string) (*rsa.PrivateKey, error) {
	der, err := decodeKeyBody(encoded)
	if err != nil {
		return nil, err
	}
	return x509.ParsePKCS1PrivateKey(der)
}

// EncodePublicKey renders a public key in the configuration format.
func EncodePublicKey(pub *rsa.PublicKey) string {
	return base64.StdEncoding.EncodeToString(x509.MarshalPKCS1PublicKey(pub))
}

// EncodePrivateKey renders a private key in the configuration format.
func EncodePrivateKey(priv *rsa.PrivateKey) string {
	return base64.StdEncoding.EncodeToString(x509.MarshalPKCS1PrivateKey(priv))
}

func decodeKeyBody(encoded string) ([]byte, error) {
	compact := strings.Join(strings.Fields(encoded), "")
	der, err := base64.StdEncoding.DecodeString(compact)
	if err != nil {
		return nil, fmt.Errorf("key is not valid base64: %w", err)
	}
	return der, nil
}

// NewChallenge generates a cryptographically random URL-safe token with
// 64 bytes of entropy, used for challenge-response authentication. Each token
// is single use.
func NewChallenge() (string, error) {
	raw := make([]byte, challengeBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
