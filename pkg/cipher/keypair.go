// Package cipher implements per-agent keypair generation and the gateway's
// encrypted, HMAC-signed token codec (spec.md §4.1, §6).
package cipher

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// KeyBits is the RSA modulus size used for all agent and gateway keypairs.
const KeyBits = 2048

// KeyPair is an RSA keypair. PrivateKey is returned to the caller exactly
// once at creation time and is never persisted server-side (spec.md §3).
type KeyPair struct {
	Public  *rsa.PublicKey
	Private *rsa.PrivateKey
}

// GenerateKeyPair creates a new RSA-2048 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, fmt.Errorf("cipher: keypair generation failed: %w", err)
	}
	return &KeyPair{Public: &priv.PublicKey, Private: priv}, nil
}

// Encrypt encrypts bytes with an RSA-OAEP public key. A keypair never
// decrypts ciphertext encrypted under a different keypair's public key.
func Encrypt(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("cipher: encrypt failed: %w", err)
	}
	return ciphertext, nil
}

// Decrypt decrypts RSA-OAEP ciphertext with a private key.
func Decrypt(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("cipher: decrypt failed: %w", err)
	}
	return plaintext, nil
}

// EncodePrivateKeyPEM serializes a private key to PKCS#1 PEM, for the
// one-time registration response and for loading GATEWAY_PRIVATE_KEY.
func EncodePrivateKeyPEM(priv *rsa.PrivateKey) string {
	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	}
	return string(pem.EncodeToMemory(block))
}

// EncodePublicKeyPEM serializes a public key to PKIX PEM, for persisting
// alongside the Agent record.
func EncodePublicKeyPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("cipher: marshal public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// DecodePrivateKeyPEM parses a PKCS#1 PEM-encoded RSA private key.
func DecodePrivateKeyPEM(pemStr string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("cipher: invalid PEM block")
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("cipher: parse private key: %w", err)
	}
	return priv, nil
}

// DecodePublicKeyPEM parses a PKIX PEM-encoded RSA public key.
func DecodePublicKeyPEM(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("cipher: invalid PEM block")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("cipher: parse public key: %w", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("cipher: not an RSA public key")
	}
	return pub, nil
}
