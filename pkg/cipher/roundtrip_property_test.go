//go:build property
// +build property

package cipher_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/zerogate/gateway/pkg/cipher"
)

// maxOAEPPlaintext is the largest payload RSA-OAEP/SHA-256 can wrap under a
// cipher.KeyBits-sized key: k - 2*hLen - 2.
const maxOAEPPlaintext = cipher.KeyBits/8 - 2*32 - 2

// TestEncryptDecrypt_RoundTrip checks spec.md §8's round-trip law for all
// bytestrings m that fit in one RSA-OAEP block (0 to maxOAEPPlaintext-1
// bytes): Decrypt(Encrypt(m)) == m.
func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	kp, err := cipher.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.MaxSize = maxOAEPPlaintext
	properties := gopter.NewProperties(parameters)

	properties.Property("decrypt(encrypt(m)) == m for all bytestrings m", prop.ForAll(
		func(m []byte) bool {
			ciphertext, err := cipher.Encrypt(&kp.Private.PublicKey, m)
			if err != nil {
				return false
			}
			plaintext, err := cipher.Decrypt(kp.Private, ciphertext)
			if err != nil {
				return false
			}
			if len(m) == 0 && len(plaintext) == 0 {
				return true
			}
			return string(plaintext) == string(m)
		},
		gen.SliceOf(gen.UInt8Range(0, 255)).Map(func(bs []uint8) []byte {
			return []byte(bs)
		}),
	))

	properties.TestingRun(t)
}

// TestCodec_IssueValidate_RoundTripProperty generalizes
// TestCodec_IssueValidate_RoundTrip to arbitrary agent IDs and tool lists:
// Validate(Issue(p)) recovers p's AgentID and Tools for any non-expired p.
func TestCodec_IssueValidate_RoundTripProperty(t *testing.T) {
	kp, err := cipher.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	codec := cipher.NewCodec(kp.Private, "primary-secret", "")
	now := time.Now()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("validate(issue(p)) recovers p's identity fields", prop.ForAll(
		func(agentID string, tools []string) bool {
			if agentID == "" {
				return true
			}
			token, err := codec.Issue(cipher.Payload{
				AgentID:   agentID,
				Tools:     tools,
				ExpiresAt: now.Add(time.Hour),
				IssuedAt:  now,
			})
			if err != nil {
				return false
			}
			got, err := codec.Validate(token, now)
			if err != nil {
				return false
			}
			if got.AgentID != agentID || len(got.Tools) != len(tools) {
				return false
			}
			for i := range tools {
				if got.Tools[i] != tools[i] {
					return false
				}
			}
			return true
		},
		gen.AlphaString(),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
