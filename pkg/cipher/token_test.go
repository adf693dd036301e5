package cipher_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerogate/gateway/pkg/cipher"
)

func newTestCodec(t *testing.T) *cipher.Codec {
	t.Helper()
	kp, err := cipher.GenerateKeyPair()
	require.NoError(t, err)
	return cipher.NewCodec(kp.Private, "primary-secret", "")
}

func TestCodec_IssueValidate_RoundTrip(t *testing.T) {
	codec := newTestCodec(t)
	now := time.Now()

	payload := cipher.Payload{
		AgentID:     "agent-1",
		AgentName:   "searcher",
		Tools:       []string{"serpapi"},
		Permissions: []string{"read"},
		ExpiresAt:   now.Add(15 * time.Minute),
		IssuedAt:    now,
	}

	token, err := codec.Issue(payload)
	require.NoError(t, err)

	got, err := codec.Validate(token, now)
	require.NoError(t, err)
	assert.Equal(t, payload.AgentID, got.AgentID)
	assert.Equal(t, payload.Tools, got.Tools)
	assert.NotEmpty(t, got.Nonce)
}

func TestCodec_Validate_Expired(t *testing.T) {
	codec := newTestCodec(t)
	now := time.Now()

	token, err := codec.Issue(cipher.Payload{
		AgentID:   "agent-1",
		ExpiresAt: now.Add(1 * time.Second),
		IssuedAt:  now,
	})
	require.NoError(t, err)

	_, err = codec.Validate(token, now.Add(2*time.Second))
	require.Error(t, err)
	var verr *cipher.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, cipher.ReasonExpired, verr.Reason)
}

func TestCodec_Validate_ExpiresAtBoundaryIsExpired(t *testing.T) {
	codec := newTestCodec(t)
	now := time.Now()

	token, err := codec.Issue(cipher.Payload{
		AgentID:   "agent-1",
		ExpiresAt: now,
		IssuedAt:  now,
	})
	require.NoError(t, err)

	// spec.md §8: strict "<" — exactly at expires_at must be expired.
	_, err = codec.Validate(token, now)
	require.Error(t, err)
}

func TestCodec_Validate_MalformedToken(t *testing.T) {
	codec := newTestCodec(t)
	_, err := codec.Validate("not-a-real-token", time.Now())
	require.Error(t, err)
	var verr *cipher.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, cipher.ReasonMalformed, verr.Reason)
}

func TestCodec_Validate_TamperedSignatureRejected(t *testing.T) {
	codec := newTestCodec(t)
	now := time.Now()

	token, err := codec.Issue(cipher.Payload{
		AgentID:   "agent-1",
		ExpiresAt: now.Add(time.Hour),
		IssuedAt:  now,
	})
	require.NoError(t, err)

	tampered := token[:len(token)-2] + "ff"
	_, err = codec.Validate(tampered, now)
	require.Error(t, err)
	var verr *cipher.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, cipher.ReasonInvalidSignature, verr.Reason)
}

func TestCodec_DifferentKeypairsCannotDecryptEachOther(t *testing.T) {
	kp1, err := cipher.GenerateKeyPair()
	require.NoError(t, err)
	kp2, err := cipher.GenerateKeyPair()
	require.NoError(t, err)

	codecA := cipher.NewCodec(kp1.Private, "secret", "")
	codecB := cipher.NewCodec(kp2.Private, "secret", "")

	now := time.Now()
	token, err := codecA.Issue(cipher.Payload{
		AgentID:   "agent-1",
		ExpiresAt: now.Add(time.Hour),
		IssuedAt:  now,
	})
	require.NoError(t, err)

	_, err = codecB.Validate(token, now)
	require.Error(t, err)
}

func TestCodec_PreviousSigningSecretAcceptedDuringRotation(t *testing.T) {
	kp, err := cipher.GenerateKeyPair()
	require.NoError(t, err)

	oldCodec := cipher.NewCodec(kp.Private, "old-secret", "")
	now := time.Now()
	token, err := oldCodec.Issue(cipher.Payload{
		AgentID:   "agent-1",
		ExpiresAt: now.Add(time.Hour),
		IssuedAt:  now,
	})
	require.NoError(t, err)

	rotatedCodec := cipher.NewCodec(kp.Private, "new-secret", "old-secret")
	_, err = rotatedCodec.Validate(token, now)
	require.NoError(t, err)
}
