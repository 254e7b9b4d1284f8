package webhook

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paycore/internal/core"
)

const testSecret = "whsec_test"

func signedHeader(body []byte, secret string, at time.Time) string {
	ts := at.Unix()
	return fmt.Sprintf("t=%d,v1=%s", ts, ComputeSignature(body, secret, ts))
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"id":"evt_1","type":"payout.paid"}`)
	now := time.Now()

	t.Run("valid", func(t *testing.T) {
		header := signedHeader(body, testSecret, now)
		require.NoError(t, VerifySignature(body, header, testSecret, DefaultTolerance, now))
	})

	t.Run("wrong secret", func(t *testing.T) {
		header := signedHeader(body, "whsec_other", now)
		err := VerifySignature(body, header, testSecret, DefaultTolerance, now)
		require.Error(t, err)
		assert.Equal(t, "invalid_signature", core.CodeOf(err))
	})

	t.Run("tampered body", func(t *testing.T) {
		header := signedHeader(body, testSecret, now)
		err := VerifySignature([]byte(`{"id":"evt_2"}`), header, testSecret, DefaultTolerance, now)
		require.Error(t, err)
		assert.Equal(t, "invalid_signature", core.CodeOf(err))
	})

	t.Run("stale timestamp", func(t *testing.T) {
		header := signedHeader(body, testSecret, now.Add(-10*time.Minute))
		err := VerifySignature(body, header, testSecret, DefaultTolerance, now)
		require.Error(t, err)
		assert.Equal(t, "signature_expired", core.CodeOf(err))
	})

	t.Run("missing header", func(t *testing.T) {
		err := VerifySignature(body, "", testSecret, DefaultTolerance, now)
		require.Error(t, err)
		assert.Equal(t, "missing_signature", core.CodeOf(err))
	})

	t.Run("malformed header", func(t *testing.T) {
		err := VerifySignature(body, "not-a-signature", testSecret, DefaultTolerance, now)
		require.Error(t, err)
		assert.Equal(t, "invalid_signature", core.CodeOf(err))
	})

	t.Run("one of several v1 matches", func(t *testing.T) {
		ts := now.Unix()
		header := fmt.Sprintf("t=%d,v1=deadbeef,v1=%s", ts, ComputeSignature(body, testSecret, ts))
		require.NoError(t, VerifySignature(body, header, testSecret, DefaultTolerance, now))
	})

	t.Run("forbidden kind maps to 403", func(t *testing.T) {
		err := VerifySignature(body, "t=abc,v1=dead", testSecret, DefaultTolerance, now)
		require.Error(t, err)
		assert.Equal(t, core.KindForbidden, core.KindOf(err))
	})
}
