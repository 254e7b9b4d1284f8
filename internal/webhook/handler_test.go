package webhook

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postWebhook(t *testing.T, h *Handler, body []byte, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/processor", bytes.NewReader(body))
	if sign {
		req.Header.Set("Processor-Signature", signedHeader(body, testSecret, time.Now()))
	}
	rr := httptest.NewRecorder()
	h.Routes().ServeHTTP(rr, req)
	return rr
}

func TestReceiveVerifiedEvent(t *testing.T) {
	env := newTestEnv()
	h := NewHandler(env.rec, testSecret)

	body := []byte(`{"id":"evt_h1","type":"payout.paid","data":{"object":{"id":"po_ext_1"}}}`)
	rr := postWebhook(t, h, body, true)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"po_ext_1"}, env.payouts.paid)
}

func TestReceiveRejectsUnsignedWhenSecretSet(t *testing.T) {
	env := newTestEnv()
	h := NewHandler(env.rec, testSecret)

	body := []byte(`{"id":"evt_h2","type":"payout.paid","data":{"object":{"id":"po_ext_2"}}}`)
	rr := postWebhook(t, h, body, false)

	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Empty(t, env.payouts.paid)
}

func TestReceiveSkipsVerificationWithoutSecret(t *testing.T) {
	env := newTestEnv()
	h := NewHandler(env.rec, "")

	body := []byte(`{"id":"evt_h3","type":"payout.paid","data":{"object":{"id":"po_ext_3"}}}`)
	rr := postWebhook(t, h, body, false)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"po_ext_3"}, env.payouts.paid)
}

func TestReceiveRequiresEventID(t *testing.T) {
	env := newTestEnv()
	h := NewHandler(env.rec, "")

	rr := postWebhook(t, h, []byte(`{"type":"payout.paid","data":{"object":{"id":"po_x"}}}`), false)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestReceiveRejectsMalformedJSON(t *testing.T) {
	env := newTestEnv()
	h := NewHandler(env.rec, "")

	rr := postWebhook(t, h, []byte(`{"id":`), false)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	require.Empty(t, env.payouts.paid)
}

func TestReceiveAcknowledgesHandlerFailure(t *testing.T) {
	env := newTestEnv()
	h := NewHandler(env.rec, "")

	// Unknown dispute status makes the dispatcher fail; the endpoint still
	// returns 200 so the processor does not hammer the route.
	body := []byte(`{"id":"evt_h4","type":"charge.dispute.closed","data":{"object":{"id":"dpx_1","status":"bogus"}}}`)
	rr := postWebhook(t, h, body, false)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, env.disputes.closed)
}
