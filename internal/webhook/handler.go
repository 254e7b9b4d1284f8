package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"paycore/internal/common/api"
)

const maxBodyBytes = 1 << 20

// Handler receives processor webhooks. The route must be mounted before any
// JSON body middleware: signature verification needs the raw bytes.
type Handler struct {
	reconciler *Reconciler
	secret     string
	tolerance  time.Duration
}

// NewHandler creates a webhook handler. An empty secret disables signature
// verification (simulated mode).
func NewHandler(reconciler *Reconciler, secret string) *Handler {
	return &Handler{
		reconciler: reconciler,
		secret:     secret,
		tolerance:  DefaultTolerance,
	}
}

// Routes returns the webhook routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/processor", h.Receive)
	return r
}

// Receive handles POST /webhooks/processor.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		api.Fail(w, http.StatusBadRequest, "invalid_body", "could not read request body")
		return
	}

	if h.secret != "" {
		if err := VerifySignature(body, r.Header.Get("Processor-Signature"), h.secret, h.tolerance, time.Now()); err != nil {
			api.Error(w, err)
			return
		}
	}

	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		api.Fail(w, http.StatusBadRequest, "invalid_json", "could not parse event")
		return
	}
	if event.ID == "" {
		api.Fail(w, http.StatusBadRequest, "missing_event_id", "the event has no id")
		return
	}

	if err := h.reconciler.Process(r.Context(), &event); err != nil {
		// Only reservation infrastructure failures reach here; handler
		// failures are recorded on the webhook record and acknowledged.
		api.Error(w, err)
		return
	}

	api.OK(w, api.Envelope{"received": true})
}
