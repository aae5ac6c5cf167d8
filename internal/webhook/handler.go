package webhook

import (
	"context"
	"io"
	"net/http"

	"github.com/Niiaks/Lodge/internal/middleware"
	"github.com/Niiaks/Lodge/internal/psp"
)

const maxBodyBytes = 1 << 20

// Verifier is satisfied by *psp.Client.
type Verifier interface {
	VerifySignature(payload []byte, header string) error
}

type WebhookHandler struct {
	verifier   Verifier
	reconciler *Reconciler
}

func NewWebhookHandler(verifier Verifier, reconciler *Reconciler) *WebhookHandler {
	return &WebhookHandler{verifier: verifier, reconciler: reconciler}
}

// HandleWebhook always answers 200 so the gateway stops retrying events that
// can never succeed; failures are logged.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	logger := middleware.GetLogger(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to read webhook body")
		acknowledge(w)
		return
	}

	if err := h.verifier.VerifySignature(body, r.Header.Get(psp.SignatureHeader)); err != nil {
		logger.Warn().Err(err).Msg("Discarding webhook with invalid signature")
		acknowledge(w)
		return
	}

	// The gateway may hang up early; processing continues regardless.
	ctx := context.WithoutCancel(r.Context())
	if err := h.reconciler.Reconcile(ctx, body); err != nil {
		logger.Error().Err(err).Msg("Failed to reconcile webhook")
	}
	acknowledge(w)
}

func acknowledge(w http.ResponseWriter) {
	middleware.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
}
