// Command mock-gateway imitates the payment gateway for local runs: it creates
// intents and refunds, honours Idempotency-Key, and on demand delivers signed
// webhooks back to the API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/Niiaks/Lodge/internal/psp"
	"github.com/Niiaks/Lodge/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type gateway struct {
	mu         sync.Mutex
	intents    map[string]*types.Intent
	byKey      map[string]any
	secret     string
	webhookURL string
	client     *http.Client
	log        zerolog.Logger
}

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()

	g := &gateway{
		intents:    map[string]*types.Intent{},
		byKey:      map[string]any{},
		secret:     getEnv("LODGE_GATEWAY_WEBHOOK_SECRET", "whsec_local"),
		webhookURL: getEnv("LODGE_MOCK_WEBHOOK_URL", "http://localhost:8080/api/v1/payments/webhook"),
		client:     &http.Client{Timeout: 5 * time.Second},
		log:        log,
	}

	r := chi.NewRouter()
	r.Post("/v1/payment_intents", g.createIntent)
	r.Post("/v1/payment_intents/{id}/succeed", g.settle(types.EventIntentSucceeded))
	r.Post("/v1/payment_intents/{id}/fail", g.settle(types.EventIntentFailed))
	r.Post("/v1/refunds", g.createRefund)

	port := ":" + getEnv("LODGE_MOCK_GATEWAY_PORT", "8081")
	log.Info().Str("addr", port).Str("webhook_url", g.webhookURL).Msg("Mock gateway starting")
	if err := http.ListenAndServe(port, r); err != nil {
		log.Fatal().Err(err).Msg("mock gateway stopped")
	}
}

// replay returns the stored response for an Idempotency-Key already seen.
func (g *gateway) replay(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := r.Header.Get(psp.IdempotencyHeader)
	if key == "" {
		return "", false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.byKey[key]; ok {
		writeJSON(w, http.StatusOK, prev)
		return key, true
	}
	return key, false
}

func (g *gateway) createIntent(w http.ResponseWriter, r *http.Request) {
	key, replayed := g.replay(w, r)
	if replayed {
		return
	}

	var req types.IntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Amount <= 0 {
		writeJSON(w, http.StatusBadRequest, types.GatewayErrorResponse{Error: types.GatewayError{Type: "invalid_request_error", Message: "amount is required"}})
		return
	}

	id := "pi_" + uuid.NewString()[:8]
	intent := &types.Intent{
		ID:           id,
		ClientSecret: id + "_secret_" + uuid.NewString()[:8],
		CheckoutURL:  "http://localhost:8081/checkout/" + id,
		Status:       "requires_payment_method",
		Amount:       req.Amount,
		Currency:     req.Currency,
	}

	g.mu.Lock()
	g.intents[id] = intent
	if key != "" {
		g.byKey[key] = intent
	}
	g.mu.Unlock()

	g.log.Info().Str("intent_id", id).Int64("amount", req.Amount).Str("idempotency_key", key).Msg("Intent created")
	writeJSON(w, http.StatusOK, intent)
}

func (g *gateway) createRefund(w http.ResponseWriter, r *http.Request) {
	key, replayed := g.replay(w, r)
	if replayed {
		return
	}

	var req types.RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, types.GatewayErrorResponse{Error: types.GatewayError{Type: "invalid_request_error", Message: "malformed refund"}})
		return
	}

	g.mu.Lock()
	intent, ok := g.intents[req.IntentID]
	g.mu.Unlock()
	if !ok || intent.Status != "succeeded" || req.Amount > intent.Amount {
		writeJSON(w, http.StatusBadRequest, types.GatewayErrorResponse{Error: types.GatewayError{Type: "invalid_request_error", Message: "intent cannot be refunded"}})
		return
	}

	refund := &types.Refund{ID: "re_" + uuid.NewString()[:8], IntentID: req.IntentID, Amount: req.Amount, Status: "succeeded"}
	if key != "" {
		g.mu.Lock()
		g.byKey[key] = refund
		g.mu.Unlock()
	}

	g.log.Info().Str("refund_id", refund.ID).Str("intent_id", req.IntentID).Int64("amount", req.Amount).Msg("Refund created")
	writeJSON(w, http.StatusOK, refund)
}

// settle changes the intent's status and delivers the matching webhook.
func (g *gateway) settle(eventType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		g.mu.Lock()
		intent, ok := g.intents[id]
		if ok {
			intent.Status = "succeeded"
			if eventType == types.EventIntentFailed {
				intent.Status = "requires_payment_method"
			}
		}
		g.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusNotFound, types.GatewayErrorResponse{Error: types.GatewayError{Type: "invalid_request_error", Message: "no such intent"}})
			return
		}

		object := map[string]any{
			"id":       intent.ID,
			"amount":   intent.Amount,
			"currency": intent.Currency,
			"status":   intent.Status,
		}
		if eventType == types.EventIntentFailed {
			object["last_payment_error"] = map[string]string{"code": "card_declined", "message": "Your card was declined."}
		}
		body, _ := json.Marshal(map[string]any{
			"id":      "evt_" + uuid.NewString()[:12],
			"type":    eventType,
			"created": time.Now().Unix(),
			"data":    map[string]any{"object": object},
		})

		if err := g.deliver(body); err != nil {
			g.log.Error().Err(err).Str("intent_id", id).Msg("Webhook delivery failed")
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
		g.log.Info().Str("intent_id", id).Str("type", eventType).Msg("Webhook delivered")
		writeJSON(w, http.StatusOK, intent)
	}
}

func (g *gateway) deliver(body []byte) error {
	req, err := http.NewRequest(http.MethodPost, g.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(psp.SignatureHeader, psp.Sign(g.secret, time.Now(), body))

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webhook endpoint responded %d", resp.StatusCode)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
