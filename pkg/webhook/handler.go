package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/stripe/stripe-go/v83"
)

// maxPayloadBytes caps inbound webhook bodies. Stripe events are small; the
// limit protects against oversized payloads.
const maxPayloadBytes = 256 * 1024

// eventAck is the response envelope. The receiver acknowledges every event it
// could parse with 200 regardless of the per-event outcome - failed
// reconciliations are observability concerns, and a non-2xx would invite a
// redelivery storm of payloads this receiver already cannot act on.
type eventAck struct {
	Message string `json:"message"`
	EventID string `json:"eventId"`
}

// Handler returns the HTTP transport for the receiver. Mount it on the
// webhook route of any mux or framework that accepts an http.Handler.
func (d *Dispatcher) Handler() http.Handler {
	return http.HandlerFunc(d.serveWebhook)
}

func (d *Dispatcher) serveWebhook(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes+1))
	if err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		d.metrics.RecordWebhookError("invalid_payload")
		return
	}
	if len(body) > maxPayloadBytes {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		d.metrics.RecordWebhookError("payload_too_large")
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	event, err := d.decodeEvent(body, sig)
	if err != nil {
		if errors.Is(err, ErrInvalidSignature) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			d.metrics.RecordWebhookError("auth_failed")
			return
		}
		// A payload this receiver fundamentally cannot parse must not be
		// redelivered: log it and acknowledge.
		d.logger.Error("unable to decode webhook payload", Field{"error", err.Error()})
		d.metrics.RecordWebhookError("invalid_payload")
		d.writeAck(w, "")
		return
	}

	d.HandleEvent(r.Context(), &event)
	d.writeAck(w, event.ID)
}

// decodeEvent parses (and, when a secret is configured, verifies) the raw
// payload. With no secret the receiver trusts upstream verification, e.g. an
// API gateway that already checked the signature.
func (d *Dispatcher) decodeEvent(body []byte, sig string) (stripe.Event, error) {
	if d.webhookSecret != "" {
		// The platform may deliver events pinned to a newer API version than
		// the compiled SDK; signature verification is unaffected and payload
		// drift is handled at decode time.
		event, err := stripe.ConstructEvent(body, sig, d.webhookSecret, stripe.WithIgnoreAPIVersionMismatch())
		if err != nil {
			return stripe.Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return event, nil
	}

	var event stripe.Event
	if err := json.Unmarshal(body, &event); err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrUndecodablePayload, err)
	}
	return event, nil
}

func (d *Dispatcher) writeAck(w http.ResponseWriter, eventID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(eventAck{Message: "ok", EventID: eventID}); err != nil {
		d.logger.Debug("unable to write acknowledgement", Field{"error", err.Error()})
	}
}
