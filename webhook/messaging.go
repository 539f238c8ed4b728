package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/relaycrm/flowengine/resumer"
)

// defaultSignatureHeader is checked when the tenant has a webhook
// secret but no header name configured.
const defaultSignatureHeader = "X-Hub-Signature-256"

// replyPayload is the provider-neutral inbound message shape. The
// gateway in front of the engine converts provider formats into this.
type replyPayload struct {
	TenantID   string          `json:"tenantId"`
	From       string          `json:"from"`
	ReceivedAt string          `json:"receivedAt,omitempty"`
	Messages   []resumer.Reply `json:"messages"`
}

// handleMessagingVerify answers the provider subscription handshake by
// echoing the challenge when the verify token matches.
func (s *Server) handleMessagingVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenantID := q.Get("tenantId")
	mode := q.Get("mode")
	token := q.Get("token")
	challenge := q.Get("challenge")

	if tenantID == "" || mode != "subscribe" {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	settings, err := s.store.GetTenantSettings(r.Context(), tenantID)
	if err != nil {
		s.logger.Error("load tenant settings for verify", "tenant_id", tenantID, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if settings.VerifyToken == "" || token != settings.VerifyToken {
		s.countRequest("messaging_verify", "rejected")
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	s.countRequest("messaging_verify", "ok")
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(challenge))
}

// handleMessagingReply verifies the body signature and feeds each
// inbound message to the reply matcher. The response is 200 even when
// no run is waiting: the reply just is not for the engine.
func (s *Server) handleMessagingReply(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		s.countRequest("messaging_reply", "error")
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	var payload replyPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		s.countRequest("messaging_reply", "error")
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if payload.TenantID == "" || payload.From == "" {
		s.countRequest("messaging_reply", "error")
		http.Error(w, "tenantId and from required", http.StatusBadRequest)
		return
	}

	settings, err := s.store.GetTenantSettings(r.Context(), payload.TenantID)
	if err != nil {
		s.logger.Error("load tenant settings", "tenant_id", payload.TenantID, "error", err)
		s.countRequest("messaging_reply", "error")
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	if !s.verifySignature(r, body, settings.WebhookSecret, settings.SignatureHeader) {
		s.countRequest("messaging_reply", "rejected")
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	resumed := 0
	for _, msg := range payload.Messages {
		ok, err := s.resumer.HandleReply(r.Context(), payload.TenantID, payload.From, msg)
		if err != nil {
			s.logger.Error("handle inbound reply",
				"tenant_id", payload.TenantID,
				"from", payload.From,
				"error", err)
			continue
		}
		if ok {
			resumed++
		}
	}

	s.countRequest("messaging_reply", "ok")
	writeJSON(w, http.StatusOK, map[string]any{
		"received": len(payload.Messages),
		"resumed":  resumed,
	})
}

// verifySignature checks the HMAC-SHA256 of the raw body against the
// tenant's configured header. A tenant without a secret is accepted
// with a warning so onboarding is not blocked on configuration.
func (s *Server) verifySignature(r *http.Request, body []byte, secret, header string) bool {
	if secret == "" {
		s.logger.Warn("tenant has no webhook secret, accepting unsigned request",
			"path", r.URL.Path)
		return true
	}
	if header == "" {
		header = defaultSignatureHeader
	}

	got := r.Header.Get(header)
	got = strings.TrimPrefix(got, "sha256=")
	if got == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(strings.ToLower(got)))
}
