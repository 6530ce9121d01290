package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"pressbot/internal/domain"

	"github.com/google/uuid"
)

// WebhookConfig configures the webhook channel.
type WebhookConfig struct {
	Port   int
	Path   string // ingest URL path (default: /ingest)
	Secret string // HMAC secret for verifying webhook signatures
	Logger *slog.Logger
}

// Webhook accepts HTTP POST requests carrying normalized inbound units, for
// integrations that are not Telegram (LINE relays, scripts, tests).
type Webhook struct {
	port   int
	path   string
	secret string
	bus    domain.MessageBus
	logger *slog.Logger
	server *http.Server
}

// WebhookPayload is the expected JSON body for ingest requests.
type WebhookPayload struct {
	UserID    string `json:"user_id"`             // sender identifier
	ChatID    string `json:"chat_id"`             // reply target
	Kind      string `json:"kind"`                // text | image | video
	Payload   string `json:"payload"`             // text content or fetchable media URL
	Timestamp int64  `json:"timestamp,omitempty"` // unix seconds; defaults to now
}

// NewWebhook creates a new webhook channel handler.
func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Path == "" {
		cfg.Path = "/ingest"
	}
	if cfg.Port == 0 {
		cfg.Port = 8487
	}
	return &Webhook{
		port:   cfg.Port,
		path:   cfg.Path,
		secret: cfg.Secret,
		logger: cfg.Logger,
	}
}

func (w *Webhook) Name() string { return "webhook" }

// Start begins the webhook HTTP server.
func (w *Webhook) Start(ctx context.Context, bus domain.MessageBus) error {
	w.bus = bus

	mux := http.NewServeMux()
	mux.HandleFunc(w.path, w.handleIngest)

	w.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", w.port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Outbound notifications for webhook-sourced units are only logged; the
	// sender has no push channel to deliver to.
	bus.OnOutbound("webhook", func(msg domain.OutboundMessage) {
		if msg.Content != "" {
			w.logger.Info("webhook outbound (not forwarded)", "chat_id", msg.ChatID, "content_len", len(msg.Content))
		}
	})

	w.logger.Info("webhook server starting", "port", w.port, "path", w.path)

	errCh := make(chan error, 1)
	go func() {
		if err := w.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		w.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return w.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("webhook server: %w", err)
	}
}

func (w *Webhook) handleIngest(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB max
	if err != nil {
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	// Verify HMAC signature if secret is configured.
	if w.secret != "" {
		sig := r.Header.Get("X-Hub-Signature-256")
		if sig == "" {
			http.Error(rw, "Missing signature", http.StatusUnauthorized)
			return
		}
		if !verifyHMAC(body, w.secret, sig) {
			http.Error(rw, "Invalid signature", http.StatusForbidden)
			return
		}
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(rw, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if payload.UserID == "" {
		http.Error(rw, "user_id is required", http.StatusBadRequest)
		return
	}
	if payload.Payload == "" {
		http.Error(rw, "payload is required", http.StatusBadRequest)
		return
	}
	kind := domain.UnitKind(payload.Kind)
	if payload.Kind == "" {
		kind = domain.KindText
	}
	if !kind.Valid() {
		http.Error(rw, "kind must be text, image or video", http.StatusBadRequest)
		return
	}
	if payload.ChatID == "" {
		payload.ChatID = payload.UserID
	}
	receivedAt := time.Now()
	if payload.Timestamp > 0 {
		receivedAt = time.Unix(payload.Timestamp, 0)
	}

	unit := domain.InboundUnit{
		ID:         uuid.NewString(),
		UserID:     payload.UserID,
		Kind:       kind,
		Payload:    payload.Payload,
		ReceivedAt: receivedAt,
		Channel:    "webhook",
		ChatID:     payload.ChatID,
	}

	w.logger.Info("webhook unit received",
		"user_id", unit.UserID,
		"chat_id", unit.ChatID,
		"kind", unit.Kind,
	)

	w.bus.Publish(unit)

	rw.WriteHeader(http.StatusAccepted)
	json.NewEncoder(rw).Encode(map[string]string{
		"status": "accepted",
		"id":     unit.ID,
	})
}

// verifyHMAC verifies the HMAC-SHA256 signature of the body.
func verifyHMAC(body []byte, secret, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
