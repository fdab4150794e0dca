// Package webhook dispatches lab lifecycle events to user-registered HTTP
// endpoints: event matching, HMAC-SHA256 signing, concurrent delivery, and
// per-attempt audit logging.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netlabio/controller/internal/db"
	"github.com/netlabio/controller/internal/metrics"
	"github.com/netlabio/controller/internal/repository"
)

const deliveryTimeout = 30 * time.Second

// Dispatcher matches incoming events against registered webhooks and
// delivers the signed payload to each concurrently.
type Dispatcher struct {
	webhooks repository.WebhookRepository
	http     *http.Client
	log      *zap.Logger
	metrics  *metrics.Registry
}

// New returns a Dispatcher backed by the given repository. m may be nil, in
// which case delivery metrics are not recorded.
func New(webhooks repository.WebhookRepository, logger *zap.Logger, m *metrics.Registry) *Dispatcher {
	return &Dispatcher{
		webhooks: webhooks,
		http:     &http.Client{Timeout: deliveryTimeout},
		log:      logger.Named("webhook"),
		metrics:  m,
	}
}

// Event describes one lifecycle notification to fan out.
type Event struct {
	Type  string // e.g. "lab.deploy_complete"
	Owner string
	LabID uuid.UUID

	Lab   *LabPayload
	Job   *JobPayload
	Nodes []NodeSummary
	Extra map[string]interface{}
}

// LabPayload is the lab summary embedded in a delivered payload.
type LabPayload struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
}

// JobPayload is the job summary embedded in a delivered payload.
type JobPayload struct {
	ID              string   `json:"id"`
	Action          string   `json:"action"`
	Status          string   `json:"status"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
}

// NodeSummary is one entry of a lab's node list embedded in a payload.
type NodeSummary struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

type payload struct {
	ID        string      `json:"id"`
	Event     string      `json:"event"`
	Timestamp string      `json:"timestamp"`
	Lab       *LabPayload `json:"lab,omitempty"`
	Job       *JobPayload `json:"job,omitempty"`
	Nodes     []NodeSummary `json:"nodes,omitempty"`
}

// buildPayload assembles the standard webhook envelope, merging Extra fields
// onto the top level the way the reference implementation's dict.update does.
func buildPayload(ev Event, eventID string, now time.Time) map[string]interface{} {
	p := payload{
		ID:        eventID,
		Event:     ev.Type,
		Timestamp: now.UTC().Format(time.RFC3339),
		Lab:       ev.Lab,
		Job:       ev.Job,
		Nodes:     ev.Nodes,
	}
	buf, _ := json.Marshal(p)
	var m map[string]interface{}
	_ = json.Unmarshal(buf, &m)
	for k, v := range ev.Extra {
		m[k] = v
	}
	return m
}

// Dispatch matches ev against every enabled webhook owned by ev.Owner that
// subscribes to ev.Type and is scoped to ev.LabID (or unscoped), then
// delivers the signed payload to each concurrently. It never returns an
// error — delivery failures are recorded per-webhook and logged, since a
// slow or broken endpoint must never block the caller's job lifecycle.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) {
	hooks, err := d.webhooks.ListForEvent(ctx, ev.Owner, ev.LabID, ev.Type)
	if err != nil {
		d.log.Error("list webhooks for event", zap.String("event", ev.Type), zap.Error(err))
		return
	}
	if len(hooks) == 0 {
		return
	}

	eventID := "evt_" + uuid.New().String()[:12]
	body := buildPayload(ev, eventID, time.Now())
	encoded, err := json.Marshal(body)
	if err != nil {
		d.log.Error("marshal webhook payload", zap.Error(err))
		return
	}

	var wg sync.WaitGroup
	for _, wh := range hooks {
		wh := wh
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.deliverAndLog(ctx, wh, ev.Type, eventID, encoded)
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) deliverAndLog(ctx context.Context, wh db.Webhook, event, eventID string, body []byte) {
	success, statusCode, errMsg, duration := d.deliver(ctx, wh, event, eventID, body)

	delivery := &db.WebhookDelivery{
		WebhookID:  wh.ID,
		EventID:    eventID,
		Event:      event,
		StatusCode: statusCode,
		Success:    success,
		Error:      errMsg,
		DurationMS: duration.Milliseconds(),
	}
	if err := d.webhooks.RecordDelivery(ctx, delivery); err != nil {
		d.log.Error("record webhook delivery", zap.Error(err))
	}

	status := "failed"
	if success {
		status = "success"
	}
	if err := d.webhooks.UpdateLastDelivery(ctx, wh.ID, time.Now(), status); err != nil {
		d.log.Error("update webhook last delivery", zap.Error(err))
	}
	if d.metrics != nil {
		d.metrics.WebhookDeliveryTotal.WithLabelValues(event, status).Inc()
	}
}

// deliver sends one signed delivery attempt. It never returns an error —
// transport failures are folded into (success=false, errMsg).
func (d *Dispatcher) deliver(ctx context.Context, wh db.Webhook, event, eventID string, body []byte) (success bool, statusCode int, errMsg string, duration time.Duration) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		return false, 0, fmt.Sprintf("build request: %v", err), time.Since(start)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "netlab-webhook/1.0")
	req.Header.Set("X-Webhook-Event", event)
	req.Header.Set("X-Webhook-Delivery", eventID)

	var custom map[string]string
	if wh.Headers != "" {
		_ = json.Unmarshal([]byte(wh.Headers), &custom)
		for k, v := range custom {
			req.Header.Set(k, v)
		}
	}

	if secret := string(wh.Secret); secret != "" {
		req.Header.Set("X-Webhook-Signature", sign(body, secret))
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return false, 0, err.Error(), time.Since(start)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	duration = time.Since(start)
	success = resp.StatusCode >= 200 && resp.StatusCode < 300
	return success, resp.StatusCode, "", duration
}

// sign computes the hex-encoded HMAC-SHA256 of body under secret, formatted
// for the X-Webhook-Signature header.
func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Test sends a synthetic "test" event directly to wh, bypassing event
// matching, for use by a webhook-verification endpoint.
func (d *Dispatcher) Test(ctx context.Context, wh db.Webhook) (success bool, statusCode int, errMsg string) {
	eventID := "evt_" + uuid.New().String()[:12]
	body := buildPayload(Event{
		Type: "test",
		Extra: map[string]interface{}{
			"message":    "This is a test webhook delivery from the netlab controller",
			"webhook_id": wh.ID.String(),
		},
	}, eventID, time.Now())
	encoded, _ := json.Marshal(body)

	ok, code, msg, _ := d.deliver(ctx, wh, "test", eventID, encoded)
	return ok, code, msg
}
