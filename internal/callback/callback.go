// Package callback delivers terminal job results to caller-registered
// webhook URLs. Delivery is best-effort: the job row stays the source of
// truth and callers fall back to polling.
package callback

import (
	"bytes"
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

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	signatureHeader = "X-Taskforge-Signature"

	markerKeyPrefix = "callback:delivered:"
	markerTTL       = 24 * time.Hour
)

// Envelope is the result body posted to a webhook.
type Envelope struct {
	Success  bool           `json:"success"`
	Data     map[string]any `json:"data"`
	Error    *string        `json:"error"`
	Metadata map[string]any `json:"metadata"`
}

// SuccessEnvelope builds the envelope for a successful job.
func SuccessEnvelope(data, metadata map[string]any) *Envelope {
	return &Envelope{Success: true, Data: data, Metadata: metadata}
}

// FailureEnvelope builds the envelope for a failed job.
func FailureEnvelope(errMessage string, data, metadata map[string]any) *Envelope {
	return &Envelope{Success: false, Data: data, Error: &errMessage, Metadata: metadata}
}

// Marker suppresses duplicate deliveries for the same job under
// at-least-once execution. FirstDelivery returns false when the job's
// callback already went out.
type Marker interface {
	FirstDelivery(ctx context.Context, jobID uuid.UUID) (bool, error)
}

// RedisMarker implements Marker with a SETNX key per job.
type RedisMarker struct {
	rdb *redis.Client
}

// NewRedisMarker creates a RedisMarker.
func NewRedisMarker(rdb *redis.Client) *RedisMarker {
	return &RedisMarker{rdb: rdb}
}

// FirstDelivery claims the delivery slot for a job.
func (m *RedisMarker) FirstDelivery(ctx context.Context, jobID uuid.UUID) (bool, error) {
	return m.rdb.SetNX(ctx, markerKeyPrefix+jobID.String(), time.Now().UTC().Format(time.RFC3339), markerTTL).Result()
}

// Deliverer posts envelopes to webhook URLs.
type Deliverer struct {
	http          *http.Client
	signingSecret string
	marker        Marker
	log           *slog.Logger
}

// NewDeliverer creates a Deliverer. marker may be nil, in which case
// duplicate suppression is disabled.
func NewDeliverer(timeout time.Duration, signingSecret string, marker Marker, log *slog.Logger) *Deliverer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Deliverer{
		http:          &http.Client{Timeout: timeout},
		signingSecret: signingSecret,
		marker:        marker,
		log:           log,
	}
}

// Deliver posts the envelope to url. An empty url is a silent callback.
// Failures are logged and swallowed; they never revert the job's terminal
// status.
func (d *Deliverer) Deliver(ctx context.Context, url string, jobID uuid.UUID, env *Envelope) {
	if url == "" {
		d.log.Info("silent callback", "job_id", jobID)
		return
	}

	if d.marker != nil {
		first, err := d.marker.FirstDelivery(ctx, jobID)
		if err != nil {
			d.log.Warn("callback dedup check failed, delivering anyway", "job_id", jobID, "err", err)
		} else if !first {
			d.log.Info("callback already delivered, skipping", "job_id", jobID)
			return
		}
	}

	if err := d.post(ctx, url, env); err != nil {
		d.log.Error("callback delivery failed", "job_id", jobID, "url", url, "err", err)
		return
	}
	d.log.Info("callback delivered", "job_id", jobID, "url", url, "success", env.Success)
}

func (d *Deliverer) post(ctx context.Context, url string, env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.signingSecret != "" {
		req.Header.Set(signatureHeader, sign(d.signingSecret, body))
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("callback endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
