// Package dispatch delivers signed documents to the ESS callback endpoint.
//
// Network-level failures are retried with exponential backoff and full
// jitter; application-level rejections are surfaced, never retried. When
// the retry budget is exhausted the notification is parked in the store
// for the resend worker or an operator.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/umojafsp/essbridge/pkg/wire"
	"github.com/umojafsp/essbridge/services/bridge/internal/store"
)

var (
	// ErrRejected means ESS answered with a non-accepted response code.
	ErrRejected = errors.New("dispatch: rejected by counterpart")
	// ErrDeliveryFailed means the retry budget was exhausted; the
	// notification has been parked for re-send.
	ErrDeliveryFailed = errors.New("dispatch: delivery failed")
)

// Queue is the fallback surface for undeliverable notifications.
type Queue interface {
	EnqueueNotification(ctx context.Context, n store.PendingNotification) error
	ClaimPending(ctx context.Context, limit int) ([]store.PendingNotification, error)
	MarkDelivered(ctx context.Context, id string) error
	MarkAttemptFailed(ctx context.Context, id, reason string, nextAttemptAt time.Time) error
}

type Config struct {
	CallbackURL string
	Timeout     time.Duration
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

type Notification struct {
	ESSApplicationNumber string
	MessageType          string
	MsgID                string
	Body                 []byte
}

type Dispatcher struct {
	cfg    Config
	http   *http.Client
	queue  Queue
	logger zerolog.Logger

	randMu sync.Mutex
	rnd    *rand.Rand
}

func New(cfg Config, queue Queue, logger zerolog.Logger) *Dispatcher {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Dispatcher{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		queue:  queue,
		logger: logger.With().Str("component", "dispatcher").Logger(),
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Deliver posts the signed document, retrying network failures up to the
// configured budget. On exhaustion the notification is enqueued for
// re-send and ErrDeliveryFailed returned.
func (d *Dispatcher) Deliver(ctx context.Context, n Notification) error {
	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		err := d.post(ctx, n.Body)
		if err == nil {
			d.logger.Info().
				Str("ess_application_number", n.ESSApplicationNumber).
				Str("message_type", n.MessageType).
				Str("msg_id", n.MsgID).
				Int("attempt", attempt).
				Msg("notification delivered")
			return nil
		}
		if errors.Is(err, ErrRejected) {
			d.logger.Warn().
				Str("ess_application_number", n.ESSApplicationNumber).
				Str("msg_id", n.MsgID).
				Err(err).
				Msg("counterpart rejected notification; not retrying")
			return err
		}
		lastErr = err
		if ctx.Err() != nil {
			// Shutdown mid-delivery: park so the resend worker picks the
			// notification up after restart instead of losing it.
			d.park(n, attempt, lastErr, time.Now())
			return ctx.Err()
		}
		d.logger.Warn().
			Str("msg_id", n.MsgID).
			Int("attempt", attempt).
			Err(err).
			Msg("delivery attempt failed")

		if attempt < d.cfg.MaxAttempts {
			if !d.wait(ctx, d.computeBackoff(attempt)) {
				d.park(n, attempt, lastErr, time.Now())
				return ctx.Err()
			}
		}
	}

	d.park(n, d.cfg.MaxAttempts, lastErr, time.Now().Add(d.cfg.MaxBackoff))
	return fmt.Errorf("%w: %v", ErrDeliveryFailed, lastErr)
}

// park persists an undelivered notification for re-send. It runs on a
// detached context: the cancellation that aborted the delivery must not
// also abort the parking write.
func (d *Dispatcher) park(n Notification, attempts int, cause error, nextAttemptAt time.Time) {
	pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	pending := store.PendingNotification{
		ID:                   "ntf_" + uuid.NewString(),
		ESSApplicationNumber: n.ESSApplicationNumber,
		MessageType:          n.MessageType,
		MsgID:                n.MsgID,
		Body:                 n.Body,
		Attempts:             attempts,
		LastError:            reason,
		NextAttemptAt:        nextAttemptAt,
	}
	if err := d.queue.EnqueueNotification(pctx, pending); err != nil {
		d.logger.Error().Err(err).Str("msg_id", n.MsgID).Msg("failed to park undelivered notification")
	}
}

// post performs one HTTP attempt. A non-2xx status or transport error is
// a network-level failure; a parsed RESPONSE with a non-accepted code is
// an application-level rejection.
func (d *Dispatcher) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/xml")

	resp, err := d.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned %d", resp.StatusCode)
	}

	ack, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg, _, err := wire.DecodeDocument(ack)
	if err != nil {
		return fmt.Errorf("unparsable acknowledgment: %w", err)
	}
	if code := msg.Get("ResponseCode"); code != wire.CodeAccepted {
		return fmt.Errorf("%w: code %s: %s", ErrRejected, code, msg.Get("Description"))
	}
	return nil
}

func (d *Dispatcher) computeBackoff(attempt int) time.Duration {
	if d.cfg.BaseBackoff <= 0 {
		return 0
	}
	if attempt > 16 {
		attempt = 16 // past this the cap always wins; avoids overflow
	}
	multiplier := math.Pow(2, float64(attempt-1))
	raw := time.Duration(float64(d.cfg.BaseBackoff) * multiplier)
	if d.cfg.MaxBackoff > 0 && raw > d.cfg.MaxBackoff {
		raw = d.cfg.MaxBackoff
	}
	return d.fullJitter(raw)
}

func (d *Dispatcher) fullJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	d.randMu.Lock()
	defer d.randMu.Unlock()
	return time.Duration(d.rnd.Int63n(int64(max) + 1))
}

func (d *Dispatcher) wait(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return true
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
