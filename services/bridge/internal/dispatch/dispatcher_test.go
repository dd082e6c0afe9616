package dispatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/umojafsp/essbridge/pkg/wire"
	"github.com/umojafsp/essbridge/services/bridge/internal/store"
)

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []store.PendingNotification
	pending  []store.PendingNotification
	done     []string
	failed   []string
}

func (q *fakeQueue) EnqueueNotification(_ context.Context, n store.PendingNotification) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, n)
	return nil
}

func (q *fakeQueue) ClaimPending(_ context.Context, limit int) ([]store.PendingNotification, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit > len(q.pending) {
		limit = len(q.pending)
	}
	out := q.pending[:limit]
	q.pending = q.pending[limit:]
	return out, nil
}

func (q *fakeQueue) MarkDelivered(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.done = append(q.done, id)
	return nil
}

func (q *fakeQueue) MarkAttemptFailed(_ context.Context, id, _ string, _ time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed = append(q.failed, id)
	return nil
}

func ackBody(code string) []byte {
	resp := wire.NewResponse("ESS_UTUMISHI", "FSP105", "FSP105", "RESPONSE_ZD1", code, "ack")
	return wire.EncodeDocument(resp, "")
}

func newTestDispatcher(url string, q Queue, attempts int) *Dispatcher {
	return New(Config{
		CallbackURL: url,
		Timeout:     time.Second,
		MaxAttempts: attempts,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}, q, zerolog.Nop())
}

func TestDeliverSuccess(t *testing.T) {
	var gotContentType atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType.Store(r.Header.Get("Content-Type"))
		w.Write(ackBody(wire.CodeAccepted))
	}))
	defer srv.Close()

	q := &fakeQueue{}
	d := newTestDispatcher(srv.URL, q, 3)
	err := d.Deliver(context.Background(), Notification{ESSApplicationNumber: "ESS1", MsgID: "m1", Body: []byte("<Document/>")})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if ct := gotContentType.Load(); ct != "application/xml" {
		t.Fatalf("content type: got %v", ct)
	}
	if len(q.enqueued) != 0 {
		t.Fatalf("nothing should be parked on success")
	}
}

func TestDeliverRetriesNetworkFailureThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(502)
			return
		}
		w.Write(ackBody(wire.CodeAccepted))
	}))
	defer srv.Close()

	q := &fakeQueue{}
	d := newTestDispatcher(srv.URL, q, 5)
	if err := d.Deliver(context.Background(), Notification{MsgID: "m2", Body: []byte("x")}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestDeliverDoesNotRetryRejection(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write(ackBody(wire.CodeRejected))
	}))
	defer srv.Close()

	q := &fakeQueue{}
	d := newTestDispatcher(srv.URL, q, 5)
	err := d.Deliver(context.Background(), Notification{MsgID: "m3", Body: []byte("x")})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("got %v, want ErrRejected", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("rejection must not be retried, got %d attempts", calls.Load())
	}
	if len(q.enqueued) != 0 {
		t.Fatalf("rejections are surfaced, not parked")
	}
}

func TestDeliverParksAfterExhaustion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(503)
	}))
	defer srv.Close()

	q := &fakeQueue{}
	d := newTestDispatcher(srv.URL, q, 2)
	err := d.Deliver(context.Background(), Notification{ESSApplicationNumber: "ESS9", MessageType: wire.TypeDisbursement, MsgID: "m4", Body: []byte("x")})
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("got %v, want ErrDeliveryFailed", err)
	}
	if len(q.enqueued) != 1 {
		t.Fatalf("expected one parked notification, got %d", len(q.enqueued))
	}
	if q.enqueued[0].ESSApplicationNumber != "ESS9" || q.enqueued[0].Attempts != 2 {
		t.Fatalf("parked notification incomplete: %+v", q.enqueued[0])
	}
}

func TestDeliverCancellableDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(503)
	}))
	defer srv.Close()

	q := &fakeQueue{}
	d := New(Config{
		CallbackURL: srv.URL,
		Timeout:     time.Second,
		MaxAttempts: 10,
		BaseBackoff: time.Hour,
		MaxBackoff:  time.Hour,
	}, q, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	err := d.Deliver(ctx, Notification{ESSApplicationNumber: "ESS5", MsgID: "m5", Body: []byte("x")})
	if err == nil {
		t.Fatalf("expected error after cancellation")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("backoff wait did not honor cancellation")
	}
	if len(q.enqueued) != 1 {
		t.Fatalf("cancelled delivery must park the notification, got %d parked", len(q.enqueued))
	}
	parked := q.enqueued[0]
	if parked.MsgID != "m5" || parked.ESSApplicationNumber != "ESS5" || parked.Attempts != 1 {
		t.Fatalf("parked notification incomplete: %+v", parked)
	}
	if parked.LastError == "" {
		t.Fatalf("parked notification should carry the last delivery error")
	}
}

func TestResendBatchDeliversAndMarks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(ackBody(wire.CodeAccepted))
	}))
	defer srv.Close()

	q := &fakeQueue{pending: []store.PendingNotification{
		{ID: "ntf_1", Body: []byte("a")},
		{ID: "ntf_2", Body: []byte("b")},
	}}
	d := newTestDispatcher(srv.URL, q, 1)

	n, err := d.ResendBatch(context.Background(), 10, 2)
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	if n != 2 || len(q.done) != 2 {
		t.Fatalf("expected 2 delivered, got n=%d done=%d", n, len(q.done))
	}
}

func TestResendBatchesDoNotShareClaims(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(ackBody(wire.CodeAccepted))
	}))
	defer srv.Close()

	q := &fakeQueue{pending: []store.PendingNotification{
		{ID: "ntf_a", Body: []byte("a")},
		{ID: "ntf_b", Body: []byte("b")},
		{ID: "ntf_c", Body: []byte("c")},
	}}
	d := newTestDispatcher(srv.URL, q, 1)

	var wg sync.WaitGroup
	var total atomic.Int32
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := d.ResendBatch(context.Background(), 10, 2)
			if err != nil {
				t.Errorf("resend: %v", err)
			}
			total.Add(int32(n))
		}()
	}
	wg.Wait()

	if total.Load() != 3 {
		t.Fatalf("expected 3 deliveries across batches, got %d", total.Load())
	}
	seen := map[string]bool{}
	for _, id := range q.done {
		if seen[id] {
			t.Fatalf("notification %s delivered by more than one batch", id)
		}
		seen[id] = true
	}
}

func TestResendBatchReschedulesFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer srv.Close()

	q := &fakeQueue{pending: []store.PendingNotification{{ID: "ntf_3", Attempts: 4, Body: []byte("a")}}}
	d := newTestDispatcher(srv.URL, q, 1)

	n, err := d.ResendBatch(context.Background(), 10, 1)
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	if n != 0 || len(q.failed) != 1 {
		t.Fatalf("expected rescheduled failure, got n=%d failed=%d", n, len(q.failed))
	}
}
