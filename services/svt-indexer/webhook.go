package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"svtchain/observability/metrics"
)

const (
	maxDeliveryAttempts  = 5
	deliveriesPerMinute  = 60
	signatureHeader      = "X-Svt-Signature"
	defaultClientTimeout = 10 * time.Second
)

// DeliveryWorker drains the queue, fanning events out to subscribed endpoints
// and delivering signed payloads with bounded retries.
type DeliveryWorker struct {
	store     *SQLiteStore
	endpoints *EndpointStore
	queue     *DeliveryQueue
	client    *http.Client
	nowFn     func() time.Time
	logger    *slog.Logger

	rateMu sync.Mutex
	rate   map[string]rateWindow
}

type rateWindow struct {
	windowStart time.Time
	count       int
}

func NewDeliveryWorker(store *SQLiteStore, endpoints *EndpointStore, queue *DeliveryQueue, logger *slog.Logger) *DeliveryWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeliveryWorker{
		store:     store,
		endpoints: endpoints,
		queue:     queue,
		client:    &http.Client{Timeout: defaultClientTimeout},
		nowFn:     time.Now,
		logger:    logger,
		rate:      make(map[string]rateWindow),
	}
}

// Run processes delivery tasks until the context is cancelled.
func (w *DeliveryWorker) Run(ctx context.Context) {
	for {
		task, ok := w.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if task.Endpoint == nil {
			w.expandTask(task)
			continue
		}
		w.deliver(ctx, task)
	}
}

func (w *DeliveryWorker) expandTask(task DeliveryTask) {
	matched, err := w.endpoints.Matching(task.Event.Type)
	if err != nil {
		w.logger.Error("list webhook endpoints", "error", err)
		return
	}
	for i := range matched {
		endpoint := matched[i]
		w.queue.enqueueTask(DeliveryTask{Event: task.Event, Endpoint: &endpoint})
	}
}

func (w *DeliveryWorker) deliver(ctx context.Context, task DeliveryTask) {
	endpoint := task.Endpoint
	if endpoint == nil || !endpoint.Active {
		return
	}
	now := w.nowFn()
	if !w.allow(endpoint.ID, now) {
		task.NotBefore = w.rateReset(endpoint.ID)
		w.queue.enqueueTask(task)
		return
	}

	payload, err := json.Marshal(map[string]interface{}{
		"digest":     task.Event.Digest,
		"type":       task.Event.Type,
		"height":     task.Event.Height,
		"position":   task.Event.Position,
		"attributes": task.Event.Attributes,
		"archivedAt": task.Event.ArchivedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		w.recordAttempt(ctx, task, "error", err.Error(), now, time.Time{})
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(payload))
	if err != nil {
		w.recordAttempt(ctx, task, "error", err.Error(), now, time.Time{})
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signatureHeader, signPayload(endpoint.Secret, payload))

	start := w.nowFn()
	resp, err := w.client.Do(req)
	if err != nil {
		metrics.Indexer().IncWebhookFailure(endpoint.URL)
		w.retryLater(ctx, task, err.Error())
		return
	}
	defer resp.Body.Close()
	metrics.Indexer().ObserveDelivery(endpoint.URL, w.nowFn().Sub(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.Indexer().IncWebhookFailure(endpoint.URL)
		w.retryLater(ctx, task, resp.Status)
		return
	}
	w.recordAttempt(ctx, task, "success", "", now, time.Time{})
}

func (w *DeliveryWorker) retryLater(ctx context.Context, task DeliveryTask, errMsg string) {
	now := w.nowFn()
	attemptNum := task.Attempt + 1
	next := now.Add(backoffDuration(attemptNum))
	if attemptNum >= maxDeliveryAttempts {
		w.recordAttempt(ctx, task, "exhausted", errMsg, now, time.Time{})
		return
	}
	w.recordAttempt(ctx, task, "failed", errMsg, now, next)
	task.Attempt++
	task.NotBefore = next
	w.queue.enqueueTask(task)
}

func backoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := time.Second * time.Duration(1<<uint(attempt-1))
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

func (w *DeliveryWorker) recordAttempt(ctx context.Context, task DeliveryTask, status, errMsg string, now time.Time, next time.Time) {
	attempt := DeliveryAttempt{
		ID:          uuid.New().String(),
		EndpointID:  task.Endpoint.ID,
		EventDigest: task.Event.Digest,
		Attempt:     task.Attempt + 1,
		Status:      status,
		Error:       errMsg,
		NextAttempt: next,
		CreatedAt:   now,
	}
	if err := w.store.InsertDeliveryAttempt(ctx, attempt); err != nil {
		w.logger.Error("record delivery attempt", "endpoint", task.Endpoint.ID, "error", err)
	}
}

func (w *DeliveryWorker) allow(id string, now time.Time) bool {
	w.rateMu.Lock()
	defer w.rateMu.Unlock()
	state := w.rate[id]
	if now.Sub(state.windowStart) >= time.Minute {
		state.windowStart = now
		state.count = 0
	}
	if state.count >= deliveriesPerMinute {
		w.rate[id] = state
		return false
	}
	state.count++
	w.rate[id] = state
	return true
}

func (w *DeliveryWorker) rateReset(id string) time.Time {
	w.rateMu.Lock()
	defer w.rateMu.Unlock()
	state := w.rate[id]
	if state.windowStart.IsZero() {
		state.windowStart = w.nowFn()
	}
	reset := state.windowStart.Add(time.Minute)
	w.rate[id] = state
	return reset
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
