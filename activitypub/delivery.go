package activitypub

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/mammutfed/mammut/db"
	"github.com/mammutfed/mammut/domain"
	"github.com/mammutfed/mammut/util"
)

const (
	// MaxDeliveryAttempts before a task is dead-lettered.
	MaxDeliveryAttempts = 16

	// claimTimeout is how long an in_flight task may go without an
	// outcome before it is reclaimed as pending.
	claimTimeout = 5 * time.Minute

	claimBatchSize = 50
	pollInterval   = 5 * time.Second
)

// DeliveryWorker drains the durable delivery task queue. Concurrency is
// bounded globally by a worker pool and per destination host, so one
// slow or rate-limiting server never monopolizes the pool.
type DeliveryWorker struct {
	DB     *db.DB
	Conf   *util.AppConfig
	Client *http.Client

	log *log.Logger

	hostMu       sync.Mutex
	hostInFlight map[string]int

	wg sync.WaitGroup
}

func NewDeliveryWorker(database *db.DB, conf *util.AppConfig) *DeliveryWorker {
	return &DeliveryWorker{
		DB:           database,
		Conf:         conf,
		Client:       &http.Client{Timeout: 30 * time.Second},
		log:          log.WithPrefix("delivery"),
		hostInFlight: make(map[string]int),
	}
}

// Run polls the task queue until the context is cancelled. In-flight
// HTTP calls are allowed to finish; pending tasks stay durably queued
// for the next run.
func (w *DeliveryWorker) Run(ctx context.Context) {
	w.log.Info("starting delivery worker pool", "workers", w.Conf.Conf.MaxDeliveryWorkers)

	sem := make(chan struct{}, w.Conf.Conf.MaxDeliveryWorkers)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			w.log.Info("delivery worker pool stopped")
			return
		case <-ticker.C:
			w.runBatch(ctx, sem)
		}
	}
}

// Drain processes the queue until no pending or in-flight tasks remain
// or the context expires. Used by self-destruct to let farewell
// deliveries leave before shutdown.
func (w *DeliveryWorker) Drain(ctx context.Context) {
	sem := make(chan struct{}, w.Conf.Conf.MaxDeliveryWorkers)
	for {
		if ctx.Err() != nil {
			return
		}
		w.runBatch(ctx, sem)
		w.wg.Wait()

		err, pending := w.DB.CountTasksByStatus(domain.DeliveryPending)
		if err != nil {
			w.log.Error("failed to count pending tasks", "err", err)
			return
		}
		if pending == 0 {
			return
		}
		time.Sleep(pollInterval)
	}
}

func (w *DeliveryWorker) runBatch(ctx context.Context, sem chan struct{}) {
	if err := w.DB.ReclaimStuckTasks(time.Now().Add(-claimTimeout)); err != nil {
		w.log.Error("failed to reclaim stuck tasks", "err", err)
	}

	err, tasks := w.DB.ClaimDeliveryTasks(claimBatchSize)
	if err != nil {
		w.log.Error("failed to claim tasks", "err", err)
		return
	}
	if len(*tasks) == 0 {
		return
	}

	w.log.Info("processing delivery batch", "count", len(*tasks))

	for i := range *tasks {
		task := (*tasks)[i]

		host := taskHost(task.InboxURI)
		if !w.acquireHost(host) {
			// Host at its in-flight cap; push the task back a little
			// without consuming an attempt.
			if err := w.DB.MarkTaskRetry(task.Id, task.Attempts, time.Now().Add(pollInterval), task.LastStatus, task.LastError); err != nil {
				w.log.Error("failed to defer capped task", "inbox", task.InboxURI, "err", err)
			}
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			w.releaseHost(host)
			if err := w.DB.MarkTaskRetry(task.Id, task.Attempts, time.Now(), task.LastStatus, task.LastError); err != nil {
				w.log.Error("failed to requeue task on shutdown", "inbox", task.InboxURI, "err", err)
			}
			return
		}

		w.wg.Add(1)
		go func(task domain.DeliveryTask, host string) {
			defer w.wg.Done()
			defer func() { <-sem }()
			defer w.releaseHost(host)
			w.process(&task)
		}(task, host)
	}
}

// process attempts a single delivery and records the outcome. Failure
// of one task never affects its siblings: every destination is
// independent.
func (w *DeliveryWorker) process(task *domain.DeliveryTask) {
	attempts := task.Attempts + 1
	status, retryAfter, err := w.deliver(task)

	switch {
	case err == nil && status >= 200 && status < 300:
		w.log.Info("delivered", "inbox", task.InboxURI, "status", status)
		if dbErr := w.DB.MarkTaskDelivered(task.Id, status); dbErr != nil {
			// Leave the task in_flight; the reclaim pass will retry
			// it, which the remote must tolerate per at-least-once.
			w.log.Error("failed to record delivery", "inbox", task.InboxURI, "err", dbErr)
		}

	case err == nil && status >= 400 && status < 500 && status != 429:
		// The remote rejected the activity on semantic grounds.
		// Retrying cannot help; dead-letter for operator inspection.
		w.log.Warn("permanent rejection", "inbox", task.InboxURI, "status", status)
		if dbErr := w.DB.MarkTaskDead(task.Id, status, fmt.Sprintf("remote returned %d", status)); dbErr != nil {
			w.log.Error("failed to dead-letter task", "inbox", task.InboxURI, "err", dbErr)
		}

	default:
		// Transient: 429, 5xx, timeouts and connection errors.
		errText := ""
		if err != nil {
			errText = err.Error()
		} else {
			errText = fmt.Sprintf("remote returned %d", status)
		}

		if attempts >= MaxDeliveryAttempts {
			w.log.Warn("giving up delivery", "inbox", task.InboxURI, "attempts", attempts)
			if dbErr := w.DB.MarkTaskDead(task.Id, status, errText); dbErr != nil {
				w.log.Error("failed to dead-letter task", "inbox", task.InboxURI, "err", dbErr)
			}
			return
		}

		next := nextAttemptTime(attempts, retryAfter)
		w.log.Info("delivery failed, will retry", "inbox", task.InboxURI, "attempt", attempts, "next", next, "err", errText)
		if dbErr := w.DB.MarkTaskRetry(task.Id, attempts, next, status, errText); dbErr != nil {
			w.log.Error("failed to schedule retry", "inbox", task.InboxURI, "err", dbErr)
		}
	}
}

// deliver signs and POSTs the activity to the destination inbox.
// Returns the HTTP status (0 on transport error) and any Retry-After
// hint the remote supplied.
func (w *DeliveryWorker) deliver(task *domain.DeliveryTask) (int, *time.Time, error) {
	err, localAccount := w.DB.ReadLocalAccount()
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read local account: %w", err)
	}

	privateKey, err := ParsePrivateKey(localAccount.WebPrivateKey)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	body := []byte(task.ActivityJSON)
	req, err := http.NewRequest("POST", task.InboxURI, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Accept", ContentType)
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	keyID := fmt.Sprintf("https://%s/users/%s#main-key", w.Conf.Conf.SslDomain, localAccount.Username)
	if err := SignRequest(req, body, privateKey, keyID); err != nil {
		return 0, nil, fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := w.Client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4*1024))

	var retryAfter *time.Time
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}

	return resp.StatusCode, retryAfter, nil
}

func (w *DeliveryWorker) acquireHost(host string) bool {
	w.hostMu.Lock()
	defer w.hostMu.Unlock()
	if w.hostInFlight[host] >= w.Conf.Conf.PerHostDeliveryLimit {
		return false
	}
	w.hostInFlight[host]++
	return true
}

func (w *DeliveryWorker) releaseHost(host string) {
	w.hostMu.Lock()
	defer w.hostMu.Unlock()
	if w.hostInFlight[host] > 0 {
		w.hostInFlight[host]--
	}
}

func taskHost(inboxURI string) string {
	parsed, err := url.Parse(inboxURI)
	if err != nil {
		return inboxURI
	}
	return parsed.Host
}

// nextAttemptTime computes the next retry time: an explicit Retry-After
// wins, otherwise exponential backoff (2*2^(n-1) seconds) with jitter.
// Each retry lands strictly later than the previous one.
func nextAttemptTime(attempts int, retryAfter *time.Time) time.Time {
	if retryAfter != nil && retryAfter.After(time.Now()) {
		return *retryAfter
	}
	seconds := 2 * (1 << (attempts - 1))
	jitter := rand.Intn(seconds/2 + 1)
	return time.Now().Add(time.Duration(seconds+jitter) * time.Second)
}

// parseRetryAfter handles both delay-seconds and HTTP-date forms.
func parseRetryAfter(value string) *time.Time {
	if value == "" {
		return nil
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		t := time.Now().Add(time.Duration(seconds) * time.Second)
		return &t
	}
	if t, err := http.ParseTime(value); err == nil {
		return &t
	}
	return nil
}
