package worker

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/replicate/go/httpclient"

	"github.com/replicate/cog-director/internal/logging"
)

// NextQueueInterval is how often the dispatcher is asked for the current
// queue assignment.
const NextQueueInterval = 30 * time.Second

// Status is a worker lifecycle state reported to the dispatcher.
type Status string

const (
	StatusPrepare  Status = "prepare"
	StatusIdle     Status = "idle"
	StatusBusy     Status = "busy"
	StatusShutdown Status = "shutdown"
)

// Worker tracks this process's registration with the remote dispatcher: its
// queue assignment, whether the dispatcher has revoked it (expired), and
// whether the assignment changed during the current idle period (switched).
// All dispatcher calls are best-effort; a missing report URL turns the whole
// component into a no-op.
type Worker struct {
	id        string
	reportURL string
	client    *http.Client

	mu    sync.Mutex
	queue string

	expired  atomic.Bool
	switched atomic.Bool

	stop chan struct{}
	done chan struct{}

	logger *logging.Logger
}

func New(id, queue, reportURL string, logger *logging.Logger) *Worker {
	return &Worker{
		id:        id,
		reportURL: reportURL,
		client:    httpclient.ApplyRetryPolicy(http.DefaultClient),
		queue:     queue,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		logger:    logger.Named("worker"),
	}
}

// Start launches the periodic queue-assignment poll.
func (w *Worker) Start() {
	go w.run()
}

// Stop triggers termination of the poll goroutine.
func (w *Worker) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
}

// Join blocks until the poll goroutine has exited.
func (w *Worker) Join() {
	<-w.done
}

func (w *Worker) configured() bool {
	return w.reportURL != "" && w.id != ""
}

func (w *Worker) run() {
	defer close(w.done)

	ticker := time.NewTicker(NextQueueInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.RefreshQueue()
		}
	}
}

// RefreshQueue refreshes the queue assignment from the dispatcher. A
// response without a queue means the dispatcher has revoked this worker.
func (w *Worker) RefreshQueue() {
	if !w.configured() {
		return
	}
	log := w.logger.Sugar()

	resp, err := w.client.Get(fmt.Sprintf("%s/worker/next_queue/%s", w.reportURL, w.id))
	if err != nil {
		log.Warnw("failed to get next queue", "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		log.Warnw("failed to get next queue", "status_code", resp.StatusCode)
		return
	}

	var body struct {
		Queue string `json:"queue"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		log.Warnw("failed to decode next queue response", "error", err)
		return
	}

	if body.Queue == "" {
		log.Infow("worker expired: no next queue assigned")
		w.expired.Store(true)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if body.Queue != w.queue {
		log.Infow("queue assignment changed", "previous", w.queue, "current", body.Queue)
		w.queue = body.Queue
		w.switched.Store(true)
	}
}

// Queue returns the current queue assignment.
func (w *Worker) Queue() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.queue
}

// Expired reports whether the dispatcher has revoked this worker.
func (w *Worker) Expired() bool {
	return w.expired.Load()
}

// Switched reports whether the queue assignment changed since the last
// ClearSwitched.
func (w *Worker) Switched() bool {
	return w.switched.Load()
}

// ClearSwitched resets the switched flag at the start of a consume cycle.
func (w *Worker) ClearSwitched() {
	w.switched.Store(false)
}

// Prepare reports that the worker is setting up.
func (w *Worker) Prepare() { w.report(StatusPrepare) }

// Idle reports that the worker is waiting for work.
func (w *Worker) Idle() { w.report(StatusIdle) }

// Busy reports that the worker is running a prediction.
func (w *Worker) Busy() { w.report(StatusBusy) }

// Shutdown reports that the worker is exiting.
func (w *Worker) Shutdown() { w.report(StatusShutdown) }

// report is fire-and-forget: the retry policy on the client supplies a
// bounded retry, and any remaining failure is logged and swallowed.
func (w *Worker) report(status Status) {
	if !w.configured() {
		return
	}
	log := w.logger.Sugar()

	url := fmt.Sprintf("%s/worker/status/%s?status=%s", w.reportURL, w.id, status)
	req, err := http.NewRequest(http.MethodPut, url, nil)
	if err != nil {
		log.Warnw("failed to create status report request", "error", err)
		return
	}
	resp, err := w.client.Do(req)
	if err != nil {
		log.Warnw("failed to report worker status", "status", string(status), "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		log.Warnw("failed to report worker status", "status", string(status), "status_code", resp.StatusCode)
	}
}
