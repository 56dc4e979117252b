package chat

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/alim08/fin_advisor/pkg/logger"
	"github.com/alim08/fin_advisor/pkg/metrics"
	"github.com/alim08/fin_advisor/pkg/models"
)

type report struct {
	userID string
	symbol string
	kind   models.InteractionKind
}

// Reporter forwards interactions to the engine off the turn path. The
// queue is bounded; when full the oldest report is dropped.
type Reporter struct {
	sink    InteractionRecorder
	queue   chan report
	timeout time.Duration
	log     *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func newReporter(sink InteractionRecorder, size int) *Reporter {
	return &Reporter{
		sink:    sink,
		queue:   make(chan report, size),
		timeout: 5 * time.Second,
		log:     logger.Named("reporter"),
	}
}

func (r *Reporter) start(workers int) {
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.work()
	}
}

func (r *Reporter) work() {
	defer r.wg.Done()
	for rep := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := r.sink.RecordInteraction(ctx, rep.userID, rep.symbol, rep.kind); err != nil {
			r.log.Warn("failed to record interaction",
				zap.String("user_id", rep.userID),
				zap.String("symbol", rep.symbol),
				zap.String("kind", string(rep.kind)),
				zap.Error(err))
		}
		cancel()
	}
}

// Report enqueues without blocking.
func (r *Reporter) Report(userID, symbol string, kind models.InteractionKind) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	rep := report{userID: userID, symbol: symbol, kind: kind}
	for {
		select {
		case r.queue <- rep:
			return
		default:
		}
		select {
		case <-r.queue:
			metrics.ReporterDropped.Inc()
		default:
		}
	}
}

// Close stops intake and waits for queued reports to be written.
func (r *Reporter) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	r.wg.Wait()
}
