package sparse

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/sparse/pkg/stats"
	"github.com/raskyld/sparse/pkg/wire"
)

const emitterFlushTimeout = time.Second

// Emitter reports statistics records to a monitor node.
//
// Emission never blocks nor fails: records are dropped when the buffer is
// full or the monitor cannot be reached. A nil *Emitter drops everything.
type Emitter struct {
	tr          *Transport
	target      string
	retry       RetryConfig
	dialTimeout time.Duration
	logger      *slog.Logger
	msink       metrics.MetricSink
	labels      []metrics.Label

	recCh chan stats.Record

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

func newEmitter(tr *Transport, target string, buffer int, retry RetryConfig, dialTimeout time.Duration) *Emitter {
	ctx, cancel := context.WithCancel(context.Background())
	return &Emitter{
		tr:          tr,
		target:      target,
		retry:       retry,
		dialTimeout: dialTimeout,
		logger:      tr.logger.With(LabelPeerAddr.L(target), "component", "emitter"),
		msink:       tr.msink,
		labels:      withLabels(tr.cfg.MetricLabels, LabelPeerAddr.M(target)),
		recCh:       make(chan stats.Record, buffer),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (e *Emitter) Start() {
	if e == nil {
		return
	}
	e.startOnce.Do(func() {
		e.wg.Add(1)
		go e.run()
	})
}

// Emit queues rec for the monitor.
func (e *Emitter) Emit(rec stats.Record) {
	if e == nil {
		return
	}
	if e.ctx.Err() != nil {
		e.drop(rec, "closed")
		return
	}
	select {
	case e.recCh <- rec:
	default:
		e.drop(rec, "buffer_full")
	}
}

// Close sends what is still buffered, if the monitor is reachable, and
// closes the session.
func (e *Emitter) Close() error {
	if e == nil {
		return nil
	}
	e.closeOnce.Do(func() {
		e.cancel()
		e.wg.Wait()
	})
	return nil
}

func (e *Emitter) drop(rec stats.Record, reason string) {
	e.msink.IncrCounterWithLabels(MetricStatsDroppedCount, 1.0, append(e.labels, LabelError.M(reason)))
	e.logger.Debug("statistics record dropped", LabelRecord.L(rec), LabelError.L(reason))
}

func (e *Emitter) run() {
	defer e.wg.Done()

	var (
		sess    *Session
		attempt int
		retryAt time.Time
	)
	defer func() {
		if sess != nil {
			_ = sess.Close()
		}
	}()

	for {
		select {
		case <-e.ctx.Done():
			e.flush(sess)
			return
		case rec := <-e.recCh:
			if sess == nil || sess.State() != SessionOpen {
				if time.Now().Before(retryAt) {
					e.drop(rec, "unreachable")
					continue
				}

				var err error
				sess, err = e.dial()
				if err != nil {
					attempt++
					retryAt = time.Now().Add(e.retry.Backoff(attempt))
					e.logger.Debug("monitor unreachable", LabelAttempt.L(attempt), LabelError.L(err))
					e.drop(rec, "unreachable")
					continue
				}
				attempt = 0
			}

			e.send(e.ctx, sess, rec)
		}
	}
}

func (e *Emitter) flush(sess *Session) {
	if sess == nil || sess.State() != SessionOpen {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), emitterFlushTimeout)
	defer cancel()
	for {
		select {
		case rec := <-e.recCh:
			e.send(ctx, sess, rec)
		default:
			return
		}
	}
}

func (e *Emitter) dial() (*Session, error) {
	ctx, cancel := context.WithTimeout(e.ctx, e.dialTimeout)
	defer cancel()
	sess, err := e.tr.Dial(ctx, e.target)
	if err != nil {
		return nil, err
	}
	sess.Serve(func(s *Session, msg wire.Message) {
		s.Logger().Warn("unexpected message from monitor", "kind", msg.Kind().String())
	}, nil)
	return sess, nil
}

func (e *Emitter) send(ctx context.Context, sess *Session, rec stats.Record) {
	err := sess.Send(ctx, &wire.Stats{
		CorrelationID: rec.CorrelationID,
		Payload:       rec.Marshal(nil),
	})
	if err != nil {
		e.drop(rec, "send")
	}
}
