package sparse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/sparse/pkg/stats"
	"github.com/raskyld/sparse/pkg/wire"
	"golang.org/x/sync/errgroup"
)

var errWorkerStopping = errors.New("worker: shutting down")

// Worker executes the tasks it receives from upstream nodes.
//
// Every task runs in its own goroutine. When a downstream is configured,
// the output of the executor is deployed there and the downstream result
// is relayed upstream under the correlation id of the original request.
// Failures are always reported as error responses, they never close the
// upstream session.
type Worker struct {
	tr         *Transport
	ln         *Listener
	exec       Executor
	downstream *Deployer
	emitter    *Emitter
	nodeID     string
	logger     *slog.Logger
	msink      metrics.MetricSink
	labels     []metrics.Label
	grace      time.Duration

	lk       sync.Mutex
	stopping bool
	sessions map[*Session]struct{}
	tasks    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newWorker(tr *Transport, nodeID string, exec Executor, downstream *Deployer, emitter *Emitter, grace time.Duration) *Worker {
	if exec == nil {
		exec = Passthrough
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		tr:         tr,
		exec:       exec,
		downstream: downstream,
		emitter:    emitter,
		nodeID:     nodeID,
		logger:     tr.logger.With("component", "worker"),
		msink:      tr.msink,
		labels:     withLabels(tr.cfg.MetricLabels, LabelNodeID.M(nodeID)),
		grace:      grace,
		sessions:   make(map[*Session]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Terminal reports whether the worker is the last stage of its pipeline.
func (w *Worker) Terminal() bool {
	return w.downstream == nil
}

func (w *Worker) Start() error {
	ln, err := w.tr.Listen()
	if err != nil {
		return err
	}
	w.ln = ln

	if w.downstream != nil {
		w.downstream.Start()
	}

	w.wg.Add(1)
	go w.acceptLoop()
	w.logger.Info("worker listening", "addr", ln.Addr().String(), "terminal", w.Terminal())
	return nil
}

func (w *Worker) acceptLoop() {
	defer w.wg.Done()
	for {
		sess, err := w.ln.Accept(w.ctx)
		if err != nil {
			return
		}

		w.lk.Lock()
		if w.stopping {
			w.lk.Unlock()
			_ = sess.Close()
			return
		}
		w.sessions[sess] = struct{}{}
		w.lk.Unlock()

		sess.Logger().Debug("upstream connected")
		sess.Serve(w.handle, w.forget)
	}
}

func (w *Worker) forget(sess *Session, _ error) {
	w.lk.Lock()
	delete(w.sessions, sess)
	w.lk.Unlock()
}

func (w *Worker) handle(sess *Session, msg wire.Message) {
	req, ok := msg.(*wire.Request)
	if !ok {
		sess.Logger().Warn("worker only accepts task requests", "kind", msg.Kind().String())
		return
	}

	w.lk.Lock()
	if w.stopping {
		w.lk.Unlock()
		w.reply(sess, &wire.Response{
			CorrelationID: req.CorrelationID,
			CompletedAt:   time.Now(),
			Payload:       []byte(errWorkerStopping.Error()),
			Failed:        true,
		})
		return
	}
	w.tasks.Add(1)
	w.lk.Unlock()

	go w.execute(sess, req)
}

func (w *Worker) execute(sess *Session, req *wire.Request) {
	defer w.tasks.Done()
	start := time.Now()
	// the task is abandoned if its upstream goes away.
	ctx := sess.Context()

	res := &wire.Response{CorrelationID: req.CorrelationID}
	out, err := w.exec.Execute(ctx, req.Payload)
	switch {
	case err != nil:
		res.Payload = []byte(err.Error())
		res.Failed = true
		err = fmt.Errorf("%w: %w", ErrExecutorFailure, err)
	case w.downstream != nil:
		var result *Result
		result, err = w.downstream.DeployTask(ctx, out)
		switch {
		case err == nil:
			res.Payload = result.Payload
		case result != nil && result.Failed:
			// keep the message of the stage which failed.
			res.Payload = result.Payload
			res.Failed = true
		default:
			res.Payload = []byte(err.Error())
			res.Failed = true
		}
	default:
		res.Payload = out
	}
	res.CompletedAt = time.Now()
	latency := res.CompletedAt.Sub(start)

	logger := sess.Logger().With(LabelCorrelationID.L(req.CorrelationID), LabelDuration.L(latency))
	if res.Failed {
		logger.Debug("task failed", LabelError.L(err))
		w.msink.IncrCounterWithLabels(MetricTaskErrorCount, 1.0, w.labels)
	} else {
		logger.Debug("task done")
	}
	w.msink.IncrCounterWithLabels(MetricTaskCount, 1.0, w.labels)
	w.msink.AddSampleWithLabels(MetricTaskLatency, float32(latency.Milliseconds()), w.labels)

	w.reply(sess, res)

	w.emitter.Emit(stats.Record{
		NodeID:        w.nodeID,
		Role:          string(RoleWorker),
		CorrelationID: req.CorrelationID,
		Operation:     stats.OpExecute,
		Latency:       latency,
		PayloadSize:   uint64(len(req.Payload)),
		Timestamp:     start,
		Failed:        res.Failed,
	})
}

func (w *Worker) reply(sess *Session, res *wire.Response) {
	if err := sess.Send(sess.Context(), res); err != nil {
		sess.Logger().Debug("could not reply upstream",
			LabelCorrelationID.L(res.CorrelationID),
			LabelError.L(err),
		)
	}
}

// Stop stops accepting sessions and waits for in-flight tasks, at most the
// grace period or until ctx is done. Then every upstream session is closed,
// which cancels the tasks still running, and the downstream is closed.
func (w *Worker) Stop(ctx context.Context) error {
	w.lk.Lock()
	if w.stopping {
		w.lk.Unlock()
		return nil
	}
	w.stopping = true
	w.lk.Unlock()

	w.cancel()
	var errs []error
	if w.ln != nil {
		errs = append(errs, w.ln.Close())
	}
	w.wg.Wait()

	drained := make(chan struct{})
	go func() {
		w.tasks.Wait()
		close(drained)
	}()

	timer := time.NewTimer(w.grace)
	select {
	case <-drained:
	case <-timer.C:
		w.logger.Warn("grace period expired, abandoning in-flight tasks")
	case <-ctx.Done():
		w.logger.Warn("stop deadline reached, abandoning in-flight tasks")
	}
	timer.Stop()

	w.lk.Lock()
	sessions := make([]*Session, 0, len(w.sessions))
	for sess := range w.sessions {
		sessions = append(sessions, sess)
	}
	w.lk.Unlock()

	var g errgroup.Group
	for _, sess := range sessions {
		g.Go(sess.Close)
	}
	errs = append(errs, g.Wait())

	if w.downstream != nil {
		errs = append(errs, w.downstream.Close())
	}
	return errors.Join(errs...)
}
