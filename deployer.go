package sparse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/sparse/pkg/stats"
	"github.com/raskyld/sparse/pkg/wire"
	"golang.org/x/sync/semaphore"
)

// Result of a task deployed on a downstream node.
type Result struct {
	// CorrelationID of the request we sent.
	CorrelationID uint64
	// ResponseID is the correlation id carried by the response.
	ResponseID  uint64
	Sequence    uint64
	Payload     []byte
	CompletedAt time.Time
	Latency     time.Duration
	// Failed is set when the downstream reported an executor failure, the
	// payload is then its error message.
	Failed bool
}

type outcome struct {
	res *wire.Response
	err error
}

type pendingTask struct {
	sess *Session
	// buffered, written once by whoever removed the task from the table.
	done chan outcome
}

type deployerConfig struct {
	target      string
	nodeID      string
	role        Role
	maxInFlight int
	retry       RetryConfig
	dialTimeout time.Duration
	taskTimeout time.Duration
}

// Deployer sends tasks to a downstream node and waits for their results.
//
// It owns a single outbound session, reconnected with an exponential
// backoff when lost. Tasks pending on a lost session fail with
// `ErrTaskAborted`. Once the retry budget is exhausted, the deployer is
// unusable and every call fails with `ErrUpstreamUnavailable`.
type Deployer struct {
	tr            *Transport
	cfg           deployerConfig
	logger        *slog.Logger
	msink         metrics.MetricSink
	labels        []metrics.Label
	emitter       *Emitter
	onUnavailable func(error)

	slots    *semaphore.Weighted
	inFlight atomic.Int64
	nextID   atomic.Uint64
	seq      atomic.Uint64

	lk      sync.Mutex
	sess    *Session
	ready   chan struct{}
	pending map[uint64]*pendingTask
	fatal   error
	closed  bool
	started bool

	ctx             context.Context
	cancel          context.CancelFunc
	wg              sync.WaitGroup
	unavailableOnce sync.Once
}

func newDeployer(tr *Transport, cfg deployerConfig, emitter *Emitter, onUnavailable func(error)) *Deployer {
	if cfg.maxInFlight <= 0 {
		cfg.maxInFlight = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Deployer{
		tr:            tr,
		cfg:           cfg,
		logger:        tr.logger.With(LabelPeerAddr.L(cfg.target), "component", "deployer"),
		msink:         tr.msink,
		labels:        withLabels(tr.cfg.MetricLabels, LabelPeerAddr.M(cfg.target)),
		emitter:       emitter,
		onUnavailable: onUnavailable,
		slots:         semaphore.NewWeighted(int64(cfg.maxInFlight)),
		ready:         make(chan struct{}),
		pending:       make(map[uint64]*pendingTask),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start connects to the downstream in the background. Tasks deployed in
// the meantime wait for the session.
func (d *Deployer) Start() {
	d.lk.Lock()
	defer d.lk.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	d.wg.Add(1)
	go d.connect()
}

// InFlight is the number of tasks waiting for their response.
func (d *Deployer) InFlight() int {
	d.lk.Lock()
	defer d.lk.Unlock()
	return len(d.pending)
}

// Deploy sends payload downstream and returns the result payload.
func (d *Deployer) Deploy(ctx context.Context, payload []byte) ([]byte, error) {
	res, err := d.DeployTask(ctx, payload)
	if err != nil {
		return nil, err
	}
	return res.Payload, nil
}

// DeployTask sends payload downstream and waits for its response.
//
// It blocks while the maximum number of in-flight tasks is reached. When
// the downstream executor failed, both a `Result` and an error wrapping
// `ErrExecutorFailure` are returned.
func (d *Deployer) DeployTask(ctx context.Context, payload []byte) (*Result, error) {
	ctx, cancel := d.taskContext(ctx)
	defer cancel()

	if err := d.slots.Acquire(ctx, 1); err != nil {
		return nil, taskError(ctx, err)
	}
	defer d.slots.Release(1)

	sess, err := d.session(ctx)
	if err != nil {
		return nil, taskError(ctx, err)
	}

	start := time.Now()
	id := d.nextID.Add(1)
	req := &wire.Request{
		CorrelationID: id,
		Sequence:      d.seq.Add(1),
		CreatedAt:     start,
		Payload:       payload,
	}
	pt := &pendingTask{sess: sess, done: make(chan outcome, 1)}

	d.lk.Lock()
	d.pending[id] = pt
	d.lk.Unlock()
	d.msink.SetGaugeWithLabels(MetricDeployInFlight, float32(d.inFlight.Add(1)), d.labels)
	defer func() {
		d.msink.SetGaugeWithLabels(MetricDeployInFlight, float32(d.inFlight.Add(-1)), d.labels)
	}()

	var o outcome
	if err := sess.Send(ctx, req); err != nil {
		if d.take(sess, id) != nil {
			o.err = taskError(ctx, err)
			if errors.Is(err, ErrConnectionLost) {
				o.err = taskAborted(err)
			}
		} else {
			o = <-pt.done
		}
	} else {
		o = d.wait(ctx, sess, id, pt)
	}

	return d.finish(req, start, o)
}

// taskContext bounds the whole task, waiting for a slot and a session
// included, by the per-task timeout.
func (d *Deployer) taskContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.cfg.taskTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeoutCause(ctx, d.cfg.taskTimeout,
		fmt.Errorf("%w: after %s", ErrTaskTimeout, d.cfg.taskTimeout))
}

// taskError reports the task timeout rather than a bare deadline error
// when it is what stopped the task.
func taskError(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	if cause := context.Cause(ctx); errors.Is(cause, ErrTaskTimeout) {
		return cause
	}
	return ctx.Err()
}

func (d *Deployer) wait(ctx context.Context, sess *Session, id uint64, pt *pendingTask) outcome {
	select {
	case o := <-pt.done:
		return o
	case <-ctx.Done():
		if d.take(sess, id) != nil {
			return outcome{err: taskError(ctx, ctx.Err())}
		}
	}

	// lost the race, the task was resolved concurrently.
	return <-pt.done
}

func (d *Deployer) finish(req *wire.Request, start time.Time, o outcome) (*Result, error) {
	latency := time.Since(start)
	labels := d.labels
	var res *Result
	err := o.err
	if o.res != nil {
		res = &Result{
			CorrelationID: req.CorrelationID,
			ResponseID:    o.res.CorrelationID,
			Sequence:      req.Sequence,
			Payload:       o.res.Payload,
			CompletedAt:   o.res.CompletedAt,
			Latency:       latency,
			Failed:        o.res.Failed,
		}
		if o.res.Failed {
			err = executorFailure(o.res.Payload)
		}
	}

	if err != nil {
		d.msink.IncrCounterWithLabels(MetricDeployErrorCount, 1.0, append(labels, LabelError.M(errorLabel(err))))
		d.logger.Debug("task failed",
			LabelCorrelationID.L(req.CorrelationID),
			LabelDuration.L(latency),
			LabelError.L(err),
		)
	} else {
		d.msink.AddSampleWithLabels(MetricDeployLatency, float32(latency.Milliseconds()), labels)
	}

	d.emitter.Emit(stats.Record{
		NodeID:        d.cfg.nodeID,
		Role:          string(d.cfg.role),
		CorrelationID: req.CorrelationID,
		Operation:     stats.OpDeploy,
		Latency:       latency,
		PayloadSize:   uint64(len(req.Payload)),
		Timestamp:     start,
		Failed:        err != nil,
	})
	return res, err
}

// session returns the current session, waiting for one to be established.
func (d *Deployer) session(ctx context.Context) (*Session, error) {
	for {
		d.lk.Lock()
		switch {
		case d.fatal != nil:
			err := d.fatal
			d.lk.Unlock()
			return nil, err
		case d.closed:
			d.lk.Unlock()
			return nil, ErrShutdown
		case d.sess != nil:
			sess := d.sess
			d.lk.Unlock()
			return sess, nil
		}
		ready := d.ready
		d.lk.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ready:
		}
	}
}

// take removes the task from the table. Whoever gets a non-nil task owns
// its resolution.
func (d *Deployer) take(sess *Session, id uint64) *pendingTask {
	d.lk.Lock()
	defer d.lk.Unlock()
	pt, ok := d.pending[id]
	if !ok || pt.sess != sess {
		return nil
	}
	delete(d.pending, id)
	return pt
}

// signal wakes up every caller waiting for a session. Must hold lk.
func (d *Deployer) signal() {
	close(d.ready)
	d.ready = make(chan struct{})
}

func (d *Deployer) handle(sess *Session, msg wire.Message) {
	res, ok := msg.(*wire.Response)
	if !ok {
		sess.Logger().Warn("unexpected message from downstream", "kind", msg.Kind().String())
		return
	}

	pt := d.take(sess, res.CorrelationID)
	if pt == nil {
		sess.Logger().Debug("dropping response of a task no longer pending",
			LabelCorrelationID.L(res.CorrelationID),
		)
		return
	}
	pt.done <- outcome{res: res}
}

func (d *Deployer) onClose(sess *Session, err error) {
	d.lk.Lock()
	var aborted []*pendingTask
	for id, pt := range d.pending {
		if pt.sess == sess {
			delete(d.pending, id)
			aborted = append(aborted, pt)
		}
	}
	reconnect := false
	if d.sess == sess {
		d.sess = nil
		d.signal()
		if !d.closed {
			reconnect = true
			d.wg.Add(1)
		}
	}
	d.lk.Unlock()

	if len(aborted) > 0 {
		d.logger.Warn("downstream session lost, aborting pending tasks",
			"tasks", len(aborted),
			LabelError.L(err),
		)
	}
	for _, pt := range aborted {
		pt.done <- outcome{err: taskAborted(err)}
	}

	if reconnect {
		go d.connect()
	}
}

func (d *Deployer) connect() {
	defer d.wg.Done()

	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if attempt > d.cfg.retry.MaxRetries {
				d.giveUp(attempt, lastErr)
				return
			}

			delay := d.cfg.retry.Backoff(attempt)
			d.msink.IncrCounterWithLabels(MetricDeployRetryCount, 1.0, d.labels)
			d.logger.Info("retrying to connect downstream",
				LabelAttempt.L(attempt),
				LabelDuration.L(delay),
				LabelError.L(lastErr),
			)

			timer := time.NewTimer(delay)
			select {
			case <-d.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		ctx, cancel := context.WithTimeout(d.ctx, d.cfg.dialTimeout)
		sess, err := d.tr.Dial(ctx, d.cfg.target)
		cancel()
		if err != nil {
			if d.ctx.Err() != nil || errors.Is(err, ErrShutdown) {
				return
			}
			lastErr = err
			continue
		}

		d.lk.Lock()
		if d.closed {
			d.lk.Unlock()
			_ = sess.Close()
			return
		}
		d.sess = sess
		d.signal()
		d.lk.Unlock()

		d.logger.Info("connected to downstream", LabelPeerName.L(sess.Peer()))
		sess.Serve(d.handle, d.onClose)
		return
	}
}

func (d *Deployer) giveUp(attempts int, cause error) {
	d.unavailableOnce.Do(func() {
		err := fmt.Errorf("%w: %s unreachable after %d attempts: %w",
			ErrUpstreamUnavailable, d.cfg.target, attempts, cause)

		d.lk.Lock()
		d.fatal = err
		d.signal()
		d.lk.Unlock()

		d.logger.Error("giving up on downstream", LabelError.L(err))
		d.msink.IncrCounterWithLabels(MetricDeployUnavailable, 1.0, d.labels)
		if d.onUnavailable != nil {
			d.onUnavailable(err)
		}
	})
}

// Close gracefully closes the downstream session. Tasks still pending
// fail with `ErrTaskAborted`.
func (d *Deployer) Close() error {
	d.lk.Lock()
	if d.closed {
		d.lk.Unlock()
		return nil
	}
	d.closed = true
	sess := d.sess
	d.signal()
	d.lk.Unlock()

	d.cancel()
	var err error
	if sess != nil {
		err = sess.Close()
	}
	d.wg.Wait()
	return err
}

func errorLabel(err error) string {
	switch {
	case errors.Is(err, ErrExecutorFailure):
		return "executor"
	case errors.Is(err, ErrTaskTimeout):
		return "timeout"
	case errors.Is(err, ErrTaskAborted), errors.Is(err, ErrConnectionLost):
		return "aborted"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "internal"
	}
}
