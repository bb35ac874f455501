package sparse

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/sparse/pkg/stats"
	"github.com/raskyld/sparse/pkg/wire"
	"golang.org/x/sync/errgroup"
)

// RecordWriter receives every record collected by a monitor, e.g. to
// persist them.
type RecordWriter interface {
	WriteRecord(rec stats.Record) error
	Flush() error
}

// Monitor collects the statistics records reported by pipeline nodes.
// It is passive: it never answers nor pushes back on reporting nodes.
type Monitor struct {
	tr      *Transport
	ln      *Listener
	store   *Store
	writers []RecordWriter
	logger  *slog.Logger
	msink   metrics.MetricSink
	labels  []metrics.Label

	writeLk  sync.Mutex
	lk       sync.Mutex
	sessions map[*Session]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newMonitor(tr *Transport, writers []RecordWriter) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		tr:       tr,
		store:    NewStore(),
		writers:  writers,
		logger:   tr.logger.With("component", "monitor"),
		msink:    tr.msink,
		labels:   tr.cfg.MetricLabels,
		sessions: make(map[*Session]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Store holds every record collected so far.
func (m *Monitor) Store() *Store {
	return m.store
}

func (m *Monitor) Start() error {
	ln, err := m.tr.Listen()
	if err != nil {
		return err
	}
	m.ln = ln

	m.wg.Add(1)
	go m.acceptLoop()
	return nil
}

func (m *Monitor) acceptLoop() {
	defer m.wg.Done()
	for {
		sess, err := m.ln.Accept(m.ctx)
		if err != nil {
			return
		}

		m.lk.Lock()
		m.sessions[sess] = struct{}{}
		m.lk.Unlock()
		sess.Serve(m.handle, m.forget)
	}
}

func (m *Monitor) forget(sess *Session, _ error) {
	m.lk.Lock()
	delete(m.sessions, sess)
	m.lk.Unlock()
}

func (m *Monitor) handle(sess *Session, msg wire.Message) {
	st, ok := msg.(*wire.Stats)
	if !ok {
		sess.Logger().Warn("monitor only accepts statistics", "kind", msg.Kind().String())
		return
	}

	rec, err := stats.Unmarshal(st.Payload)
	if err == nil && !validNodeID(rec.NodeID) {
		err = stats.ErrInvalidRecord
	}
	if err != nil {
		sess.Logger().Debug("invalid statistics record", LabelError.L(err))
		m.msink.IncrCounterWithLabels(MetricMonitorInvalidRecords, 1.0, withLabels(m.labels, LabelPeerName.M(string(sess.Peer()))))
		return
	}
	if rec.CorrelationID == 0 {
		rec.CorrelationID = st.CorrelationID
	}

	m.store.Append(rec)
	labels := recordLabels(m.labels, rec)
	m.msink.IncrCounterWithLabels(MetricMonitorRecordCount, 1.0, labels)
	m.msink.AddSampleWithLabels(MetricMonitorRecordLatency, float32(rec.Latency.Milliseconds()), labels)

	if len(m.writers) > 0 {
		m.writeLk.Lock()
		for _, w := range m.writers {
			if err := w.WriteRecord(rec); err != nil {
				m.logger.Warn("could not write statistics record", LabelError.L(err))
			}
		}
		m.writeLk.Unlock()
	}
}

// Stop stops accepting reporters, closes their sessions and flushes the
// record writers.
func (m *Monitor) Stop(ctx context.Context) error {
	m.cancel()
	var errs []error
	if m.ln != nil {
		errs = append(errs, m.ln.Close())
	}
	m.wg.Wait()

	m.lk.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.lk.Unlock()

	var g errgroup.Group
	for _, sess := range sessions {
		g.Go(sess.Close)
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		errs = append(errs, err)
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	m.writeLk.Lock()
	for _, w := range m.writers {
		errs = append(errs, w.Flush())
	}
	m.writeLk.Unlock()
	return errors.Join(errs...)
}

var csvHeader = []string{
	"timestamp", "node_id", "role", "operation", "correlation_id",
	"latency_ns", "payload_size", "failed",
}

// CSVWriter writes records as CSV rows, with a header row first.
type CSVWriter struct {
	w          *csv.Writer
	headerDone bool
}

func NewCSVWriter(w io.Writer) *CSVWriter {
	return &CSVWriter{w: csv.NewWriter(w)}
}

func (c *CSVWriter) WriteRecord(rec stats.Record) error {
	if !c.headerDone {
		if err := c.w.Write(csvHeader); err != nil {
			return err
		}
		c.headerDone = true
	}
	return c.w.Write([]string{
		rec.Timestamp.Format(time.RFC3339Nano),
		rec.NodeID,
		rec.Role,
		rec.Operation,
		strconv.FormatUint(rec.CorrelationID, 10),
		strconv.FormatInt(int64(rec.Latency), 10),
		strconv.FormatUint(rec.PayloadSize, 10),
		strconv.FormatBool(rec.Failed),
	})
}

func (c *CSVWriter) Flush() error {
	c.w.Flush()
	return c.w.Error()
}
