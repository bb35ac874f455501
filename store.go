package sparse

import (
	"encoding/binary"
	"sort"
	"strings"
	"sync"
	"time"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/raskyld/sparse/pkg/stats"
)

// Store keeps the statistics records collected by a monitor, indexed by
// node and time.
//
// Readers work on an immutable snapshot and never block writers.
type Store struct {
	lk    sync.Mutex
	tree  *iradix.Tree
	seq   uint64
	nodes map[string]int
}

// Summary aggregates the records of one node.
type Summary struct {
	NodeID      string
	Records     int
	Failures    int
	Bytes       uint64
	MeanLatency time.Duration
	MaxLatency  time.Duration
	First       time.Time
	Last        time.Time
}

// Throughput is the number of records per second over the observed window.
func (s Summary) Throughput() float64 {
	window := s.Last.Sub(s.First)
	if s.Records == 0 || window <= 0 {
		return 0
	}
	return float64(s.Records) / window.Seconds()
}

func NewStore() *Store {
	return &Store{
		tree:  iradix.New(),
		nodes: make(map[string]int),
	}
}

// Append stores rec. Records of the same node are kept in timestamp order,
// ties in arrival order.
func (s *Store) Append(rec stats.Record) {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.seq++
	s.tree, _, _ = s.tree.Insert(recordKey(rec.NodeID, rec.Timestamp, s.seq), rec)
	s.nodes[rec.NodeID]++
}

func (s *Store) snapshot() *iradix.Tree {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.tree
}

// Len is the total number of records.
func (s *Store) Len() int {
	return s.snapshot().Len()
}

// Nodes lists the nodes which reported at least a record, sorted.
func (s *Store) Nodes() []string {
	s.lk.Lock()
	nodes := make([]string, 0, len(s.nodes))
	for node := range s.nodes {
		nodes = append(nodes, node)
	}
	s.lk.Unlock()
	sort.Strings(nodes)
	return nodes
}

// Records of node, oldest first.
func (s *Store) Records(node string) []stats.Record {
	var recs []stats.Record
	s.snapshot().Root().WalkPrefix(nodePrefix(node), func(_ []byte, v interface{}) bool {
		recs = append(recs, v.(stats.Record))
		return false
	})
	return recs
}

// Range returns the records of node whose timestamp is in [from, to).
func (s *Store) Range(node string, from, to time.Time) []stats.Record {
	it := s.snapshot().Root().Iterator()
	it.SeekLowerBound(recordKey(node, from, 0))
	upper := recordKey(node, to, 0)

	var recs []stats.Record
	for key, v, ok := it.Next(); ok; key, v, ok = it.Next() {
		if string(key) >= string(upper) {
			break
		}
		recs = append(recs, v.(stats.Record))
	}
	return recs
}

// Summary aggregates every record of node.
func (s *Store) Summary(node string) Summary {
	sum := Summary{NodeID: node}
	var total time.Duration
	for _, rec := range s.Records(node) {
		sum.Records++
		if rec.Failed {
			sum.Failures++
		}
		sum.Bytes += rec.PayloadSize
		total += rec.Latency
		if rec.Latency > sum.MaxLatency {
			sum.MaxLatency = rec.Latency
		}
		if sum.First.IsZero() || rec.Timestamp.Before(sum.First) {
			sum.First = rec.Timestamp
		}
		if rec.Timestamp.After(sum.Last) {
			sum.Last = rec.Timestamp
		}
	}
	if sum.Records > 0 {
		sum.MeanLatency = total / time.Duration(sum.Records)
	}
	return sum
}

func nodePrefix(node string) []byte {
	return append([]byte(node), 0)
}

// recordKey is node, a NUL separator, then the big endian timestamp and
// sequence so keys of a node sort by time.
func recordKey(node string, ts time.Time, seq uint64) []byte {
	key := nodePrefix(node)
	var nanos uint64
	if !ts.IsZero() && ts.UnixNano() > 0 {
		nanos = uint64(ts.UnixNano())
	}
	key = binary.BigEndian.AppendUint64(key, nanos)
	return binary.BigEndian.AppendUint64(key, seq)
}

func validNodeID(id string) bool {
	return id != "" && !strings.ContainsRune(id, 0)
}
