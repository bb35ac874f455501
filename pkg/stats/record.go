// Package stats defines the statistics records pipeline nodes report to a
// monitor, and their encoding.
//
// Records are encoded with the protobuf wire format so a monitor can skip
// fields it does not know about.
package stats

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

var ErrInvalidRecord = errors.New("stats: invalid record")

const (
	OpDeploy  = "deploy"
	OpExecute = "execute"
)

const (
	fieldNodeID        protowire.Number = 1
	fieldRole          protowire.Number = 2
	fieldCorrelationID protowire.Number = 3
	fieldOperation     protowire.Number = 4
	fieldLatency       protowire.Number = 5
	fieldPayloadSize   protowire.Number = 6
	fieldTimestamp     protowire.Number = 7
	fieldFailed        protowire.Number = 8
)

// Record is a single latency/throughput observation made by a node.
type Record struct {
	NodeID        string
	Role          string
	CorrelationID uint64
	Operation     string
	Latency       time.Duration
	PayloadSize   uint64
	Timestamp     time.Time
	Failed        bool
}

func (r Record) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("node_id", r.NodeID),
		slog.String("operation", r.Operation),
		slog.Uint64("correlation_id", r.CorrelationID),
		slog.Duration("latency", r.Latency),
		slog.Uint64("payload_size", r.PayloadSize),
		slog.Bool("failed", r.Failed),
	)
}

// Marshal appends the encoded record to b.
func (r Record) Marshal(b []byte) []byte {
	b = appendString(b, fieldNodeID, r.NodeID)
	b = appendString(b, fieldRole, r.Role)
	b = appendVarint(b, fieldCorrelationID, r.CorrelationID)
	b = appendString(b, fieldOperation, r.Operation)
	b = appendVarint(b, fieldLatency, protowire.EncodeZigZag(int64(r.Latency)))
	b = appendVarint(b, fieldPayloadSize, r.PayloadSize)
	if !r.Timestamp.IsZero() {
		b = appendVarint(b, fieldTimestamp, protowire.EncodeZigZag(r.Timestamp.UnixNano()))
	}
	if r.Failed {
		b = appendVarint(b, fieldFailed, 1)
	}
	return b
}

// Unmarshal decodes a record, skipping unknown fields.
func Unmarshal(b []byte) (Record, error) {
	var r Record
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return r, fmt.Errorf("%w: %w", ErrInvalidRecord, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.BytesType && (num == fieldNodeID || num == fieldRole || num == fieldOperation):
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return r, fmt.Errorf("%w: field %d: %w", ErrInvalidRecord, num, protowire.ParseError(n))
			}
			switch num {
			case fieldNodeID:
				r.NodeID = v
			case fieldRole:
				r.Role = v
			case fieldOperation:
				r.Operation = v
			}
			b = b[n:]
		case typ == protowire.VarintType && num >= fieldCorrelationID && num <= fieldFailed:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return r, fmt.Errorf("%w: field %d: %w", ErrInvalidRecord, num, protowire.ParseError(n))
			}
			switch num {
			case fieldCorrelationID:
				r.CorrelationID = v
			case fieldLatency:
				r.Latency = time.Duration(protowire.DecodeZigZag(v))
			case fieldPayloadSize:
				r.PayloadSize = v
			case fieldTimestamp:
				r.Timestamp = time.Unix(0, protowire.DecodeZigZag(v)).UTC()
			case fieldFailed:
				r.Failed = v != 0
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return r, fmt.Errorf("%w: field %d: %w", ErrInvalidRecord, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if r.NodeID == "" {
		return r, fmt.Errorf("%w: missing node id", ErrInvalidRecord)
	}
	return r, nil
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}
