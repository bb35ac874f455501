package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestRecordRoundTrip(t *testing.T) {
	in := Record{
		NodeID:        "worker-a",
		Role:          "worker",
		CorrelationID: 17,
		Operation:     OpExecute,
		Latency:       42 * time.Millisecond,
		PayloadSize:   4096,
		Timestamp:     time.Unix(1700000000, 1234).UTC(),
		Failed:        true,
	}

	out, err := Unmarshal(in.Marshal(nil))
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestRecordSkipsUnknownFields(t *testing.T) {
	buf := Record{NodeID: "source"}.Marshal(nil)
	buf = protowire.AppendTag(buf, 99, protowire.BytesType)
	buf = protowire.AppendBytes(buf, []byte("from the future"))
	buf = protowire.AppendTag(buf, 100, protowire.Fixed64Type)
	buf = protowire.AppendFixed64(buf, 7)

	out, err := Unmarshal(buf)
	require.NoError(t, err)
	require.Equal(t, "source", out.NodeID)
	require.True(t, out.Timestamp.IsZero())
}

func TestRecordRejectsGarbage(t *testing.T) {
	_, err := Unmarshal([]byte{0xFF, 0xFF, 0xFF})
	require.ErrorIs(t, err, ErrInvalidRecord)

	_, err = Unmarshal(Record{Operation: OpDeploy}.Marshal(nil))
	require.ErrorIs(t, err, ErrInvalidRecord, "a record without node id cannot be keyed")
}
