package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAggregatorCountsAndFlushes(t *testing.T) {
	var buf bytes.Buffer
	agg := NewAggregator(slog.New(slog.NewJSONHandler(&buf, nil)), 60)

	agg.Record(CompPoller, "capture_timeout", slog.String("session", "a"))
	agg.Record(CompPoller, "capture_timeout", slog.String("session", "b"))
	agg.Record(CompPoller, "cycle")
	require.Equal(t, int64(2), agg.Pending(CompPoller, "capture_timeout"))

	agg.Flush()
	require.Zero(t, agg.Pending(CompPoller, "capture_timeout"))

	var summaries []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(line, &rec))
		summaries = append(summaries, rec)
	}
	require.Len(t, summaries, 2)

	for _, rec := range summaries {
		require.Equal(t, "event_summary", rec["msg"])
		if rec["event"] == "capture_timeout" {
			require.EqualValues(t, 2, rec["count"])
			require.Equal(t, "b", rec["session"])
		}
	}
}

func TestAggregatorNilLoggerDrops(t *testing.T) {
	agg := NewAggregator(nil, 1)
	agg.Record(CompStatus, "noop")
	agg.Flush()
	require.Zero(t, agg.Pending(CompStatus, "noop"))
}

func TestAggregatorStopFlushes(t *testing.T) {
	var buf bytes.Buffer
	agg := NewAggregator(slog.New(slog.NewJSONHandler(&buf, nil)), 60)
	agg.Start()
	agg.Record(CompWeb, "broadcast")
	agg.Stop()
	require.Contains(t, buf.String(), `"event":"broadcast"`)
}
