package reports

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type summary struct {
	BatchID   string `json:"batch_id"`
	Processed int    `json:"processed"`
}

func TestFileSinkRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	sink, err := NewFileSink(dir)
	require.NoError(t, err)

	loc, err := WriteJSON(ctx, sink, BatchKey("download_SSE_2024"), summary{BatchID: "download_SSE_2024", Processed: 3})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "batches", "download_SSE_2024.json"), loc)

	var got summary
	require.NoError(t, ReadJSON(ctx, sink, BatchKey("download_SSE_2024"), &got))
	assert.Equal(t, 3, got.Processed)

	err = ReadJSON(ctx, sink, GapKey("sse"), &got)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "gaps/SSE/latest.json", GapKey("sse"))
	assert.Equal(t, "gaps/SSE/run-1.json", GapRunKey("SSE", "run-1"))
	assert.Equal(t, "batches/repair_a_b.json", BatchKey("repair/a b"))
}

func TestObjectSinkRequiresBucket(t *testing.T) {
	_, err := NewObjectSink(ObjectConfig{Endpoint: "localhost:9000"})
	assert.Error(t, err)

	sink, err := NewObjectSink(ObjectConfig{Endpoint: "localhost:9000", Bucket: "reports", Prefix: "/ingest/"})
	require.NoError(t, err)
	assert.Equal(t, "ingest/gaps/SSE/latest.json", sink.object(GapKey("SSE")))
}
