package reportstore

import (
	"compress/gzip"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seraph-dev/seraph/pkg/seraph"
)

func newTestStore() *Store {
	s := &Store{}
	s.gzipWriterPool.New = func() any { return gzip.NewWriter(io.Discard) }
	return s
}

func TestCompressDecompressRoundTrip(t *testing.T) {
	s := newTestStore()
	report := seraph.Report{
		ID:         "r1",
		AlertID:    "a1",
		DedupKey:   "dk1",
		Summary:    "disk full on host db-1",
		Confidence: 0.8,
		FinishedAt: time.Now().Truncate(time.Second),
	}

	blob, err := s.compress(report)
	require.NoError(t, err)
	require.NotEmpty(t, blob)

	got, err := decompress(blob)
	require.NoError(t, err)
	require.Equal(t, report.ID, got.ID)
	require.Equal(t, report.Summary, got.Summary)
	require.Equal(t, report.Confidence, got.Confidence)
}
