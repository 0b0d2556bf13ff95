package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"reportd/internal/domain"
)

// memSink is an in-memory ArtifactSink.
type memSink struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemSink() *memSink {
	return &memSink{objects: make(map[string][]byte)}
}

func (s *memSink) Put(ctx context.Context, path string, r io.Reader) (*domain.ObjectInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.objects[path] = data
	s.mu.Unlock()
	return &domain.ObjectInfo{Path: path, Size: int64(len(data))}, nil
}

func (s *memSink) GetStream(ctx context.Context, path string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[path]
	if !ok {
		return nil, fmt.Errorf("object %s not found", path)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memSink) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, path)
	return nil
}

func (s *memSink) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var paths []string
	for path := range s.objects {
		if strings.HasPrefix(path, prefix) {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *memSink) Stat(ctx context.Context, path string) (*domain.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[path]
	if !ok {
		return nil, fmt.Errorf("object %s not found", path)
	}
	return &domain.ObjectInfo{Path: path, Size: int64(len(data))}, nil
}

func (s *memSink) get(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[path]
	return data, ok
}

func (s *memSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// fakeData serves generated rows in stable order.
type fakeData struct {
	rows      []domain.Row
	pageCalls int
}

func makeRows(n int) []domain.Row {
	rows := make([]domain.Row, n)
	for i := range rows {
		rows[i] = domain.Row{fmt.Sprintf("%d", i), fmt.Sprintf("name-%d", i)}
	}
	return rows
}

func (d *fakeData) Count(ctx context.Context, query string) (int, error) {
	return len(d.rows), nil
}

func (d *fakeData) Page(ctx context.Context, query string, offset, limit int) ([]domain.Row, error) {
	d.pageCalls++
	if offset >= len(d.rows) {
		return nil, nil
	}
	end := offset + limit
	if end > len(d.rows) {
		end = len(d.rows)
	}
	return d.rows[offset:end], nil
}

var testConfig = &domain.ReportConfig{
	ID:      "monthly-usage",
	Name:    "Monthly usage",
	Query:   "SELECT id, name FROM usage ORDER BY id",
	Columns: []string{"id", "name"},
}

func TestPipelineChunksAndMerges(t *testing.T) {
	data := &fakeData{rows: makeRows(2500)}
	sink := newMemSink()
	p := NewPipeline(data, sink, zap.NewNop(), 1000)

	var progress []int
	artifact, err := p.Run(context.Background(), Request{
		JobID:    "job-1",
		Config:   testConfig,
		Format:   "csv",
		Attempt:  1,
		Progress: func(pct int) { progress = append(progress, pct) },
	})
	require.NoError(t, err)

	assert.Equal(t, "exports/job-1.csv", artifact.Path)
	assert.Equal(t, 2500, artifact.RowCount)
	assert.Equal(t, 3, data.pageCalls, "2500 rows at chunk size 1000 is 3 chunks")

	// Chunks are deleted after the merge; only the artifact remains.
	assert.Equal(t, 1, sink.count())

	raw, ok := sink.get(artifact.Path)
	require.True(t, ok)
	records, err := csv.NewReader(bytes.NewReader(raw)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2501, "header plus every row")
	assert.Equal(t, []string{"id", "name"}, records[0])
	assert.Equal(t, []string{"0", "name-0"}, records[1])
	assert.Equal(t, []string{"2499", "name-2499"}, records[2500])
	// Rows appear in source order across chunk boundaries.
	assert.Equal(t, []string{"999", "name-999"}, records[1000])
	assert.Equal(t, []string{"1000", "name-1000"}, records[1001])

	// Progress tracks processed rows over total, so the last chunk lands
	// on 100; the post-merge report repeats it.
	assert.Equal(t, []int{40, 80, 100, 100}, progress)
}

func TestPipelineEmptyDataset(t *testing.T) {
	data := &fakeData{}
	sink := newMemSink()
	p := NewPipeline(data, sink, zap.NewNop(), 1000)

	artifact, err := p.Run(context.Background(), Request{
		JobID:  "job-empty",
		Config: testConfig,
		Format: "csv",
	})
	require.NoError(t, err)
	assert.Zero(t, artifact.RowCount)

	raw, ok := sink.get(artifact.Path)
	require.True(t, ok)
	assert.Equal(t, "id,name\n", string(raw), "empty report is still a header-only artifact")
}

func TestPipelineCancellationCleansUp(t *testing.T) {
	data := &fakeData{rows: makeRows(2500)}
	sink := newMemSink()
	p := NewPipeline(data, sink, zap.NewNop(), 1000)

	probes := 0
	_, err := p.Run(context.Background(), Request{
		JobID:   "job-cancel",
		Config:  testConfig,
		Format:  "csv",
		Attempt: 1,
		Cancelled: func(ctx context.Context) (bool, error) {
			probes++
			// Cancel after the first chunk has been stored.
			return probes > 1, nil
		},
	})
	require.ErrorIs(t, err, domain.ErrCancelled)
	assert.Zero(t, sink.count(), "cancellation leaves no partial artifacts")
}

func TestPipelineProbeFailureDoesNotCancel(t *testing.T) {
	data := &fakeData{rows: makeRows(10)}
	sink := newMemSink()
	p := NewPipeline(data, sink, zap.NewNop(), 5)

	artifact, err := p.Run(context.Background(), Request{
		JobID:  "job-2",
		Config: testConfig,
		Format: "csv",
		Cancelled: func(ctx context.Context) (bool, error) {
			return false, errors.New("status probe down")
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 10, artifact.RowCount)
}

func TestPipelineChunkSizeFloor(t *testing.T) {
	data := &fakeData{rows: makeRows(3)}
	sink := newMemSink()
	p := NewPipeline(data, sink, zap.NewNop(), 0)

	artifact, err := p.Run(context.Background(), Request{
		JobID:  "job-3",
		Config: testConfig,
		Format: "csv",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, artifact.RowCount)
	assert.Equal(t, 3, data.pageCalls, "chunk size is floored at one row")
}

func TestPipelineNDJSON(t *testing.T) {
	data := &fakeData{rows: makeRows(2)}
	sink := newMemSink()
	p := NewPipeline(data, sink, zap.NewNop(), 10)

	artifact, err := p.Run(context.Background(), Request{
		JobID:  "job-4",
		Config: testConfig,
		Format: "ndjson",
	})
	require.NoError(t, err)
	assert.Equal(t, "exports/job-4.ndjson", artifact.Path)

	raw, ok := sink.get(artifact.Path)
	require.True(t, ok)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"id":"0","name":"name-0"}`, lines[0])
	assert.JSONEq(t, `{"id":"1","name":"name-1"}`, lines[1])
}

func TestPipelineUnknownFormatIsPermanent(t *testing.T) {
	p := NewPipeline(&fakeData{}, newMemSink(), zap.NewNop(), 10)

	_, err := p.Run(context.Background(), Request{
		JobID:  "job-5",
		Config: testConfig,
		Format: "xlsx",
	})
	require.Error(t, err)
	assert.True(t, domain.IsPermanent(err), "unknown format is not retryable")
}
