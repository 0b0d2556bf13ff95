package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"

	"go.uber.org/zap"

	"reportd/internal/domain"
	"reportd/internal/retry"
)

// Request describes one export run.
type Request struct {
	JobID  string
	Config *domain.ReportConfig
	Format string
	// Attempt namespaces this run's temporary chunks, so a retried job
	// never merges leftovers from an earlier crashed attempt.
	Attempt int
	// Cancelled is polled at chunk boundaries. When it reports true the
	// pipeline cleans up and returns domain.ErrCancelled.
	Cancelled func(ctx context.Context) (bool, error)
	// Progress receives 0-100 as the run advances. Optional.
	Progress func(pct int)
}

// Pipeline produces an export artifact in bounded memory: it pages the
// data source into fixed-size chunks, stores each chunk, then streams the
// chunks in index order into one final artifact and deletes them. Data
// and storage substeps are individually retried.
type Pipeline struct {
	data      domain.DataSource
	sink      domain.ArtifactSink
	log       *zap.Logger
	chunkSize int
	dataRetry retry.Policy
	sinkRetry retry.Policy
}

func NewPipeline(data domain.DataSource, sink domain.ArtifactSink, log *zap.Logger, chunkSize int) *Pipeline {
	if chunkSize < 1 {
		chunkSize = 1
	}
	return &Pipeline{
		data:      data,
		sink:      sink,
		log:       log,
		chunkSize: chunkSize,
		dataRetry: retry.DatabasePolicy(),
		sinkRetry: retry.FilePolicy(),
	}
}

func (p *Pipeline) Run(ctx context.Context, req Request) (*domain.ArtifactRef, error) {
	enc, err := ForFormat(req.Format)
	if err != nil {
		return nil, err
	}
	log := p.log.With(zap.String("job_id", req.JobID), zap.String("report_id", req.Config.ID))

	dataExec := retry.New(p.dataRetry)
	sinkExec := retry.New(p.sinkRetry)

	total, _, err := retry.Do(ctx, dataExec, func(ctx context.Context) (int, error) {
		return p.data.Count(ctx, req.Config.Query)
	})
	if err != nil {
		return nil, fmt.Errorf("count rows: %w", err)
	}

	tmpPrefix := fmt.Sprintf("tmp/%s/attempt-%d/", req.JobID, req.Attempt)
	finalPath := fmt.Sprintf("exports/%s.%s", req.JobID, enc.Ext())

	if total == 0 {
		// Header-only artifact; an empty report is still a deliverable.
		var buf bytes.Buffer
		if err := enc.WriteHeader(&buf, req.Config.Columns); err != nil {
			return nil, fmt.Errorf("write header: %w", err)
		}
		info, _, err := retry.Do(ctx, sinkExec, func(ctx context.Context) (*domain.ObjectInfo, error) {
			return p.sink.Put(ctx, finalPath, bytes.NewReader(buf.Bytes()))
		})
		if err != nil {
			return nil, fmt.Errorf("store artifact: %w", err)
		}
		report(req, 100)
		return &domain.ArtifactRef{Path: info.Path, Size: info.Size, RowCount: 0}, nil
	}

	chunkCount := int(math.Ceil(float64(total) / float64(p.chunkSize)))
	log.Info("export started", zap.Int("rows", total), zap.Int("chunks", chunkCount))

	chunks := make([]domain.ExportChunk, 0, chunkCount)
	processed := 0
	for i := 0; i < chunkCount; i++ {
		if err := p.checkCancelled(ctx, req); err != nil {
			p.cleanup(ctx, tmpPrefix)
			return nil, err
		}

		offset := i * p.chunkSize
		rows, _, err := retry.Do(ctx, dataExec, func(ctx context.Context) ([]domain.Row, error) {
			return p.data.Page(ctx, req.Config.Query, offset, p.chunkSize)
		})
		if err != nil {
			p.cleanup(ctx, tmpPrefix)
			return nil, fmt.Errorf("fetch chunk %d: %w", i, err)
		}

		var buf bytes.Buffer
		if err := enc.WriteRows(&buf, req.Config.Columns, rows); err != nil {
			p.cleanup(ctx, tmpPrefix)
			return nil, fmt.Errorf("encode chunk %d: %w", i, err)
		}

		chunkPath := fmt.Sprintf("%schunk-%05d.%s", tmpPrefix, i, enc.Ext())
		if _, _, err := retry.Do(ctx, sinkExec, func(ctx context.Context) (*domain.ObjectInfo, error) {
			return p.sink.Put(ctx, chunkPath, bytes.NewReader(buf.Bytes()))
		}); err != nil {
			p.cleanup(ctx, tmpPrefix)
			return nil, fmt.Errorf("store chunk %d: %w", i, err)
		}

		chunks = append(chunks, domain.ExportChunk{
			Index:       i,
			RecordCount: len(rows),
			StoragePath: chunkPath,
		})
		processed += len(rows)
		report(req, progressPct(processed, total))
	}

	if err := p.checkCancelled(ctx, req); err != nil {
		p.cleanup(ctx, tmpPrefix)
		return nil, err
	}

	info, err := p.merge(ctx, enc, req.Config.Columns, finalPath, chunks)
	if err != nil {
		p.cleanup(ctx, tmpPrefix)
		return nil, err
	}
	p.cleanup(ctx, tmpPrefix)
	report(req, 100)

	log.Info("export finished", zap.String("path", info.Path), zap.Int64("size", info.Size))
	return &domain.ArtifactRef{Path: info.Path, Size: info.Size, RowCount: total}, nil
}

// merge streams the header and every chunk, in index order, into the
// final artifact without buffering the whole export.
func (p *Pipeline) merge(ctx context.Context, enc Encoder, columns []string, finalPath string, chunks []domain.ExportChunk) (*domain.ObjectInfo, error) {
	pr, pw := io.Pipe()
	go func() {
		var werr error
		defer func() { pw.CloseWithError(werr) }()
		if werr = enc.WriteHeader(pw, columns); werr != nil {
			return
		}
		for _, chunk := range chunks {
			rc, err := p.sink.GetStream(ctx, chunk.StoragePath)
			if err != nil {
				werr = fmt.Errorf("read chunk %d: %w", chunk.Index, err)
				return
			}
			_, err = io.Copy(pw, rc)
			rc.Close()
			if err != nil {
				werr = fmt.Errorf("copy chunk %d: %w", chunk.Index, err)
				return
			}
		}
	}()

	info, err := p.sink.Put(ctx, finalPath, pr)
	if err != nil {
		pr.CloseWithError(err)
		return nil, fmt.Errorf("store artifact: %w", err)
	}
	return info, nil
}

func (p *Pipeline) checkCancelled(ctx context.Context, req Request) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if req.Cancelled == nil {
		return nil
	}
	cancelled, err := req.Cancelled(ctx)
	if err != nil {
		// The status probe failing is not a cancellation; keep going and
		// let the next boundary retry it.
		p.log.Warn("cancellation probe failed", zap.String("job_id", req.JobID), zap.Error(err))
		return nil
	}
	if cancelled {
		return domain.ErrCancelled
	}
	return nil
}

// cleanup removes this attempt's temporary chunks, best-effort. Leftovers
// only cost storage; a later attempt uses a fresh namespace.
func (p *Pipeline) cleanup(ctx context.Context, prefix string) {
	paths, err := p.sink.List(ctx, prefix)
	if err != nil {
		p.log.Warn("list chunks for cleanup", zap.String("prefix", prefix), zap.Error(err))
		return
	}
	for _, path := range paths {
		if err := p.sink.Delete(ctx, path); err != nil {
			p.log.Warn("delete chunk", zap.String("path", path), zap.Error(err))
		}
	}
}

func report(req Request, pct int) {
	if req.Progress != nil {
		req.Progress(pct)
	}
}

func progressPct(processed, total int) int {
	pct := int(math.Round(float64(processed) / float64(total) * 100))
	if pct > 100 {
		pct = 100
	}
	return pct
}
