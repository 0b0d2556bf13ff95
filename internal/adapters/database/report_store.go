package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"reportd/internal/domain"
)

type PostgresReportConfigStore struct {
	db *pgxpool.Pool
}

func NewPostgresReportConfigStore(db *pgxpool.Pool) *PostgresReportConfigStore {
	return &PostgresReportConfigStore{db: db}
}

func (s *PostgresReportConfigStore) GetReportConfig(ctx context.Context, id string) (*domain.ReportConfig, error) {
	var cfg domain.ReportConfig
	err := s.db.QueryRow(ctx,
		`SELECT id, name, data_query, columns FROM report_configs WHERE id = $1`, id).
		Scan(&cfg.ID, &cfg.Name, &cfg.Query, &cfg.Columns)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrReportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get report config: %w", err)
	}
	return &cfg, nil
}

// SQLDataSource pages through a report's query against the primary
// database. Queries are wrapped in a subselect so paging never depends on
// how the report author wrote them; they must carry their own ORDER BY to
// keep pages stable.
type SQLDataSource struct {
	db *pgxpool.Pool
}

func NewSQLDataSource(db *pgxpool.Pool) *SQLDataSource {
	return &SQLDataSource{db: db}
}

func (s *SQLDataSource) Count(ctx context.Context, query string) (int, error) {
	var count int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM (`+query+`) AS report_rows`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count report rows: %w", err)
	}
	return count, nil
}

func (s *SQLDataSource) Page(ctx context.Context, query string, offset, limit int) ([]domain.Row, error) {
	rows, err := s.db.Query(ctx,
		`SELECT * FROM (`+query+`) AS report_rows OFFSET $1 LIMIT $2`, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("page report rows: %w", err)
	}
	defer rows.Close()

	var page []domain.Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(domain.Row, len(values))
		for i, v := range values {
			row[i] = formatValue(v)
		}
		page = append(page, row)
	}
	return page, rows.Err()
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return fmt.Sprint(val)
	}
}

var (
	_ domain.ReportConfigStore = (*PostgresReportConfigStore)(nil)
	_ domain.DataSource        = (*SQLDataSource)(nil)
)
