package export

import (
	"encoding/csv"
	"encoding/json"
	"io"

	"reportd/internal/domain"
)

// Encoder renders report rows in one output format. Chunks are encoded
// with WriteRows only; the header is written once during the merge, so
// concatenating chunks in index order yields a well-formed file.
type Encoder interface {
	Ext() string
	WriteHeader(w io.Writer, columns []string) error
	WriteRows(w io.Writer, columns []string, rows []domain.Row) error
}

// ForFormat resolves a format name to its encoder. Unknown formats are a
// permanent failure; retrying cannot fix a bad request.
func ForFormat(format string) (Encoder, error) {
	switch format {
	case "", "csv":
		return csvEncoder{}, nil
	case "ndjson":
		return ndjsonEncoder{}, nil
	default:
		return nil, domain.Permanentf("unsupported export format %q", format)
	}
}

type csvEncoder struct{}

func (csvEncoder) Ext() string { return "csv" }

func (csvEncoder) WriteHeader(w io.Writer, columns []string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(columns); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

func (csvEncoder) WriteRows(w io.Writer, _ []string, rows []domain.Row) error {
	cw := csv.NewWriter(w)
	for _, row := range rows {
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

type ndjsonEncoder struct{}

func (ndjsonEncoder) Ext() string { return "ndjson" }

// NDJSON has no header; every line is a self-describing object.
func (ndjsonEncoder) WriteHeader(io.Writer, []string) error { return nil }

func (ndjsonEncoder) WriteRows(w io.Writer, columns []string, rows []domain.Row) error {
	enc := json.NewEncoder(w)
	for _, row := range rows {
		obj := make(map[string]string, len(columns))
		for i, col := range columns {
			if i < len(row) {
				obj[col] = row[i]
			}
		}
		if err := enc.Encode(obj); err != nil {
			return err
		}
	}
	return nil
}
