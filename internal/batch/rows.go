package batch

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrCSVRead reports an input file that is missing or cannot be parsed.
var ErrCSVRead = errors.New("read csv")

// Row is one non-blank data record.
type Row struct {
	// Index is the 1-based position among non-blank data rows.
	Index int
	Text  string
}

// ReadRows loads every data row of the CSV at path. The first record is the
// header and is always dropped. Records whose first field is blank are
// skipped and take no index.
func ReadRows(path string) ([]Row, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCSVRead, err)
	}
	defer file.Close()

	return parseRows(file, path)
}

func parseRows(r io.Reader, name string) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCSVRead, name, err)
	}
	if len(records) <= 1 {
		return nil, nil
	}

	rows := make([]Row, 0, len(records)-1)
	for _, record := range records[1:] {
		if len(record) == 0 {
			continue
		}
		text := strings.TrimSpace(record[0])
		if text == "" {
			continue
		}
		rows = append(rows, Row{Index: len(rows) + 1, Text: text})
	}
	return rows, nil
}
