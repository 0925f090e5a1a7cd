package instruction

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Expected header columns, matched case-insensitively. Extra columns are
// ignored so users can keep notes in the sheet.
var headerAliases = map[string]string{
	"operation": "operation",
	"op":        "operation",
	"source":    "source",
	"sources":   "source",
	"file":      "source",
	"files":     "source",
	"pages":     "pages",
	"page":      "pages",
	"output":    "output",
	"outputs":   "output",
	"new name":  "output",
	"newname":   "output",
}

// ReadSheet loads instruction rows from the first worksheet of an xlsx
// file. The first row is treated as a header when it names at least an
// operation column; otherwise columns are taken positionally as
// operation, source, pages, output.
func ReadSheet(path string) ([]Row, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open spreadsheet %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("spreadsheet %s has no worksheets", path)
	}

	cells, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read worksheet %s: %w", sheets[0], err)
	}
	if len(cells) == 0 {
		return nil, nil
	}

	columns, hasHeader := detectHeader(cells[0])
	start := 0
	if hasHeader {
		start = 1
	}

	var rows []Row
	for _, record := range cells[start:] {
		rows = append(rows, Row{
			Operation: cellAt(record, columns["operation"]),
			Source:    cellAt(record, columns["source"]),
			Pages:     cellAt(record, columns["pages"]),
			Output:    cellAt(record, columns["output"]),
		})
	}
	return rows, nil
}

// detectHeader maps logical column names to indices. Falls back to the
// positional layout when the first row does not look like a header.
func detectHeader(header []string) (map[string]int, bool) {
	positional := map[string]int{"operation": 0, "source": 1, "pages": 2, "output": 3}

	mapped := make(map[string]int)
	for i, cell := range header {
		name := strings.ToLower(strings.TrimSpace(cell))
		if logical, ok := headerAliases[name]; ok {
			if _, taken := mapped[logical]; !taken {
				mapped[logical] = i
			}
		}
	}

	if _, ok := mapped["operation"]; !ok {
		return positional, false
	}
	for _, logical := range []string{"source", "pages", "output"} {
		if _, ok := mapped[logical]; !ok {
			mapped[logical] = -1
		}
	}
	return mapped, true
}

func cellAt(record []string, idx int) string {
	if idx < 0 || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}
