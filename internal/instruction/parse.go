package instruction

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Row is one raw spreadsheet row. Multi-valued cells (merge sources,
// split ranges and outputs) are separated with ';' or ','.
type Row struct {
	Operation string
	Source    string
	Pages     string
	Output    string
}

// ParseRows converts raw rows into instructions. Rows missing required
// fields are skipped silently (spreadsheets commonly carry trailing blank
// rows); rows whose page list filters down to nothing are skipped with a
// surfaced warning. Page numbers are 1-based in the input and 0-based in
// the result. The parse as a whole fails only when zero valid
// instructions remain.
func ParseRows(logger *logrus.Logger, rows []Row) ([]Instruction, []string, error) {
	var instructions []Instruction
	var warnings []string

	for i, row := range rows {
		rowNum := i + 1
		op := strings.ToLower(strings.TrimSpace(row.Operation))
		if op == "" {
			continue
		}

		instr, warning := parseRow(logger, rowNum, op, row)
		if warning != "" {
			warnings = append(warnings, warning)
		}
		if instr != nil {
			instructions = append(instructions, instr)
		}
	}

	if len(instructions) == 0 {
		return nil, warnings, ErrEmptyInstructionSet
	}

	logger.WithFields(logrus.Fields{
		"rows":         len(rows),
		"instructions": len(instructions),
		"warnings":     len(warnings),
	}).Debug("Parsed instruction rows")

	return instructions, warnings, nil
}

func parseRow(logger *logrus.Logger, rowNum int, op string, row Row) (Instruction, string) {
	source := strings.TrimSpace(row.Source)
	output := strings.TrimSpace(row.Output)

	switch op {
	case "merge":
		sources := splitList(source)
		if len(sources) < 2 || output == "" {
			return nil, ""
		}
		return Merge{
			Sources: sources,
			Output:  NormalizeOutputName(output, DefaultExtension),
		}, ""

	case "delete", "delete_pages", "deletepages":
		if source == "" || output == "" || strings.TrimSpace(row.Pages) == "" {
			return nil, ""
		}
		pages, dropped := ParsePageList(row.Pages)
		for _, token := range dropped {
			logger.WithFields(logrus.Fields{"row": rowNum, "token": token}).Warn("Dropping invalid page token")
		}
		if len(pages) == 0 {
			return nil, fmt.Sprintf("row %d: no valid pages after filtering, row skipped", rowNum)
		}
		return DeletePages{
			Source: source,
			Pages:  pages,
			Output: NormalizeOutputName(output, DefaultExtension),
		}, ""

	case "split":
		if source == "" || output == "" || strings.TrimSpace(row.Pages) == "" {
			return nil, ""
		}
		ranges, dropped := parsePageRanges(row.Pages)
		for _, token := range dropped {
			logger.WithFields(logrus.Fields{"row": rowNum, "token": token}).Warn("Dropping invalid page range")
		}
		if len(ranges) == 0 {
			return nil, fmt.Sprintf("row %d: no valid page ranges after filtering, row skipped", rowNum)
		}
		outputs := splitList(output)
		if len(outputs) != len(ranges) {
			return nil, fmt.Sprintf("row %d: %d page ranges but %d output names, row skipped", rowNum, len(ranges), len(outputs))
		}
		for j, name := range outputs {
			outputs[j] = NormalizeOutputName(name, DefaultExtension)
		}
		return Split{Source: source, Ranges: ranges, Outputs: outputs}, ""

	case "reorder":
		if source == "" || output == "" || strings.TrimSpace(row.Pages) == "" {
			return nil, ""
		}
		order, dropped := parsePageOrder(row.Pages)
		for _, token := range dropped {
			logger.WithFields(logrus.Fields{"row": rowNum, "token": token}).Warn("Dropping invalid page token")
		}
		if len(order) == 0 {
			return nil, fmt.Sprintf("row %d: no valid pages after filtering, row skipped", rowNum)
		}
		return Reorder{
			Source: source,
			Order:  order,
			Output: NormalizeOutputName(output, DefaultExtension),
		}, ""

	case "rename":
		if source == "" || output == "" {
			return nil, ""
		}
		return Rename{
			OldName: source,
			NewName: NormalizeOutputName(output, DefaultExtension),
		}, ""

	default:
		return nil, fmt.Sprintf("row %d: unknown operation %q, row skipped", rowNum, op)
	}
}

// ParsePageList parses "1,3,5-7" into sorted, deduplicated 0-based page
// indices. Invalid tokens (non-numeric, start>end, <1) are returned in
// dropped rather than failing the parse.
func ParsePageList(spec string) (pages []int, dropped []string) {
	seen := make(map[int]bool)

	for _, token := range splitList(spec) {
		lo, hi, ok := parseToken(token)
		if !ok {
			dropped = append(dropped, token)
			continue
		}
		for p := lo; p <= hi; p++ {
			if !seen[p-1] {
				seen[p-1] = true
				pages = append(pages, p-1)
			}
		}
	}

	sort.Ints(pages)
	return pages, dropped
}

// parsePageOrder parses "3,1,2" into a 0-based order, preserving order
// and duplicates (a page may legitimately appear twice in a reorder).
func parsePageOrder(spec string) (order []int, dropped []string) {
	for _, token := range splitList(spec) {
		lo, hi, ok := parseToken(token)
		if !ok {
			dropped = append(dropped, token)
			continue
		}
		for p := lo; p <= hi; p++ {
			order = append(order, p-1)
		}
	}
	return order, dropped
}

// parsePageRanges parses "1-3;4-6" into 0-based inclusive ranges.
func parsePageRanges(spec string) (ranges []PageRange, dropped []string) {
	for _, token := range splitList(spec) {
		lo, hi, ok := parseToken(token)
		if !ok {
			dropped = append(dropped, token)
			continue
		}
		ranges = append(ranges, PageRange{Start: lo - 1, End: hi - 1})
	}
	return ranges, dropped
}

// parseToken parses a single "5" or "5-7" token into a 1-based inclusive
// range.
func parseToken(token string) (lo, hi int, ok bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return 0, 0, false
	}

	if loStr, hiStr, found := strings.Cut(token, "-"); found {
		start, err1 := strconv.Atoi(strings.TrimSpace(loStr))
		end, err2 := strconv.Atoi(strings.TrimSpace(hiStr))
		if err1 != nil || err2 != nil || start < 1 || start > end {
			return 0, 0, false
		}
		return start, end, true
	}

	page, err := strconv.Atoi(token)
	if err != nil || page < 1 {
		return 0, 0, false
	}
	return page, page, true
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ';' || r == ',' }) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
