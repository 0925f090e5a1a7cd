// Package instruction models one unit of requested document work and
// parses raw spreadsheet rows into validated instructions.
package instruction

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// OpKind tags the instruction variant.
type OpKind string

const (
	OpMerge       OpKind = "merge"
	OpDeletePages OpKind = "delete_pages"
	OpSplit       OpKind = "split"
	OpReorder     OpKind = "reorder"
	OpRename      OpKind = "rename"
)

// ErrEmptyInstructionSet is returned when no valid instruction remains
// after processing every row.
var ErrEmptyInstructionSet = errors.New("no valid instructions found")

// DefaultExtension is enforced on every output name.
const DefaultExtension = ".pdf"

// Instruction is the closed union over the five operation variants.
// Page indices are 0-based internally and validated against the real
// page count at execution time, not at parse time.
type Instruction interface {
	Op() OpKind
	// Inputs lists the source file names the instruction reads.
	Inputs() []string
	// Describe returns a short human-readable summary.
	Describe() string
}

// Merge combines sources, in order, into a single output document.
type Merge struct {
	Sources []string
	Output  string
}

func (m Merge) Op() OpKind       { return OpMerge }
func (m Merge) Inputs() []string { return m.Sources }
func (m Merge) Describe() string {
	return fmt.Sprintf("merge %d files into %s", len(m.Sources), m.Output)
}

// DeletePages removes the given 0-based pages from Source.
type DeletePages struct {
	Source string
	Pages  []int
	Output string
}

func (d DeletePages) Op() OpKind       { return OpDeletePages }
func (d DeletePages) Inputs() []string { return []string{d.Source} }
func (d DeletePages) Describe() string {
	return fmt.Sprintf("delete %d pages from %s into %s", len(d.Pages), d.Source, d.Output)
}

// PageRange is an inclusive 0-based page span.
type PageRange struct {
	Start int
	End   int
}

// Split extracts each range of Source into the matching output name.
type Split struct {
	Source  string
	Ranges  []PageRange
	Outputs []string
}

func (s Split) Op() OpKind       { return OpSplit }
func (s Split) Inputs() []string { return []string{s.Source} }
func (s Split) Describe() string {
	return fmt.Sprintf("split %s into %d parts", s.Source, len(s.Ranges))
}

// Reorder rewrites Source with its pages in the given 0-based order.
type Reorder struct {
	Source string
	Order  []int
	Output string
}

func (r Reorder) Op() OpKind       { return OpReorder }
func (r Reorder) Inputs() []string { return []string{r.Source} }
func (r Reorder) Describe() string {
	return fmt.Sprintf("reorder %d pages of %s into %s", len(r.Order), r.Source, r.Output)
}

// Rename changes a file's name without touching its content.
type Rename struct {
	OldName string
	NewName string
}

func (r Rename) Op() OpKind       { return OpRename }
func (r Rename) Inputs() []string { return []string{r.OldName} }
func (r Rename) Describe() string {
	return fmt.Sprintf("rename %s to %s", r.OldName, r.NewName)
}

// unsafeNameChars are replaced with underscores in output names.
const unsafeNameChars = `/\:*?"<>|`

// NormalizeOutputName makes name filesystem safe and enforces ext.
func NormalizeOutputName(name, ext string) string {
	name = strings.TrimSpace(name)
	name = filepath.Base(name)

	var b strings.Builder
	for _, r := range name {
		if strings.ContainsRune(unsafeNameChars, r) || r < 32 {
			b.WriteRune('_')
		} else {
			b.WriteRune(r)
		}
	}
	name = b.String()

	if name == "" || name == "." || name == ".." {
		name = "output"
	}
	if !strings.EqualFold(filepath.Ext(name), ext) {
		name += ext
	}
	return name
}
