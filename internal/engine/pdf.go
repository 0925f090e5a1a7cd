package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/sirupsen/logrus"

	"github.com/docmill/docmill/internal/faults"
	"github.com/docmill/docmill/internal/instruction"
)

// PDFEngine implements Engine with pdfcpu. Transformations run over a
// per-call temp directory because the pdfcpu file API is the stable
// surface for page-level operations.
type PDFEngine struct {
	logger *logrus.Logger
	conf   *model.Configuration
}

// NewPDFEngine creates a PDF engine with strict validation so malformed
// documents fail fast instead of producing damaged output.
func NewPDFEngine(logger *logrus.Logger) *PDFEngine {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationStrict

	return &PDFEngine{logger: logger, conf: conf}
}

// PageCount returns the number of pages in a PDF document.
func (e *PDFEngine) PageCount(data []byte) (int, error) {
	dir, err := os.MkdirTemp("", "docmill_pagecount_*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer e.cleanup(dir)

	path := filepath.Join(dir, "in.pdf")
	if err := os.WriteFile(path, data, 0600); err != nil {
		return 0, fmt.Errorf("failed to write temp file: %w", err)
	}

	count, err := api.PageCountFile(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", faults.ErrCorruptedFile, err)
	}
	return count, nil
}

// Transform dispatches on the instruction variant. Page indices are
// validated here against the real page count, since the document is not
// loaded during parsing.
func (e *PDFEngine) Transform(ctx context.Context, instr instruction.Instruction, files map[string][]byte) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Rename never touches document bytes.
	if rename, ok := instr.(instruction.Rename); ok {
		data, ok := files[rename.OldName]
		if !ok {
			return nil, fmt.Errorf("%w: %s", faults.ErrFileNotFound, rename.OldName)
		}
		return map[string][]byte{rename.NewName: data}, nil
	}

	dir, err := os.MkdirTemp("", "docmill_transform_*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer e.cleanup(dir)

	inputs, err := e.stageInputs(dir, instr, files)
	if err != nil {
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"operation": instr.Op(),
		"inputs":    len(inputs),
	}).Debug("Running document transformation")

	switch v := instr.(type) {
	case instruction.Merge:
		return e.merge(dir, v, inputs)
	case instruction.DeletePages:
		return e.deletePages(dir, v, inputs)
	case instruction.Split:
		return e.split(dir, v, inputs)
	case instruction.Reorder:
		return e.reorder(dir, v, inputs)
	default:
		return nil, fmt.Errorf("unsupported instruction %T", instr)
	}
}

// stageInputs writes every input the instruction reads into the work
// directory and returns name -> staged path.
func (e *PDFEngine) stageInputs(dir string, instr instruction.Instruction, files map[string][]byte) (map[string]string, error) {
	for _, name := range instr.Inputs() {
		if _, ok := files[name]; !ok {
			return nil, fmt.Errorf("%w: %s", faults.ErrFileNotFound, name)
		}
	}

	staged := make(map[string]string)
	for i, name := range instr.Inputs() {
		data := files[name]

		path := filepath.Join(dir, fmt.Sprintf("in_%d.pdf", i))
		if err := os.WriteFile(path, data, 0600); err != nil {
			return nil, fmt.Errorf("failed to stage %s: %w", name, err)
		}
		if err := api.ValidateFile(path, e.conf); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", faults.ErrCorruptedFile, name, err)
		}
		staged[name] = path
	}
	return staged, nil
}

func (e *PDFEngine) merge(dir string, m instruction.Merge, inputs map[string]string) (map[string][]byte, error) {
	paths := make([]string, len(m.Sources))
	for i, name := range m.Sources {
		paths[i] = inputs[name]
	}

	out := filepath.Join(dir, "out.pdf")
	if err := api.MergeCreateFile(paths, out, false, e.conf); err != nil {
		return nil, fmt.Errorf("merge failed: %w", err)
	}
	return e.collectOutputs(map[string]string{m.Output: out})
}

func (e *PDFEngine) deletePages(dir string, d instruction.DeletePages, inputs map[string]string) (map[string][]byte, error) {
	in := inputs[d.Source]
	count, err := api.PageCountFile(in)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", faults.ErrCorruptedFile, d.Source, err)
	}

	if err := validatePages(d.Pages, count, d.Source); err != nil {
		return nil, err
	}
	if len(d.Pages) >= count {
		return nil, fmt.Errorf("cannot delete all %d pages of %s", count, d.Source)
	}

	selection := make([]string, len(d.Pages))
	for i, page := range d.Pages {
		selection[i] = strconv.Itoa(page + 1)
	}

	out := filepath.Join(dir, "out.pdf")
	if err := api.RemovePagesFile(in, out, selection, e.conf); err != nil {
		return nil, fmt.Errorf("delete pages failed: %w", err)
	}
	return e.collectOutputs(map[string]string{d.Output: out})
}

func (e *PDFEngine) split(dir string, s instruction.Split, inputs map[string]string) (map[string][]byte, error) {
	in := inputs[s.Source]
	count, err := api.PageCountFile(in)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", faults.ErrCorruptedFile, s.Source, err)
	}

	outputs := make(map[string]string, len(s.Ranges))
	for i, r := range s.Ranges {
		if r.Start < 0 || r.End >= count || r.Start > r.End {
			return nil, fmt.Errorf("%w: range %d-%d of %s (%d pages)", faults.ErrPageOutOfRange, r.Start+1, r.End+1, s.Source, count)
		}

		out := filepath.Join(dir, fmt.Sprintf("out_%d.pdf", i))
		selection := []string{fmt.Sprintf("%d-%d", r.Start+1, r.End+1)}
		if err := api.TrimFile(in, out, selection, e.conf); err != nil {
			return nil, fmt.Errorf("split range %d-%d failed: %w", r.Start+1, r.End+1, err)
		}
		outputs[s.Outputs[i]] = out
	}
	return e.collectOutputs(outputs)
}

func (e *PDFEngine) reorder(dir string, r instruction.Reorder, inputs map[string]string) (map[string][]byte, error) {
	in := inputs[r.Source]
	count, err := api.PageCountFile(in)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", faults.ErrCorruptedFile, r.Source, err)
	}

	if err := validatePages(r.Order, count, r.Source); err != nil {
		return nil, err
	}

	selection := make([]string, len(r.Order))
	for i, page := range r.Order {
		selection[i] = strconv.Itoa(page + 1)
	}

	out := filepath.Join(dir, "out.pdf")
	if err := api.CollectFile(in, out, selection, e.conf); err != nil {
		return nil, fmt.Errorf("reorder failed: %w", err)
	}
	return e.collectOutputs(map[string]string{r.Output: out})
}

func validatePages(pages []int, count int, source string) error {
	for _, page := range pages {
		if page < 0 || page >= count {
			return fmt.Errorf("%w: page %d of %s (%d pages)", faults.ErrPageOutOfRange, page+1, source, count)
		}
	}
	return nil
}

func (e *PDFEngine) collectOutputs(outputs map[string]string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(outputs))
	for name, path := range outputs {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read output %s: %w", name, err)
		}
		result[name] = data
	}
	return result, nil
}

func (e *PDFEngine) cleanup(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		e.logger.WithError(err).Warn("Failed to clean up temp directory")
	}
}
