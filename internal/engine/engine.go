// Package engine executes single document transformations. The Engine
// interface is the seam between orchestration and the byte-level
// document work; PDFEngine is the pdfcpu-backed implementation.
package engine

import (
	"context"

	"github.com/docmill/docmill/internal/instruction"
)

// Engine transforms named input files according to one instruction and
// returns the produced files keyed by output name. Implementations fail
// deterministically: the same inputs yield the same error.
type Engine interface {
	Transform(ctx context.Context, instr instruction.Instruction, files map[string][]byte) (map[string][]byte, error)
	PageCount(data []byte) (int, error)
}
