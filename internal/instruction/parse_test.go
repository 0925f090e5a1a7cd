package instruction

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestParsePageList(t *testing.T) {
	tests := []struct {
		spec        string
		wantPages   []int
		wantDropped int
	}{
		{"1,3,5-7", []int{0, 2, 4, 5, 6}, 0},
		{"1", []int{0}, 0},
		{"2-4", []int{1, 2, 3}, 0},
		{"3,1,1", []int{0, 2}, 0},
		{"0,2", []int{1}, 1},       // pages are 1-based in input
		{"abc,2", []int{1}, 1},     // non-numeric dropped
		{"5-3,2", []int{1}, 1},     // start>end dropped
		{"", nil, 0},
		{"x,y,z", nil, 3},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			pages, dropped := ParsePageList(tt.spec)
			assert.Equal(t, tt.wantPages, pages)
			assert.Len(t, dropped, tt.wantDropped)
		})
	}
}

func TestParseRows_AllVariants(t *testing.T) {
	rows := []Row{
		{Operation: "merge", Source: "a.pdf;b.pdf;c.pdf", Output: "combined"},
		{Operation: "delete", Source: "d.pdf", Pages: "1,3", Output: "trimmed.pdf"},
		{Operation: "split", Source: "e.pdf", Pages: "1-2;3-4", Output: "front.pdf;back.pdf"},
		{Operation: "reorder", Source: "f.pdf", Pages: "3,1,2", Output: "shuffled.pdf"},
		{Operation: "rename", Source: "old.pdf", Output: "new.pdf"},
	}

	instrs, warnings, err := ParseRows(testLogger(), rows)
	require.NoError(t, err)
	require.Len(t, instrs, 5)
	assert.Empty(t, warnings)

	merge, ok := instrs[0].(Merge)
	require.True(t, ok)
	assert.Equal(t, []string{"a.pdf", "b.pdf", "c.pdf"}, merge.Sources)
	assert.Equal(t, "combined.pdf", merge.Output, "extension enforced")

	del, ok := instrs[1].(DeletePages)
	require.True(t, ok)
	assert.Equal(t, []int{0, 2}, del.Pages, "1-based input converted to 0-based")

	split, ok := instrs[2].(Split)
	require.True(t, ok)
	assert.Equal(t, []PageRange{{0, 1}, {2, 3}}, split.Ranges)
	assert.Equal(t, []string{"front.pdf", "back.pdf"}, split.Outputs)

	reorder, ok := instrs[3].(Reorder)
	require.True(t, ok)
	assert.Equal(t, []int{2, 0, 1}, reorder.Order)

	rename, ok := instrs[4].(Rename)
	require.True(t, ok)
	assert.Equal(t, "old.pdf", rename.OldName)
	assert.Equal(t, "new.pdf", rename.NewName)
}

func TestParseRows_SkipsIncompleteRowsSilently(t *testing.T) {
	rows := []Row{
		{Operation: "merge", Source: "a.pdf;b.pdf", Output: "out.pdf"},
		{}, // trailing blank row
		{Operation: "merge", Source: "only-one.pdf", Output: "out.pdf"}, // merge needs >=2 sources
		{Operation: "delete", Source: "d.pdf", Output: "out.pdf"},       // missing pages
		{Operation: "rename", Source: "x.pdf"},                          // missing new name
	}

	instrs, warnings, err := ParseRows(testLogger(), rows)
	require.NoError(t, err)
	assert.Len(t, instrs, 1)
	assert.Empty(t, warnings, "incomplete rows are skipped without warnings")
}

func TestParseRows_ZeroValidPagesWarns(t *testing.T) {
	rows := []Row{
		{Operation: "merge", Source: "a.pdf;b.pdf", Output: "out.pdf"},
		{Operation: "delete", Source: "d.pdf", Pages: "abc,0", Output: "out2.pdf"},
	}

	instrs, warnings, err := ParseRows(testLogger(), rows)
	require.NoError(t, err)
	assert.Len(t, instrs, 1)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "row 2")
}

func TestParseRows_UnknownOperationWarns(t *testing.T) {
	rows := []Row{
		{Operation: "merge", Source: "a.pdf;b.pdf", Output: "out.pdf"},
		{Operation: "rotate", Source: "a.pdf", Pages: "1", Output: "out.pdf"},
	}

	instrs, warnings, err := ParseRows(testLogger(), rows)
	require.NoError(t, err)
	assert.Len(t, instrs, 1)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "rotate")
}

func TestParseRows_EmptyInstructionSet(t *testing.T) {
	rows := []Row{
		{},
		{Operation: "delete", Source: "d.pdf", Pages: "nope", Output: "out.pdf"},
	}

	_, warnings, err := ParseRows(testLogger(), rows)
	require.ErrorIs(t, err, ErrEmptyInstructionSet)
	assert.NotEmpty(t, warnings)
}

func TestParseRows_SplitRangeOutputMismatch(t *testing.T) {
	rows := []Row{
		{Operation: "merge", Source: "a.pdf;b.pdf", Output: "out.pdf"},
		{Operation: "split", Source: "e.pdf", Pages: "1-2;3-4", Output: "only-one.pdf"},
	}

	instrs, warnings, err := ParseRows(testLogger(), rows)
	require.NoError(t, err)
	assert.Len(t, instrs, 1)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "output names")
}

func TestNormalizeOutputName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"report", "report.pdf"},
		{"report.pdf", "report.pdf"},
		{"report.PDF", "report.PDF"},
		{"  spaced  ", "spaced.pdf"},
		{`bad:name?.pdf`, "bad_name_.pdf"},
		{"../../etc/passwd", "passwd.pdf"},
		{"", "output.pdf"},
		{"..", "output.pdf"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeOutputName(tt.in, DefaultExtension), "input %q", tt.in)
	}
}
