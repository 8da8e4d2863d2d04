package extractor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formulary/internal/domain"
)

func row(y float64, cellsAt ...any) textRow {
	r := textRow{Y: y}
	for i := 0; i+1 < len(cellsAt); i += 2 {
		r.Frags = append(r.Frags, fragment{X: cellsAt[i].(float64), FontSize: 10, S: cellsAt[i+1].(string)})
	}
	return r
}

func TestCellsSplitOnWideGaps(t *testing.T) {
	cs := cells([]fragment{
		{X: 300, FontSize: 10, S: "1"},
		{X: 72, FontSize: 10, S: "Albuterol"},
		{X: 120, FontSize: 10, S: "HFA"},
	})
	require.Len(t, cs, 2)
	assert.Equal(t, "Albuterol HFA", cs[0].Text)
	assert.Equal(t, 72.0, cs[0].X)
	assert.Equal(t, "1", cs[1].Text)
}

func TestCellsJoinsTightFragmentsWithoutSpace(t *testing.T) {
	cs := cells([]fragment{
		{X: 72, W: 6, FontSize: 10, S: "Q"},
		{X: 78, W: 6, FontSize: 10, S: "V"},
		{X: 84, W: 6, FontSize: 10, S: "AR"},
	})
	require.Len(t, cs, 1)
	assert.Equal(t, "QVAR", cs[0].Text)
}

func TestLayoutFlattensTables(t *testing.T) {
	rows := []textRow{
		row(600, 72.0, "Drug Name", 300.0, "Tier", 400.0, "Requirements/Limits"),
		row(700, 72.0, "Short-Acting Beta Agonists"),
		row(580, 72.0, "Albuterol Sulfate HFA", 300.0, "1"),
		row(560, 72.0, "Ventolin HFA", 300.0, "2", 400.0, "PA"),
		row(540, 72.0, "Xopenex HFA", 400.0, "PA; ST"),
		row(500, 72.0, "Page 1 of 10"),
	}
	lines := layout(rows, &tableState{})

	assert.Equal(t, []domain.Line{
		{Text: "Short-Acting Beta Agonists"},
		{Text: "Drug Name: Albuterol Sulfate HFA; Tier: 1", TableRow: true},
		{Text: "Drug Name: Ventolin HFA; Tier: 2; Requirements/Limits: PA", TableRow: true},
		{Text: "Drug Name: Xopenex HFA; Requirements/Limits: PA; ST", TableRow: true},
		{Text: "Page 1 of 10"},
	}, lines)
}

func TestLayoutReusesHeaderOnContinuationPage(t *testing.T) {
	st := &tableState{}
	layout([]textRow{
		row(600, 72.0, "Drug Name", 300.0, "Tier"),
		row(580, 72.0, "Spiriva HandiHaler", 300.0, "3"),
	}, st)

	lines := layout([]textRow{
		row(700, 72.0, "Incruse Ellipta", 300.0, "3"),
		row(680, 72.0, "Tudorza Pressair", 300.0, "4"),
	}, st)
	assert.Equal(t, []domain.Line{
		{Text: "Drug Name: Incruse Ellipta; Tier: 3", TableRow: true},
		{Text: "Drug Name: Tudorza Pressair; Tier: 4", TableRow: true},
	}, lines)
}

func TestLayoutLoneMultiCellRowIsProse(t *testing.T) {
	lines := layout([]textRow{row(700, 72.0, "Formulary", 400.0, "Effective 2025")}, &tableState{})
	assert.Equal(t, []domain.Line{{Text: "Formulary Effective 2025"}}, lines)
}

func TestFlattenCellsPastLastColumn(t *testing.T) {
	header := []cell{{X: 72, Text: "Drug"}}
	got := flatten(header, []cell{{X: 72, Text: "QVAR"}, {X: 500, Text: "note"}})
	// a cell right of the last header column still lands in that column
	assert.Equal(t, "Drug: QVAR note", got)
}
