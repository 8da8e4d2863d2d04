package extractor

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"formulary/internal/classify"
	"formulary/internal/domain"
)

const defaultFontSize = 10.0

// fragment is a positioned run of text as reported by the PDF reader.
type fragment struct {
	X, W     float64
	FontSize float64
	S        string
}

// textRow is one visual line of a page.
type textRow struct {
	Y     float64
	Frags []fragment
}

type cell struct {
	X    float64
	Text string
}

// tableState carries the last seen table header across pages so that
// continuation pages without a header still flatten correctly.
type tableState struct {
	header []cell
}

var numericCellRe = regexp.MustCompile(`^[\s$#%.,\d-]+$`)

// layout turns visual rows into page lines. Runs of two or more multi-cell
// rows are treated as tables and flattened to "Header: value" lines.
func layout(rows []textRow, st *tableState) []domain.Line {
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Y > rows[j].Y })

	cellRows := make([][]cell, 0, len(rows))
	for _, r := range rows {
		if cs := cells(r.Frags); len(cs) > 0 {
			cellRows = append(cellRows, cs)
		}
	}

	var lines []domain.Line
	for i := 0; i < len(cellRows); {
		if len(cellRows[i]) < 2 {
			lines = append(lines, domain.Line{Text: cellRows[i][0].Text})
			i++
			continue
		}
		j := i
		for j < len(cellRows) && len(cellRows[j]) >= 2 {
			j++
		}
		lines = append(lines, tableLines(cellRows[i:j], st)...)
		i = j
	}
	return lines
}

func tableLines(block [][]cell, st *tableState) []domain.Line {
	var header []cell
	data := block
	switch {
	case looksLikeHeader(block[0]) && len(block) >= 2:
		header, data = block[0], block[1:]
		st.header = header
	case !looksLikeHeader(block[0]) && st.header != nil:
		header = st.header
	case len(block) >= 2:
		header, data = block[0], block[1:]
		st.header = header
	default:
		// a lone multi-cell row with no known header reads as prose
		return []domain.Line{{Text: joinCells(block[0])}}
	}

	lines := make([]domain.Line, 0, len(data))
	for _, row := range data {
		if text := flatten(header, row); text != "" {
			lines = append(lines, domain.Line{Text: text, TableRow: true})
		}
	}
	return lines
}

// flatten renders a data row against its header. Each cell goes to the
// right-most header column starting at or before it.
func flatten(header, row []cell) string {
	values := make([]string, len(header))
	for _, c := range row {
		col := 0
		for k, h := range header {
			if h.X <= c.X+2*defaultFontSize {
				col = k
			}
		}
		if values[col] != "" {
			values[col] += " "
		}
		values[col] += c.Text
	}
	parts := make([]string, 0, len(values))
	for k, v := range values {
		if strings.TrimSpace(v) == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", header[k].Text, v))
	}
	return strings.Join(parts, "; ")
}

func looksLikeHeader(row []cell) bool {
	for _, c := range row {
		if numericCellRe.MatchString(c.Text) {
			return false
		}
	}
	return !classify.MentionsDrug(joinCells(row))
}

func joinCells(row []cell) string {
	parts := make([]string, len(row))
	for i, c := range row {
		parts[i] = c.Text
	}
	return strings.Join(parts, " ")
}

// cells merges fragments of one row into cells split on wide x gaps.
func cells(frags []fragment) []cell {
	if len(frags) == 0 {
		return nil
	}
	sorted := make([]fragment, len(frags))
	copy(sorted, frags)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].X < sorted[j].X })

	var out []cell
	var cur strings.Builder
	curX, prevEnd := 0.0, 0.0
	for i, f := range sorted {
		size := f.FontSize
		if size <= 0 {
			size = defaultFontSize
		}
		gap := f.X - prevEnd
		switch {
		case i == 0:
			curX = f.X
		case gap > 2*size:
			if t := strings.TrimSpace(cur.String()); t != "" {
				out = append(out, cell{X: curX, Text: t})
			}
			cur.Reset()
			curX = f.X
		case gap > 0.15*size && !strings.HasSuffix(cur.String(), " ") && !strings.HasPrefix(f.S, " "):
			cur.WriteByte(' ')
		}
		cur.WriteString(f.S)
		w := f.W
		if w <= 0 {
			w = float64(utf8.RuneCountInString(f.S)) * size * 0.5
		}
		prevEnd = f.X + w
	}
	if t := strings.TrimSpace(cur.String()); t != "" {
		out = append(out, cell{X: curX, Text: t})
	}
	return out
}
