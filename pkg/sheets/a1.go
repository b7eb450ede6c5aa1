package sheets

import (
	"fmt"
	"strconv"
	"strings"
)

// ColumnLetter converts a 1-based column number to its A1 letters:
// 1 -> A, 26 -> Z, 27 -> AA.
func ColumnLetter(col int) string {
	if col < 1 {
		return ""
	}
	var b []byte
	for col > 0 {
		col--
		b = append([]byte{byte('A' + col%26)}, b...)
		col /= 26
	}
	return string(b)
}

// ColumnNumber converts A1 column letters to a 1-based column number. It
// returns 0 for invalid input.
func ColumnNumber(letters string) int {
	letters = strings.ToUpper(strings.TrimSpace(letters))
	if letters == "" {
		return 0
	}
	n := 0
	for _, r := range letters {
		if r < 'A' || r > 'Z' {
			return 0
		}
		n = n*26 + int(r-'A'+1)
	}
	return n
}

// QuoteSheet returns the sheet name in the form used as an A1 prefix.
func QuoteSheet(sheet string) string {
	return "'" + strings.ReplaceAll(sheet, "'", "''") + "'"
}

// A1Range builds a single-column range such as C3:C5, or C3 when the run
// covers one row. A non-empty sheet name prefixes the range.
func A1Range(sheet string, col, startRow, endRow int) string {
	letter := ColumnLetter(col)
	rng := fmt.Sprintf("%s%d", letter, startRow)
	if endRow > startRow {
		rng = fmt.Sprintf("%s%d:%s%d", letter, startRow, letter, endRow)
	}
	if sheet != "" {
		return QuoteSheet(sheet) + "!" + rng
	}
	return rng
}

// CellRef is a parsed A1 range.
type CellRef struct {
	Sheet    string
	StartCol int
	StartRow int
	EndCol   int
	EndRow   int
}

// ParseA1 parses ranges of the form C3, C3:C5 and 'Sheet'!C3:D9.
func ParseA1(rng string) (CellRef, error) {
	var ref CellRef
	if i := strings.LastIndex(rng, "!"); i >= 0 {
		sheet := rng[:i]
		if len(sheet) >= 2 && sheet[0] == '\'' && sheet[len(sheet)-1] == '\'' {
			sheet = strings.ReplaceAll(sheet[1:len(sheet)-1], "''", "'")
		}
		ref.Sheet = sheet
		rng = rng[i+1:]
	}

	start, end, found := strings.Cut(rng, ":")
	var err error
	ref.StartCol, ref.StartRow, err = parseCell(start)
	if err != nil {
		return CellRef{}, err
	}
	if !found {
		ref.EndCol, ref.EndRow = ref.StartCol, ref.StartRow
		return ref, nil
	}
	ref.EndCol, ref.EndRow, err = parseCell(end)
	if err != nil {
		return CellRef{}, err
	}
	if ref.EndCol < ref.StartCol || ref.EndRow < ref.StartRow {
		return CellRef{}, fmt.Errorf("invalid A1 range %q: end before start", rng)
	}
	return ref, nil
}

func parseCell(cell string) (col, row int, err error) {
	cell = strings.TrimSpace(cell)
	i := 0
	for i < len(cell) && ((cell[i] >= 'A' && cell[i] <= 'Z') || (cell[i] >= 'a' && cell[i] <= 'z')) {
		i++
	}
	col = ColumnNumber(cell[:i])
	row, convErr := strconv.Atoi(cell[i:])
	if col == 0 || convErr != nil || row < 1 {
		return 0, 0, fmt.Errorf("invalid A1 cell %q", cell)
	}
	return col, row, nil
}
