package registry

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// table 是读入内存的 CSV：表头（小写、去空白、去 BOM）+ 数据行。
type table struct {
	header []string
	rows   [][]string
}

func readTable(r io.Reader) (table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	var t table
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return table{}, fmt.Errorf("csv: %w", err)
		}
		if t.header == nil {
			t.header = make([]string, len(rec))
			for i, h := range rec {
				if i == 0 {
					h = strings.Trim(strings.TrimPrefix(h, "\ufeff"), `"`)
				}
				t.header[i] = strings.ToLower(strings.TrimSpace(h))
			}
			continue
		}
		if blank(rec) {
			continue
		}
		t.rows = append(t.rows, rec)
	}
	return t, nil
}

// col 返回第一个存在的列名对应的下标（按候选顺序，大小写不敏感）；都不存在时返回 -1。
func (t table) col(names ...string) int {
	for _, n := range names {
		n = strings.ToLower(n)
		for i, h := range t.header {
			if h == n {
				return i
			}
		}
	}
	return -1
}

// cols 返回所有存在的候选列（保持候选顺序）。
func (t table) cols(names ...string) []int {
	out := make([]int, 0, len(names))
	for _, n := range names {
		if i := t.col(n); i >= 0 {
			out = append(out, i)
		}
	}
	return out
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func firstCell(row []string, idx []int) string {
	for _, i := range idx {
		if v := cell(row, i); v != "" {
			return v
		}
	}
	return ""
}

func blank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
