package search

import "math"

// ScoreMatrix is a flat rows x vocab score buffer with row views. Logits
// processors mutate rows in place; nothing here allocates per step beyond
// the initial buffer.
type ScoreMatrix struct {
	data []float32
	rows int
	cols int
}

func NewScoreMatrix(rows, cols int) *ScoreMatrix {
	return &ScoreMatrix{data: make([]float32, rows*cols), rows: rows, cols: cols}
}

// ScoreMatrixFrom wraps an existing flat buffer without copying
func ScoreMatrixFrom(data []float32, rows, cols int) *ScoreMatrix {
	if len(data) != rows*cols {
		return nil
	}
	return &ScoreMatrix{data: data, rows: rows, cols: cols}
}

func (m *ScoreMatrix) Rows() int { return m.rows }
func (m *ScoreMatrix) Cols() int { return m.cols }

// Row returns a live view of row r
func (m *ScoreMatrix) Row(r int) []float32 {
	return m.data[r*m.cols : (r+1)*m.cols]
}

// Data returns the whole flat buffer
func (m *ScoreMatrix) Data() []float32 { return m.data }

// RowExhausted reports whether no finite candidate remains in row r
func (m *ScoreMatrix) RowExhausted(r int) bool {
	for _, v := range m.Row(r) {
		if !math.IsInf(float64(v), -1) && !math.IsNaN(float64(v)) {
			return false
		}
	}
	return true
}
