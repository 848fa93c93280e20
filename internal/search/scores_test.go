package search

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
)

func TestScoreMatrixRows(t *testing.T) {
	m := NewScoreMatrix(2, 3)
	copy(m.Data(), []float32{1, 2, 3, 4, 5, 6})

	r1 := m.Row(1)
	if len(r1) != 3 || r1[0] != 4 {
		t.Errorf("row 1 = %v", r1)
	}
	r1[0] = 9
	if m.Data()[3] != 9 {
		t.Error("Row should be a live view, not a copy")
	}
}

func TestScoreMatrixFrom(t *testing.T) {
	if m := ScoreMatrixFrom([]float32{1, 2}, 2, 2); m != nil {
		t.Error("mismatched buffer accepted")
	}
	m := ScoreMatrixFrom([]float32{1, 2, 3, 4}, 2, 2)
	if m == nil || m.Row(1)[1] != 4 {
		t.Error("wrap failed")
	}
}

func TestRowExhausted(t *testing.T) {
	neg := float32(math.Inf(-1))
	nan := float32(math.NaN())
	m := ScoreMatrixFrom([]float32{neg, nan, neg, neg, 1, neg}, 2, 3)

	if !m.RowExhausted(0) {
		t.Error("row of -inf/NaN should be exhausted")
	}
	if m.RowExhausted(1) {
		t.Error("row with a finite entry is not exhausted")
	}
}

func TestForEachRowRunsAll(t *testing.T) {
	var n atomic.Int32
	err := forEachRow(context.Background(), 16, 4, func(r int) error {
		n.Add(1)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if n.Load() != 16 {
		t.Errorf("ran %d rows, want 16", n.Load())
	}
}

func TestForEachRowPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	err := forEachRow(context.Background(), 8, 2, func(r int) error {
		if r == 5 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
}
