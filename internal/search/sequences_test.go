package search

import (
	"errors"
	"testing"
)

func TestNewSequencesValidation(t *testing.T) {
	tests := []struct {
		name    string
		prompts [][]int32
		maxLen  int
	}{
		{"empty batch", nil, 8},
		{"empty prompt", [][]int32{{}}, 8},
		{"prompt at max", [][]int32{{1, 2, 3}}, 3},
		{"ragged rows", [][]int32{{1, 2}, {1}}, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSequences(tt.prompts, tt.maxLen); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSequencesAppend(t *testing.T) {
	s, err := NewSequences([][]int32{{1, 2}, {3, 4}}, 8)
	if err != nil {
		t.Fatal(err)
	}
	if s.Len() != 2 || s.Rows() != 2 {
		t.Fatalf("Len=%d Rows=%d", s.Len(), s.Rows())
	}

	if err := s.Append([]int32{0, 1}, []int32{10, 11}); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 3 {
		t.Errorf("Len = %d, want 3", s.Len())
	}
	got := s.Sequence(1)
	want := []int32{3, 4, 11}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("row 1 = %v, want %v", got, want)
		}
	}
}

func TestSequencesFork(t *testing.T) {
	s, _ := NewSequences([][]int32{{1}, {2}}, 8)

	// Both rows continue from row 0
	if err := s.Append([]int32{0, 0}, []int32{5, 6}); err != nil {
		t.Fatal(err)
	}
	r0, r1 := s.Sequence(0), s.Sequence(1)
	if r0[0] != 1 || r0[1] != 5 {
		t.Errorf("row 0 = %v", r0)
	}
	if r1[0] != 1 || r1[1] != 6 {
		t.Errorf("row 1 = %v, want fork of row 0", r1)
	}

	// The fork copied, not aliased
	if err := s.Append([]int32{0, 1}, []int32{7, 8}); err != nil {
		t.Fatal(err)
	}
	if s.Sequence(0)[2] == s.Sequence(1)[2] {
		t.Error("rows alias the same backing array")
	}
}

func TestSequencesFrozenRows(t *testing.T) {
	s, _ := NewSequences([][]int32{{1}, {2}}, 8)
	s.MarkFinished(0)

	if err := s.Append([]int32{0, 1}, []int32{5, 6}); err != nil {
		t.Fatal(err)
	}
	if len(s.Sequence(0)) != 1 {
		t.Errorf("frozen row grew: %v", s.Sequence(0))
	}
	if len(s.Sequence(1)) != 2 {
		t.Errorf("active row did not grow: %v", s.Sequence(1))
	}

	// Forking from a frozen row is invalid
	err := s.Append([]int32{0, 0}, []int32{7, 7})
	if !errors.Is(err, ErrInvalidIndex) {
		t.Errorf("fork from frozen row: err = %v, want ErrInvalidIndex", err)
	}
}

func TestSequencesAppendErrors(t *testing.T) {
	s, _ := NewSequences([][]int32{{1}}, 3)

	if err := s.Append([]int32{5}, []int32{1}); !errors.Is(err, ErrInvalidIndex) {
		t.Errorf("out of range origin: %v", err)
	}
	if err := s.Append([]int32{0, 0}, []int32{1}); !errors.Is(err, ErrInvalidIndex) {
		t.Errorf("length mismatch: %v", err)
	}

	if err := s.Append([]int32{0}, []int32{1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Append([]int32{0}, []int32{2}); err != nil {
		t.Fatal(err)
	}
	// Now at max length
	if err := s.Append([]int32{0}, []int32{3}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("append past max: %v", err)
	}
}

func TestSequencesAllFinished(t *testing.T) {
	s, _ := NewSequences([][]int32{{1}, {2}}, 4)
	if s.AllFinished() {
		t.Error("fresh store reports all finished")
	}
	s.MarkFinished(0)
	s.MarkFinished(1)
	if !s.AllFinished() {
		t.Error("all rows frozen but AllFinished is false")
	}
}
