package search

import "fmt"

// Sequences holds the token history of every hypothesis in a run, rows
// indexed 0..batch*beams-1. Appending is gather-then-extend: each row may
// continue its own history or fork from another active row's history, which
// is how beam reordering reaches the store. Finished rows are frozen and
// skipped by Append; they may not be used as a fork origin afterwards.
type Sequences struct {
	rows     [][]int32
	finished []bool
	maxLen   int
	stepLen  int
}

// NewSequences seeds the store with one prompt per row. Every prompt must
// have the same length; ragged batches are padded by the caller before the
// run starts.
func NewSequences(prompts [][]int32, maxLen int) (*Sequences, error) {
	if len(prompts) == 0 {
		return nil, fmt.Errorf("sequences: empty batch")
	}
	promptLen := len(prompts[0])
	if promptLen == 0 {
		return nil, fmt.Errorf("sequences: empty prompt")
	}
	if promptLen >= maxLen {
		return nil, fmt.Errorf("sequences: prompt length %d leaves no room under max length %d", promptLen, maxLen)
	}

	s := &Sequences{
		rows:     make([][]int32, len(prompts)),
		finished: make([]bool, len(prompts)),
		maxLen:   maxLen,
		stepLen:  promptLen,
	}
	for i, p := range prompts {
		if len(p) != promptLen {
			return nil, fmt.Errorf("sequences: row %d has length %d, want %d", i, len(p), promptLen)
		}
		s.rows[i] = make([]int32, promptLen, maxLen)
		copy(s.rows[i], p)
	}
	return s, nil
}

// Rows returns the hypothesis count
func (s *Sequences) Rows() int { return len(s.rows) }

// Len returns the current length of active hypotheses, prompt included
func (s *Sequences) Len() int { return s.stepLen }

// MaxLen returns the hard length cap
func (s *Sequences) MaxLen() int { return s.maxLen }

// Sequence returns a copy of row i's tokens
func (s *Sequences) Sequence(i int) []int32 {
	out := make([]int32, len(s.rows[i]))
	copy(out, s.rows[i])
	return out
}

// view returns the live row without copying, for read-only scans inside the
// package. Callers must not retain it across an Append.
func (s *Sequences) view(i int) []int32 { return s.rows[i] }

func (s *Sequences) MarkFinished(i int) { s.finished[i] = true }
func (s *Sequences) Finished(i int) bool {
	return s.finished[i]
}

// Append extends every unfinished row by one token. origins[r] names the row
// whose history row r continues; tokens[r] is the token appended to it. A
// frozen row keeps its history regardless of what origins says for it, and
// referencing a frozen row from an unfinished one is an error because its
// scores were not part of the step.
func (s *Sequences) Append(origins, tokens []int32) error {
	n := len(s.rows)
	if len(origins) != n || len(tokens) != n {
		return fmt.Errorf("sequences: got %d origins %d tokens, want %d each: %w",
			len(origins), len(tokens), n, ErrInvalidIndex)
	}
	if s.stepLen >= s.maxLen {
		return fmt.Errorf("sequences: already at max length %d: %w", s.maxLen, ErrInvalidState)
	}

	next := make([][]int32, n)
	for r := 0; r < n; r++ {
		if s.finished[r] {
			next[r] = s.rows[r]
			continue
		}
		o := origins[r]
		if o < 0 || int(o) >= n {
			return fmt.Errorf("sequences: row %d origin %d out of [0, %d): %w", r, o, n, ErrInvalidIndex)
		}
		if s.finished[o] {
			return fmt.Errorf("sequences: row %d forks from frozen row %d: %w", r, o, ErrInvalidIndex)
		}
		src := s.rows[o]
		row := make([]int32, len(src)+1, s.maxLen)
		copy(row, src)
		row[len(src)] = tokens[r]
		next[r] = row
	}
	s.rows = next
	s.stepLen++
	return nil
}

// AllFinished reports whether every row is frozen
func (s *Sequences) AllFinished() bool {
	for _, f := range s.finished {
		if !f {
			return false
		}
	}
	return true
}
