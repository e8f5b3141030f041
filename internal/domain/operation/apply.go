package operation

// Apply mutates the state with a validated, transformed operation.
// Transformation can collapse an operation to zero width; those apply as
// no-ops so the log and the broadcast stream stay aligned across replicas.
func (s *State) Apply(op Operation) error {
	switch op.Type {
	case TypeInsert:
		return s.applyInsert(op)
	case TypeDelete:
		return s.applyDelete(op)
	case TypeFormat:
		return s.applyFormat(op)
	default:
		return ErrUnknownType
	}
}

func (s *State) applyInsert(op Operation) error {
	text := []rune(s.Text)
	if op.Position < 0 || op.Position > len(text) {
		return ErrOutOfBounds
	}
	ins := []rune(op.Text)
	if len(ins) == 0 {
		return ErrEmptyText
	}
	out := make([]rune, 0, len(text)+len(ins))
	out = append(out, text[:op.Position]...)
	out = append(out, ins...)
	out = append(out, text[op.Position:]...)
	s.Text = string(out)
	s.shiftFormattingInsert(op.Position, len(ins))
	return nil
}

func (s *State) applyDelete(op Operation) error {
	text := []rune(s.Text)
	if op.Position < 0 || op.Length < 0 || op.Position+op.Length > len(text) {
		return ErrOutOfBounds
	}
	if op.Length == 0 {
		return nil
	}
	out := make([]rune, 0, len(text)-op.Length)
	out = append(out, text[:op.Position]...)
	out = append(out, text[op.Position+op.Length:]...)
	s.Text = string(out)
	s.shiftFormattingDelete(op.Position, op.Length)
	return nil
}

func (s *State) applyFormat(op Operation) error {
	if op.Start == op.End {
		return nil
	}
	if op.Start < 0 || op.End < op.Start || op.End > s.Len() {
		return ErrInvalidRange
	}
	s.Formatting = append(s.Formatting, FormatRange{
		Start:      op.Start,
		End:        op.End,
		Attributes: op.Format,
		UserID:     op.UserID,
		AppliedAt:  op.AppliedAt,
	})
	return nil
}

// shiftFormattingInsert keeps stored ranges attached to the text they
// formatted after n runes are inserted at pos. An insert at the exact start
// of a range lands inside it.
func (s *State) shiftFormattingInsert(pos, n int) {
	for i := range s.Formatting {
		r := &s.Formatting[i]
		if pos < r.Start {
			r.Start += n
			r.End += n
		} else if pos < r.End {
			r.End += n
		}
	}
}

// shiftFormattingDelete remaps stored ranges after n runes are deleted at
// pos. Boundaries inside the cut collapse to the cut point; ranges left with
// no width are dropped.
func (s *State) shiftFormattingDelete(pos, n int) {
	collapse := func(x int) int {
		if x <= pos {
			return x
		}
		if x >= pos+n {
			return x - n
		}
		return pos
	}
	kept := s.Formatting[:0]
	for _, r := range s.Formatting {
		r.Start = collapse(r.Start)
		r.End = collapse(r.End)
		if r.End > r.Start {
			kept = append(kept, r)
		}
	}
	s.Formatting = kept
}
