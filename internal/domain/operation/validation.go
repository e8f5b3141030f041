package operation

// Validate checks an operation's payload bounds against a document state.
// Operations that fail are rejected before transformation and never applied.
// Delete lengths are bounds-checked but may be zero: overlapping concurrent
// deletes legitimately transform into zero-length no-ops.
func Validate(op Operation, state *State) error {
	docLen := state.Len()
	switch op.Type {
	case TypeInsert:
		if op.Text == "" {
			return ErrEmptyText
		}
		if op.Position < 0 || op.Position > docLen {
			return ErrOutOfBounds
		}
	case TypeDelete:
		if op.Position < 0 || op.Length < 0 {
			return ErrOutOfBounds
		}
		if op.Position+op.Length > docLen {
			return ErrOutOfBounds
		}
	case TypeFormat:
		if op.Start < 0 || op.Start >= op.End || op.End > docLen {
			return ErrInvalidRange
		}
	default:
		return ErrUnknownType
	}
	return nil
}
