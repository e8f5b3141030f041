package operation

// Compose merges two adjacent edits from the same author into one, so a
// burst of keystrokes can log as a single operation. Returns nil when the
// pair is not composable; callers must not assume composition succeeds.
// The merged operation keeps the first edit's id and timestamp.
func Compose(a, b Operation) *Operation {
	if a.UserID == "" || a.UserID != b.UserID || a.Type != b.Type {
		return nil
	}
	switch a.Type {
	case TypeInsert:
		if b.Position != a.Position+a.TextLength() {
			return nil
		}
		// Inserts carrying explicit attributes stay separate.
		if len(a.Format) > 0 || len(b.Format) > 0 {
			return nil
		}
		merged := a
		merged.Text = a.Text + b.Text
		return &merged
	case TypeDelete:
		if b.Position != a.Position {
			return nil
		}
		merged := a
		merged.Length = a.Length + b.Length
		return &merged
	}
	return nil
}
