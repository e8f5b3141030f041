package operation

import "time"

// Transform rewrites op against the already-applied operations it is
// concurrent with, so that its positions are valid in the current document.
//
// An applied operation counts as concurrent when it comes from a different
// author and was applied after op was created: the author of op cannot have
// seen it when choosing positions. Anything applied before op was created is
// assumed to be incorporated in op already and is skipped.
//
// Operations are folded in log order, so each adjustment is made against
// positions that already account for the prior concurrent operations.
func Transform(op Operation, applied []Operation, userID string) Operation {
	out := op
	for _, other := range applied {
		if other.UserID == userID {
			continue
		}
		if !appliedStamp(other).After(op.Timestamp) {
			continue
		}
		out = transformPair(out, other)
	}
	return out
}

// appliedStamp is when the operation took effect in the session. Entries
// read back from the log always carry AppliedAt; the creation timestamp is
// the fallback for operations that never went through admission.
func appliedStamp(op Operation) time.Time {
	if !op.AppliedAt.IsZero() {
		return op.AppliedAt
	}
	return op.Timestamp
}

func transformPair(op, other Operation) Operation {
	switch op.Type {
	case TypeInsert:
		return transformInsert(op, other)
	case TypeDelete:
		return transformDelete(op, other)
	case TypeFormat:
		return transformFormat(op, other)
	default:
		return op
	}
}

// transformInsert adjusts an insert against a concurrent insert or delete.
// Two inserts at the same position are ordered by creation time: the earlier
// author keeps the position and the later insert lands after their text.
func transformInsert(op, other Operation) Operation {
	switch other.Type {
	case TypeInsert:
		if other.Position < op.Position ||
			(other.Position == op.Position && other.Timestamp.Before(op.Timestamp)) {
			op.Position += other.TextLength()
		}
	case TypeDelete:
		if other.Position < op.Position {
			op.Position -= other.Length
			if op.Position < 0 {
				op.Position = 0
			}
		}
	}
	return op
}

// transformDelete adjusts a delete against a concurrent insert or delete.
// An insert inside the deleted span widens the delete to cover the new text;
// overlapping deletes shrink by the doubly-deleted width so the second
// arrival never removes more than what remains.
func transformDelete(op, other Operation) Operation {
	switch other.Type {
	case TypeInsert:
		if other.Position <= op.Position {
			op.Position += other.TextLength()
		} else if other.Position < op.Position+op.Length {
			op.Length += other.TextLength()
		}
	case TypeDelete:
		otherEnd := other.Position + other.Length
		opEnd := op.Position + op.Length
		if otherEnd <= op.Position {
			op.Position -= other.Length
			if op.Position < 0 {
				op.Position = 0
			}
		} else if other.Position < opEnd {
			overlap := min(opEnd, otherEnd) - max(op.Position, other.Position)
			op.Length -= overlap
			if op.Length < 0 {
				op.Length = 0
			}
			if other.Position < op.Position {
				op.Position = other.Position
			}
		}
	}
	return op
}

// transformFormat adjusts a format range against a concurrent insert or
// delete. A delete overlapping the range shrinks it; a delete strictly
// before it slides it left.
func transformFormat(op, other Operation) Operation {
	switch other.Type {
	case TypeInsert:
		if other.Position < op.Start {
			op.Start += other.TextLength()
			op.End += other.TextLength()
		} else if other.Position < op.End {
			op.End += other.TextLength()
		}
	case TypeDelete:
		otherEnd := other.Position + other.Length
		if otherEnd <= op.Start {
			op.Start -= other.Length
			op.End -= other.Length
		} else if other.Position < op.End {
			overlap := min(op.End, otherEnd) - max(op.Start, other.Position)
			op.End -= overlap
			if other.Position < op.Start {
				shift := op.Start - other.Position
				op.Start -= shift
				op.End -= shift
			}
		}
	}
	return op
}
