package ot

// Transform rewrites operation a so that applying the result after b has
// already been applied preserves a's intent. Every peer computes the same
// outcome from the same pair, which is what makes concurrent edits converge.
func Transform(a, b Operation) Operation {
	switch {
	case a.Kind == Insert && b.Kind == Insert:
		return transformInsertInsert(a, b)
	case a.Kind == Delete && b.Kind == Delete:
		return transformDeleteDelete(a, b)
	case a.Kind == Insert && b.Kind == Delete:
		return transformInsertDelete(a, b)
	case a.Kind == Delete && b.Kind == Insert:
		return transformDeleteInsert(a, b)
	}
	return a
}

func transformInsertInsert(a, b Operation) Operation {
	if a.Position < b.Position {
		return a
	}
	if a.Position > b.Position {
		a.Position += len(b.Text)
		return a
	}
	// Same position: the lexicographically smaller author's insert is treated
	// as occurring first. This is the only total order over concurrent inserts
	// at identical offsets, so it must be symmetric across all peers.
	if a.AuthorID < b.AuthorID {
		return a
	}
	a.Position += len(b.Text)
	return a
}

func transformDeleteDelete(a, b Operation) Operation {
	aEnd := a.Position + a.Length
	bEnd := b.Position + b.Length

	if aEnd <= b.Position {
		// a entirely before b.
		return a
	}
	if a.Position >= bEnd {
		// a entirely after b, shift back.
		a.Position -= b.Length
		return a
	}
	// Overlapping ranges: keep only the part of a that b did not consume.
	// A range fully consumed by b collapses to a zero-length delete at b's
	// start.
	overlap := minInt(aEnd, bEnd) - maxInt(a.Position, b.Position)
	a.Position = minInt(a.Position, b.Position)
	a.Length -= overlap
	return a
}

func transformInsertDelete(a, b Operation) Operation {
	bEnd := b.Position + b.Length
	if a.Position <= b.Position {
		return a
	}
	if a.Position >= bEnd {
		a.Position -= b.Length
		return a
	}
	// Insert landed strictly inside the deleted range. The surrounding delete
	// consumes the insertion context, so the insert clamps to the delete's
	// start and carries no text; the counterpart delete grows to match.
	a.Position = b.Position
	a.Text = ""
	return a
}

func transformDeleteInsert(a, b Operation) Operation {
	aEnd := a.Position + a.Length
	if b.Position >= aEnd {
		return a
	}
	if b.Position <= a.Position {
		a.Position += len(b.Text)
		return a
	}
	// Insert landed strictly inside the deleted range; the delete widens to
	// cover the swallowed text.
	a.Length += len(b.Text)
	return a
}

// MergeAgainstRemote folds Transform over remote in delivery order, producing
// the representation of local as if it had been issued after every remote
// operation.
func MergeAgainstRemote(local Operation, remote []Operation) Operation {
	for _, r := range remote {
		local = Transform(local, r)
	}
	return local
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
