package trace

// Note is a user annotation attached to a range. Notes refer to ranges by type, row and time rather than by
// identity, and are matched to ranges on a best-effort basis.
type Note struct {
	Type         int32
	CollapsedRow int32
	Start        Timestamp
	Duration     Timestamp
	Text         string
}

// Notes is an ordered collection of notes. It is not safe for concurrent use.
type Notes struct {
	notes []Note
}

func (ns *Notes) Add(n Note) int {
	ns.notes = append(ns.notes, n)
	return len(ns.notes) - 1
}

func (ns *Notes) Get(i int) (Note, error) {
	if i < 0 || i >= len(ns.notes) {
		return Note{}, ErrOutOfRange.WithMessagef("note %d, have %d notes", i, len(ns.notes))
	}
	return ns.notes[i], nil
}

// SetText changes the text of the i-th note. Setting an empty text removes the note.
func (ns *Notes) SetText(i int, text string) error {
	if i < 0 || i >= len(ns.notes) {
		return ErrOutOfRange.WithMessagef("note %d, have %d notes", i, len(ns.notes))
	}
	if text == "" {
		return ns.Remove(i)
	}
	ns.notes[i].Text = text
	return nil
}

func (ns *Notes) Remove(i int) error {
	if i < 0 || i >= len(ns.notes) {
		return ErrOutOfRange.WithMessagef("note %d, have %d notes", i, len(ns.notes))
	}
	ns.notes = append(ns.notes[:i], ns.notes[i+1:]...)
	return nil
}

func (ns *Notes) Len() int { return len(ns.notes) }

// All returns a copy of all notes.
func (ns *Notes) All() []Note {
	out := make([]Note, len(ns.notes))
	copy(out, ns.notes)
	return out
}

func (ns *Notes) Clear() { ns.notes = nil }

// Match returns the index of the range in candidates that best fits n, or -1 if none does. A candidate must
// have the note's type, and the note's row if the note has one. Among those, the one whose start and duration
// are closest to the note's wins; earlier candidates win ties.
func (n *Note) Match(candidates []Range) int {
	best := -1
	var bestDist Timestamp
	for i, r := range candidates {
		if r.Type != n.Type {
			continue
		}
		if n.CollapsedRow >= 0 && r.Depth != n.CollapsedRow {
			continue
		}
		dist := abs(r.Start-n.Start) + abs(r.Duration()-n.Duration)
		if best == -1 || dist < bestDist {
			best = i
			bestDist = dist
		}
	}
	return best
}

func abs(x Timestamp) Timestamp {
	if x < 0 {
		return -x
	}
	return x
}
