package expand

import "fmt"

// RowState is the processing state of one Main row.
type RowState int

const (
	Pending RowState = iota
	Rejected
	Accepted
	Reading
	Expanding
	Emitted
	Done
	Failed
)

var rowStateNames = [...]string{"pending", "rejected", "accepted", "reading", "expanding", "emitted", "done", "failed"}

func (s RowState) String() string {
	if int(s) < len(rowStateNames) {
		return rowStateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no transition leaves s.
func (s RowState) Terminal() bool {
	return s == Rejected || s == Done || s == Failed
}

var transitions = map[RowState][]RowState{
	Pending:   {Rejected, Accepted, Failed},
	Accepted:  {Reading, Done, Failed},
	Reading:   {Expanding, Failed},
	Expanding: {Emitted, Failed},
	Emitted:   {Reading, Done, Failed},
}

// rowMachine enforces the legal transitions of one row.
type rowMachine struct {
	state RowState
}

func (m *rowMachine) to(next RowState) error {
	for _, s := range transitions[m.state] {
		if s == next {
			m.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: row cannot move from %s to %s", ErrState, m.state, next)
}
