package expand

import "errors"

var (
	// ErrShapeMismatch is returned when declared channel or polarization
	// counts disagree with the binary layout.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrState is returned on a contract violation such as appending to a
	// finalized index or an illegal row state transition.
	ErrState = errors.New("invalid state")
)
