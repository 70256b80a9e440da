package state

// Phase is the service lifecycle position.
//
//	Uninitialized -> Initializing -> Ready <-> Updating
//	Initializing -> Uninitialized (failed initialize)
type Phase uint32

const (
	Uninitialized Phase = iota
	Initializing
	Ready
	Updating
)

func (p Phase) String() string {
	switch p {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Updating:
		return "updating"
	}
	return "unknown"
}

// Serving reports whether queries are answered in this phase. Updating
// still serves the pre-update pairing.
func (p Phase) Serving() bool {
	return p == Ready || p == Updating
}
