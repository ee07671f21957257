package types

// State is the lifecycle state attached to every cached record.
type State string

// Record states. A record enters StateLoading when first referenced, moves to
// StateLoaded on a successful response, and passes through StateUpdating or
// StateDeleting while a mutation is in flight. StateError records the last
// failed request.
const (
	StateLoading  State = "loading"
	StateLoaded   State = "loaded"
	StateUpdating State = "updating"
	StateDeleting State = "deleting"
	StateError    State = "error"
)

// validStates is the set of recognized record states.
var validStates = map[State]bool{
	StateLoading:  true,
	StateLoaded:   true,
	StateUpdating: true,
	StateDeleting: true,
	StateError:    true,
}

// Valid reports whether s is one of the State constants.
func (s State) Valid() bool {
	return validStates[s]
}

// InFlight reports whether a request for the record has been issued and not
// yet resolved.
func (s State) InFlight() bool {
	return s == StateLoading || s == StateUpdating || s == StateDeleting
}
