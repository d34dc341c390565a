package mirror

// State is the lifecycle position of a collection.
type State string

const (
	StateUnregistered State = "unregistered"
	StateStarting     State = "starting"
	StateActive       State = "active"
	StateStopping     State = "stopping"
)

// Live reports whether a collection in this state still owns its scope.
func (s State) Live() bool {
	return s == StateStarting || s == StateActive || s == StateStopping
}
