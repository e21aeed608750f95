package controller

// State is the lifecycle state of a Controller.
type State int32

const (
	// Stopped means no run is active. It is the initial state and the state
	// after a stop or a fatal fault.
	Stopped State = iota
	// Starting means the device is being connected and checked.
	Starting
	// Running means the readers, the PWM driver and the control loop are active.
	Running
	// Stopping means the workers are being shut down and the heater driven low.
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	}
	return "unknown"
}
