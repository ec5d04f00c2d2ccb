package model

// Status is the lifecycle state of a worker instance. Transitions between
// statuses are validated by the state store; no other component writes them.
type Status string

const (
	StatusStopped   Status = "STOPPED"
	StatusStarting  Status = "STARTING"
	StatusRunning   Status = "RUNNING"
	StatusUnhealthy Status = "UNHEALTHY"
	StatusStopping  Status = "STOPPING"
	StatusCrashed   Status = "CRASHED"
)

// Statuses lists every defined status.
func Statuses() []Status {
	return []Status{
		StatusStopped,
		StatusStarting,
		StatusRunning,
		StatusUnhealthy,
		StatusStopping,
		StatusCrashed,
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusStopped, StatusStarting, StatusRunning,
		StatusUnhealthy, StatusStopping, StatusCrashed:
		return true
	}
	return false
}

// Live reports whether a worker in this status has an OS process behind it.
// The store keeps pid set if and only if Live is true.
func (s Status) Live() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusUnhealthy, StatusStopping:
		return true
	}
	return false
}

// Probeable reports whether the health monitor should probe a worker in
// this status.
func (s Status) Probeable() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusUnhealthy:
		return true
	}
	return false
}
