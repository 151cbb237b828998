// Package lifecycle names why the agent process is shutting down.
package lifecycle

import (
	"os"
	"syscall"
)

// StopReason is logged on shutdown and passed to components that care
// (for example the systemd status line).
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

// FromSignal maps an OS signal to a StopReason.
func FromSignal(sig os.Signal) StopReason {
	switch sig {
	case os.Interrupt:
		return StopSIGINT
	case syscall.SIGTERM:
		return StopSIGTERM
	default:
		return StopUnknown
	}
}
