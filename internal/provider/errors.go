package provider

import (
	"errors"
	"fmt"
)

// Output sentinels appended to captured output so downstream classification
// can recognise supervised kills from text alone.
const (
	SupervisionTimeoutSentinel = "[issuepilot] supervision timeout: no working tree progress"
	ErrorLoopSentinel          = "[issuepilot] error loop detected: agent terminated"
	TimeoutSentinel            = "[issuepilot] provider timed out"
)

var (
	// ErrUnavailable marks a provider that cannot run at all, for example
	// because its binary is not installed.
	ErrUnavailable = errors.New("provider unavailable")

	// ErrSupervisionTimeout is the result reason when the overseer killed the agent.
	ErrSupervisionTimeout = errors.New("supervision timeout")

	// ErrErrorLoop is the result reason when the error-loop detector killed the agent.
	ErrErrorLoop = errors.New("error loop detected")

	// ErrTimeout is the result reason when the run exceeded its wall-clock limit.
	ErrTimeout = errors.New("provider timed out")

	// ErrTerminated is the result reason when the process was terminated
	// from outside, by a kill or skip request.
	ErrTerminated = errors.New("terminated")

	// ErrUnknownProvider is returned by the registry for unregistered names.
	ErrUnknownProvider = errors.New("unknown provider")
)

// UnavailableError explains why a provider cannot run.
type UnavailableError struct {
	Provider string
	Reason   string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("provider %s unavailable: %s", e.Provider, e.Reason)
}

func (e *UnavailableError) Unwrap() error { return ErrUnavailable }
