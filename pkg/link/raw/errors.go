package raw

import (
	"errors"
	"fmt"
)

var (
	// ErrNotDetected indicates the adapter did not complete the login.
	ErrNotDetected = errors.New("adapter not detected")
	// ErrCommandFailed matches every CommandError.
	ErrCommandFailed = errors.New("command failed")
	// ErrBusy indicates an asynchronous command is still running.
	ErrBusy = errors.New("async command in progress")
	// ErrGameNameTooLong indicates a game name over MaxGameNameLength.
	ErrGameNameTooLong = errors.New("game name too long")
	// ErrUserNameTooLong indicates a user name over MaxUserNameLength.
	ErrUserNameTooLong = errors.New("user name too long")
	// ErrTooMuchData indicates a payload over the transfer limit.
	ErrTooMuchData = errors.New("too much data")
	// ErrBadResponse indicates a command succeeded with an unexpected layout.
	ErrBadResponse = errors.New("unexpected response")
	// ErrUnexpectedEvent indicates the adapter sent an unexpected command
	// after taking the clock.
	ErrUnexpectedEvent = errors.New("unexpected adapter event")
)

// CommandError describes a failed command exchange.
type CommandError struct {
	Cmd   byte
	Stage string
}

// Error implements error.
func (e *CommandError) Error() string {
	return fmt.Sprintf("command 0x%02x failed: %s", e.Cmd, e.Stage)
}

// Is makes errors.Is(err, ErrCommandFailed) match.
func (e *CommandError) Is(target error) bool {
	return target == ErrCommandFailed
}
