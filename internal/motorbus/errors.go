package motorbus

import "errors"

// Sentinel errors returned by Motors and Supervisor methods. Callers use
// errors.Is against these, and errors.As / %w-wrapping to recover the
// underlying transport or canframe error where useful.
var (
	// ErrInvalidInput marks a request naming a motor id that was never
	// configured, or a motor entry that Config.ValidateMotors rejects.
	ErrInvalidInput = errors.New("motorbus: invalid input")

	// ErrNotFound marks a request for a motor id or cached value that does
	// not exist (e.g. GetLatestFeedbackFor before any feedback has arrived).
	ErrNotFound = errors.New("motorbus: not found")

	// ErrIOTimeoutOrEOF wraps a transport read that did not complete, or
	// got fewer frames back than requested.
	ErrIOTimeoutOrEOF = errors.New("motorbus: io timeout or eof")

	// ErrProtocol marks a reply frame with an unexpected shape for the
	// outstanding request. No method in this package returns it: a reply
	// naming an unconfigured motor id surfaces as ErrNotFound.
	ErrProtocol = errors.New("motorbus: protocol error")

	// ErrConfigMissing marks a request that depends on a motor id with no
	// MotorConfig entry (unrecognized MotorType). No method in this package
	// returns it: NewMotors drops such ids, and requests naming them
	// surface as ErrInvalidInput or ErrNotFound.
	ErrConfigMissing = errors.New("motorbus: config missing")
)
