package apperrors

import "errors"

// Standardized trading errors
var (
	ErrInsufficientMargin  = errors.New("insufficient available margin")
	ErrPositionExists      = errors.New("position already exists")
	ErrNoPosition          = errors.New("no open position")
	ErrDirectionMismatch   = errors.New("position direction mismatch")
	ErrLeverageExceeded    = errors.New("leverage exceeds configured maximum")
	ErrInvalidStopLoss     = errors.New("stop loss would trigger after liquidation")
	ErrPriceUnavailable    = errors.New("no price available from any source")
	ErrPriceAnomaly        = errors.New("price rejected as anomalous")
	ErrCycleInProgress     = errors.New("cycle already in progress")
	ErrSchedulerRunning    = errors.New("scheduler already running")
	ErrSchedulerStopped    = errors.New("scheduler not running")
	ErrCooldownActive      = errors.New("cooldown active")
	ErrNoDecisionMarker    = errors.New("no final decision marker found")
	ErrUnparseableResponse = errors.New("response could not be parsed")
)
