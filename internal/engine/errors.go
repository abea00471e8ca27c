package engine

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/synth-engine/internal/ledger"
	"github.com/atmx/synth-engine/internal/oracle"
)

var (
	// Input validation. Nothing is touched.
	ErrNeedsMoreThanZero    = errors.New("engine: amount must be more than zero")
	ErrTokenNotAllowed      = errors.New("engine: token not allowed as collateral")
	ErrConfigLengthMismatch = errors.New("engine: collateral tokens and price feeds must be the same length")
	ErrDuplicateToken       = errors.New("engine: collateral token listed twice")
	ErrUnknownToken         = errors.New("engine: no implementation for token")
	ErrSyntheticMismatch    = errors.New("engine: synthetic token does not match configuration")
	ErrInvalidAddress       = errors.New("engine: null account")

	// Solvency.
	ErrBreaksHealthFactor = errors.New("engine: health factor below minimum")

	// External dependencies.
	ErrTransferFailed = errors.New("engine: custody transfer failed")
	ErrMintFailed     = errors.New("engine: synthetic mint failed")
	ErrBurnFailed     = errors.New("engine: synthetic burn failed")
	ErrRecordFailed   = errors.New("engine: recording operation failed")

	// Liquidation.
	ErrHealthFactorOk          = errors.New("engine: health factor ok, position not liquidatable")
	ErrHealthFactorNotImproved = errors.New("engine: liquidation did not improve health factor")

	// Guard.
	ErrReentrantCall = errors.New("engine: reentrant call")
)

// BreaksHealthFactorError reports the ratio that caused a rejection.
type BreaksHealthFactorError struct {
	User         string
	HealthFactor *uint256.Int
}

func (e *BreaksHealthFactorError) Error() string {
	return fmt.Sprintf("%s: %s has %s", ErrBreaksHealthFactor, e.User, e.HealthFactor.Dec())
}

func (e *BreaksHealthFactorError) Is(target error) bool { return target == ErrBreaksHealthFactor }

// HealthFactorNotImprovedError reports the target's ratio before and after a
// rejected liquidation.
type HealthFactorNotImprovedError struct {
	Before *uint256.Int
	After  *uint256.Int
}

func (e *HealthFactorNotImprovedError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrHealthFactorNotImproved, e.Before.Dec(), e.After.Dec())
}

func (e *HealthFactorNotImprovedError) Is(target error) bool {
	return target == ErrHealthFactorNotImproved
}

// Error classes used for metrics labels and HTTP status mapping.
const (
	ClassValidation  = "validation"
	ClassSolvency    = "solvency"
	ClassOracle      = "oracle"
	ClassExternal    = "external"
	ClassLiquidation = "liquidation"
	ClassReentrant   = "reentrant"
	ClassInternal    = "internal"
)

// Classify maps an engine error onto the error taxonomy.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrReentrantCall):
		return ClassReentrant
	case errors.Is(err, ErrHealthFactorOk), errors.Is(err, ErrHealthFactorNotImproved):
		return ClassLiquidation
	case errors.Is(err, ErrBreaksHealthFactor):
		return ClassSolvency
	case errors.Is(err, oracle.ErrStalePrice), errors.Is(err, oracle.ErrPriceUnavailable):
		return ClassOracle
	case errors.Is(err, ErrNeedsMoreThanZero), errors.Is(err, ErrTokenNotAllowed),
		errors.Is(err, ErrInvalidAddress),
		errors.Is(err, ledger.ErrInsufficientCollateral), errors.Is(err, ledger.ErrInsufficientDebt):
		return ClassValidation
	case errors.Is(err, ErrTransferFailed), errors.Is(err, ErrMintFailed),
		errors.Is(err, ErrBurnFailed), errors.Is(err, ErrRecordFailed):
		return ClassExternal
	default:
		return ClassInternal
	}
}
