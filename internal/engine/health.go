package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/synth-engine/internal/fixed"
	"github.com/atmx/synth-engine/internal/metrics"
	"github.com/atmx/synth-engine/internal/oracle"
)

var (
	liquidationThreshold = uint256.NewInt(LiquidationThreshold)
	liquidationBonus     = uint256.NewInt(LiquidationBonus)
	liquidationPrecision = uint256.NewInt(LiquidationPrecision)
)

// CalculateHealthFactor returns collateral value, discounted to the
// liquidation threshold, over debt in 1e18 fixed point. Zero debt is reported
// as MaxHealthFactor.
func CalculateHealthFactor(debt, collateralUsd *uint256.Int) (*uint256.Int, error) {
	if debt.IsZero() {
		return MaxHealthFactor.Clone(), nil
	}
	adjusted, err := fixed.MulDiv(collateralUsd, liquidationThreshold, liquidationPrecision)
	if err != nil {
		return nil, err
	}
	return fixed.MulDiv(adjusted, fixed.Precision, debt)
}

// AccountInfo returns user's debt and the USD value of all their collateral.
func (e *Engine) AccountInfo(ctx context.Context, user string) (debt, collateralUsd *uint256.Int, err error) {
	collateralUsd, err = e.CollateralValueUsd(ctx, user)
	if err != nil {
		return nil, nil, err
	}
	return e.ledger.Debt(user), collateralUsd, nil
}

// HealthFactor returns user's current health factor. An account without debt
// is reported as MaxHealthFactor without consulting prices.
func (e *Engine) HealthFactor(ctx context.Context, user string) (*uint256.Int, error) {
	debt := e.ledger.Debt(user)
	if debt.IsZero() {
		return MaxHealthFactor.Clone(), nil
	}
	collateralUsd, err := e.CollateralValueUsd(ctx, user)
	if err != nil {
		return nil, err
	}
	return CalculateHealthFactor(debt, collateralUsd)
}

// CollateralValueUsd sums the USD value of every whitelisted token user holds.
// Tokens with a zero balance are skipped, so their feeds are never read.
func (e *Engine) CollateralValueUsd(ctx context.Context, user string) (*uint256.Int, error) {
	total := fixed.Zero()
	for _, id := range e.order {
		amount := e.ledger.Collateral(user, id)
		if amount.IsZero() {
			continue
		}
		v, err := e.usdValue(ctx, id, amount)
		if err != nil {
			return nil, err
		}
		if total, err = fixed.Add(total, v); err != nil {
			return nil, err
		}
	}
	return total, nil
}

// UsdValue prices amount of a whitelisted token in 1e18 USD.
func (e *Engine) UsdValue(ctx context.Context, tokenID string, amount *uint256.Int) (*uint256.Int, error) {
	if _, err := e.requireAllowed(tokenID); err != nil {
		return nil, err
	}
	return e.usdValue(ctx, tokenID, amount)
}

// TokenAmountFromUsd converts a 1e18 USD amount to units of a whitelisted
// token, truncating.
func (e *Engine) TokenAmountFromUsd(ctx context.Context, tokenID string, usd *uint256.Int) (*uint256.Int, error) {
	if _, err := e.requireAllowed(tokenID); err != nil {
		return nil, err
	}
	return e.tokenAmountFromUsd(ctx, tokenID, usd)
}

func (e *Engine) usdValue(ctx context.Context, tokenID string, amount *uint256.Int) (*uint256.Int, error) {
	price, err := e.scaledPrice(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	return fixed.MulDiv(price, amount, fixed.Precision)
}

func (e *Engine) tokenAmountFromUsd(ctx context.Context, tokenID string, usd *uint256.Int) (*uint256.Int, error) {
	price, err := e.scaledPrice(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	return fixed.MulDiv(usd, fixed.Precision, price)
}

// scaledPrice reads the token's feed and lifts it to 18 decimals.
func (e *Engine) scaledPrice(ctx context.Context, tokenID string) (*uint256.Int, error) {
	feed := e.feeds[tokenID]
	p, err := e.oracle.Price(ctx, feed)
	if err != nil {
		if errors.Is(err, oracle.ErrStalePrice) || errors.Is(err, oracle.ErrPriceUnavailable) {
			metrics.OracleFailures.WithLabelValues(feed).Inc()
		}
		return nil, fmt.Errorf("pricing %s: %w", tokenID, err)
	}
	return fixed.Mul(p.Value, fixed.AdditionalFeedPrecision)
}

func (e *Engine) revertIfHealthFactorIsBroken(ctx context.Context, user string) error {
	hf, err := e.HealthFactor(ctx, user)
	if err != nil {
		return err
	}
	if hf.Lt(MinHealthFactor) {
		return &BreaksHealthFactorError{User: user, HealthFactor: hf}
	}
	return nil
}

// Solvency is a point-in-time view of the whole system.
type Solvency struct {
	TotalCollateralUsd *uint256.Int
	TotalDebt          *uint256.Int
	Solvent            bool     // collateral value covers the synthetic supply
	Liquidatable       []string // indebted users below the minimum health factor, sorted
}

// CheckSolvency values every deposit at current prices and compares the total
// with outstanding debt.
func (e *Engine) CheckSolvency(ctx context.Context) (Solvency, error) {
	total := fixed.Zero()
	for _, id := range e.order {
		held := e.ledger.TotalCollateral(id)
		if held.IsZero() {
			continue
		}
		v, err := e.usdValue(ctx, id, held)
		if err != nil {
			return Solvency{}, err
		}
		if total, err = fixed.Add(total, v); err != nil {
			return Solvency{}, err
		}
	}
	debt := e.ledger.TotalDebt()

	var liquidatable []string
	for _, user := range e.ledger.Users() {
		if e.ledger.Debt(user).IsZero() {
			continue
		}
		hf, err := e.HealthFactor(ctx, user)
		if err != nil {
			return Solvency{}, err
		}
		if hf.Lt(MinHealthFactor) {
			liquidatable = append(liquidatable, user)
		}
	}

	return Solvency{
		TotalCollateralUsd: total,
		TotalDebt:          debt,
		Solvent:            !total.Lt(debt),
		Liquidatable:       liquidatable,
	}, nil
}
