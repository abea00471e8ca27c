package engine

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/synth-engine/internal/fixed"
	"github.com/atmx/synth-engine/internal/metrics"
	"github.com/atmx/synth-engine/internal/model"
)

// LiquidationResult describes a committed liquidation.
type LiquidationResult struct {
	Target       string
	Liquidator   string
	Token        string
	DebtCovered  *uint256.Int
	Seized       *uint256.Int // debt-equivalent collateral, before bonus
	Bonus        *uint256.Int
	HealthBefore *uint256.Int
	HealthAfter  *uint256.Int
}

// TotalSeized is the collateral handed to the liquidator.
func (r LiquidationResult) TotalSeized() *uint256.Int {
	return new(uint256.Int).Add(r.Seized, r.Bonus)
}

// Liquidate repays debtToCover of target's debt from liquidator's synthetic
// balance and transfers the USD-equivalent collateral plus a 10% bonus from
// target to liquidator. The target must be unsafe beforehand and strictly
// healthier afterwards; the liquidator must remain safe.
//
// The bonus is not capped by the target's remaining collateral. When a
// position is under-collateralized past the bonus the seizure fails with
// ledger.ErrInsufficientCollateral.
func (e *Engine) Liquidate(ctx context.Context, liquidator, tokenID, target string, debtToCover *uint256.Int) (LiquidationResult, error) {
	var res LiquidationResult
	err := e.atomically(ctx, OpLiquidate, func() error {
		if err := requireAccount(liquidator, target); err != nil {
			return err
		}
		if err := requirePositive(debtToCover); err != nil {
			return err
		}
		if _, err := e.requireAllowed(tokenID); err != nil {
			return err
		}

		before, err := e.HealthFactor(ctx, target)
		if err != nil {
			return err
		}
		if !before.Lt(MinHealthFactor) {
			return fmt.Errorf("%w: %s at %s", ErrHealthFactorOk, target, before.Dec())
		}

		seize, err := e.tokenAmountFromUsd(ctx, tokenID, debtToCover)
		if err != nil {
			return err
		}
		bonus, err := fixed.MulDiv(seize, liquidationBonus, liquidationPrecision)
		if err != nil {
			return err
		}
		total, err := fixed.Add(seize, bonus)
		if err != nil {
			return err
		}

		if err := e.redeemCollateral(tokenID, total, target, liquidator); err != nil {
			return err
		}
		if err := e.burn(debtToCover, target, liquidator); err != nil {
			return err
		}

		after, err := e.HealthFactor(ctx, target)
		if err != nil {
			return err
		}
		if !after.Gt(before) {
			return &HealthFactorNotImprovedError{Before: before, After: after}
		}
		if err := e.revertIfHealthFactorIsBroken(ctx, liquidator); err != nil {
			return err
		}

		e.emit(model.Event{
			Kind:         model.KindLiquidation,
			User:         target,
			Counterparty: liquidator,
			Token:        tokenID,
			Amount:       fixed.ToDecimal(debtToCover),
			Bonus:        fixed.ToDecimal(bonus),
			HealthFactor: fixed.ToDecimal(after),
		})
		res = LiquidationResult{
			Target:       target,
			Liquidator:   liquidator,
			Token:        tokenID,
			DebtCovered:  debtToCover.Clone(),
			Seized:       seize,
			Bonus:        bonus,
			HealthBefore: before,
			HealthAfter:  after,
		}
		return nil
	})
	if err != nil {
		return LiquidationResult{}, err
	}

	metrics.LiquidationsTotal.WithLabelValues(tokenID).Inc()
	metrics.CollateralSeized.WithLabelValues(tokenID).Add(fixed.ToUnits(res.TotalSeized()).InexactFloat64())
	e.logger.Info("position liquidated",
		"target", res.Target,
		"liquidator", res.Liquidator,
		"token", res.Token,
		"debt_covered", fixed.ToUnits(res.DebtCovered).String(),
		"seized", fixed.ToUnits(res.TotalSeized()).String(),
		"health_before", fixed.ToUnits(res.HealthBefore).String(),
		"health_after", fixed.ToUnits(res.HealthAfter).String(),
	)
	return res, nil
}
