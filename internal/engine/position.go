package engine

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/synth-engine/internal/fixed"
	"github.com/atmx/synth-engine/internal/model"
)

// DepositCollateral moves amount of token from user into engine custody and
// credits user's collateral.
func (e *Engine) DepositCollateral(ctx context.Context, user, tokenID string, amount *uint256.Int) error {
	return e.atomically(ctx, OpDeposit, func() error {
		return e.depositCollateral(user, tokenID, amount)
	})
}

// DepositCollateralAndMint deposits collateral and mints synthetic against it
// as one operation.
func (e *Engine) DepositCollateralAndMint(ctx context.Context, user, tokenID string, amount, mintAmount *uint256.Int) error {
	return e.atomically(ctx, OpDepositAndMint, func() error {
		if err := requirePositive(mintAmount); err != nil {
			return err
		}
		if err := e.depositCollateral(user, tokenID, amount); err != nil {
			return err
		}
		return e.mint(ctx, user, mintAmount)
	})
}

// RedeemCollateral returns amount of token to user. The resulting position
// must stay healthy.
func (e *Engine) RedeemCollateral(ctx context.Context, user, tokenID string, amount *uint256.Int) error {
	return e.atomically(ctx, OpRedeem, func() error {
		if err := requireAccount(user); err != nil {
			return err
		}
		if err := requirePositive(amount); err != nil {
			return err
		}
		if _, err := e.requireAllowed(tokenID); err != nil {
			return err
		}
		if err := e.redeemCollateral(tokenID, amount, user, user); err != nil {
			return err
		}
		return e.revertIfHealthFactorIsBroken(ctx, user)
	})
}

// RedeemCollateralForDebt burns burnAmount of user's debt and then redeems
// amount of token, checking health once at the end.
func (e *Engine) RedeemCollateralForDebt(ctx context.Context, user, tokenID string, amount, burnAmount *uint256.Int) error {
	return e.atomically(ctx, OpRedeemForDebt, func() error {
		if err := requireAccount(user); err != nil {
			return err
		}
		if err := requirePositive(amount); err != nil {
			return err
		}
		if err := requirePositive(burnAmount); err != nil {
			return err
		}
		if _, err := e.requireAllowed(tokenID); err != nil {
			return err
		}
		if err := e.burn(burnAmount, user, user); err != nil {
			return err
		}
		if err := e.redeemCollateral(tokenID, amount, user, user); err != nil {
			return err
		}
		return e.revertIfHealthFactorIsBroken(ctx, user)
	})
}

// Mint issues amount of synthetic to user as new debt.
func (e *Engine) Mint(ctx context.Context, user string, amount *uint256.Int) error {
	return e.atomically(ctx, OpMint, func() error {
		if err := requirePositive(amount); err != nil {
			return err
		}
		return e.mint(ctx, user, amount)
	})
}

// Burn repays amount of user's debt with synthetic pulled from user.
func (e *Engine) Burn(ctx context.Context, user string, amount *uint256.Int) error {
	return e.atomically(ctx, OpBurn, func() error {
		if err := requireAccount(user); err != nil {
			return err
		}
		if err := requirePositive(amount); err != nil {
			return err
		}
		if err := e.burn(amount, user, user); err != nil {
			return err
		}
		// Repaying can only raise the ratio; kept for parity with every other
		// debt-changing path.
		return e.revertIfHealthFactorIsBroken(ctx, user)
	})
}

func (e *Engine) depositCollateral(user, tokenID string, amount *uint256.Int) error {
	if err := requireAccount(user); err != nil {
		return err
	}
	if err := requirePositive(amount); err != nil {
		return err
	}
	t, err := e.requireAllowed(tokenID)
	if err != nil {
		return err
	}

	if err := e.ledger.AddCollateral(user, tokenID, amount); err != nil {
		return err
	}
	e.emit(model.Event{
		Kind:   model.KindCollateralDeposited,
		User:   user,
		Token:  tokenID,
		Amount: fixed.ToDecimal(amount),
	})
	if err := t.TransferFrom(e.address, user, e.address, amount); err != nil {
		return fmt.Errorf("%w: %s from %s: %w", ErrTransferFailed, tokenID, user, err)
	}

	e.logger.Info("collateral deposited",
		"user", user,
		"token", tokenID,
		"amount", fixed.ToUnits(amount).String(),
	)
	return nil
}

// redeemCollateral debits from's position and sends the tokens to to. Health
// is the caller's concern.
func (e *Engine) redeemCollateral(tokenID string, amount *uint256.Int, from, to string) error {
	if err := e.ledger.SubCollateral(from, tokenID, amount); err != nil {
		return err
	}
	e.emit(model.Event{
		Kind:         model.KindCollateralRedeemed,
		User:         from,
		Counterparty: to,
		Token:        tokenID,
		Amount:       fixed.ToDecimal(amount),
	})
	if err := e.tokens[tokenID].Transfer(e.address, to, amount); err != nil {
		return fmt.Errorf("%w: %s to %s: %w", ErrTransferFailed, tokenID, to, err)
	}

	e.logger.Info("collateral redeemed",
		"from", from,
		"to", to,
		"token", tokenID,
		"amount", fixed.ToUnits(amount).String(),
	)
	return nil
}

func (e *Engine) mint(ctx context.Context, user string, amount *uint256.Int) error {
	if err := requireAccount(user); err != nil {
		return err
	}
	if err := e.ledger.AddDebt(user, amount); err != nil {
		return err
	}
	if err := e.revertIfHealthFactorIsBroken(ctx, user); err != nil {
		return err
	}
	e.emit(model.Event{
		Kind:   model.KindDebtMinted,
		User:   user,
		Token:  e.synthetic.ID(),
		Amount: fixed.ToDecimal(amount),
	})
	if err := e.synthetic.Mint(e.address, user, amount); err != nil {
		return fmt.Errorf("%w: %w", ErrMintFailed, err)
	}

	e.logger.Info("synthetic minted",
		"user", user,
		"amount", fixed.ToUnits(amount).String(),
	)
	return nil
}

// burn clears amount of onBehalfOf's debt using synthetic held by payer. The
// pulled tokens are destroyed, so supply tracks outstanding debt.
func (e *Engine) burn(amount *uint256.Int, onBehalfOf, payer string) error {
	if err := e.ledger.SubDebt(onBehalfOf, amount); err != nil {
		return err
	}
	e.emit(model.Event{
		Kind:         model.KindDebtBurned,
		User:         onBehalfOf,
		Counterparty: payer,
		Token:        e.synthetic.ID(),
		Amount:       fixed.ToDecimal(amount),
	})
	if err := e.synthetic.TransferFrom(e.address, payer, e.address, amount); err != nil {
		return fmt.Errorf("%w: synthetic from %s: %w", ErrTransferFailed, payer, err)
	}
	if err := e.synthetic.Burn(e.address, amount); err != nil {
		return fmt.Errorf("%w: %w", ErrBurnFailed, err)
	}

	e.logger.Info("synthetic burned",
		"user", onBehalfOf,
		"payer", payer,
		"amount", fixed.ToUnits(amount).String(),
	)
	return nil
}
