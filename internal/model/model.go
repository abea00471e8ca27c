// Package model defines the domain records shared between the engine, the
// persistence layer and the HTTP API. Amounts crossing those boundaries are
// shopspring/decimal integers in 18-decimal fixed point (wei); never float64
// for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event kinds.
const (
	KindCollateralDeposited = "collateral_deposited"
	KindCollateralRedeemed  = "collateral_redeemed"
	KindDebtMinted          = "debt_minted"
	KindDebtBurned          = "debt_burned"
	KindLiquidation         = "liquidation"
)

// Event is an immutable record of a committed ledger change.
// Once created, events are never modified or deleted.
//
// User is the account whose position changed. Counterparty is the other side
// of the movement: the redemption recipient, the burn payer, or the
// liquidator. They differ during liquidation.
type Event struct {
	ID           string          `json:"id" db:"id"`
	Kind         string          `json:"kind" db:"kind"`
	User         string          `json:"user" db:"user_id"`
	Counterparty string          `json:"counterparty,omitempty" db:"counterparty"`
	Token        string          `json:"token,omitempty" db:"token"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`                  // wei
	Bonus        decimal.Decimal `json:"bonus,omitempty" db:"bonus"`          // wei, liquidation only
	HealthFactor decimal.Decimal `json:"health_factor,omitempty" db:"health"` // 1e18 = 1.0, liquidation only
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// AccountSnapshot is the persisted projection of one user's ledger rows.
type AccountSnapshot struct {
	User       string                     `json:"user"`
	Debt       decimal.Decimal            `json:"debt"`       // wei
	Collateral map[string]decimal.Decimal `json:"collateral"` // token → wei
	UpdatedAt  time.Time                  `json:"updated_at"`
}

// Batch is what one committed engine operation writes to the store.
type Batch struct {
	Events   []Event
	Accounts []AccountSnapshot
}

// CollateralToken is a whitelisted collateral asset and its price feed.
type CollateralToken struct {
	Token  string `json:"token"`
	Symbol string `json:"symbol"`
	Feed   string `json:"feed"`
}
