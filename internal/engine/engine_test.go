package engine_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/synth-engine/internal/engine"
	"github.com/atmx/synth-engine/internal/fixed"
	"github.com/atmx/synth-engine/internal/ledger"
	"github.com/atmx/synth-engine/internal/model"
	"github.com/atmx/synth-engine/internal/oracle"
	"github.com/atmx/synth-engine/internal/token"
)

const (
	engineAddr = "engine"
	weth       = "weth"
	wbtc       = "wbtc"
	ethFeed    = "eth-usd"
	btcFeed    = "btc-usd"
	dsc        = "dsc"

	ethPrice = 2000_00000000
	btcPrice = 30000_00000000
)

var t0 = time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

type recorder struct {
	batches []model.Batch
	err     error
}

func (r *recorder) Apply(_ context.Context, b model.Batch) error {
	if r.err != nil {
		return r.err
	}
	r.batches = append(r.batches, b)
	return nil
}

type testEnv struct {
	eng   *engine.Engine
	weth  *token.Ledger
	wbtc  *token.Ledger
	dsc   *token.Ledger
	feed  *oracle.Feed
	clock *clock
	rec   *recorder
	seen  []model.Event
}

func units(n uint64) *uint256.Int { return fixed.Units(n) }

func parse(t *testing.T, s string) *uint256.Int {
	t.Helper()
	v, err := fixed.ParseUnits(s)
	require.NoError(t, err)
	return v
}

// newTestEnv wires an engine over two collateral tokens priced at $2000 and
// $30000.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		weth:  token.NewLedger(weth, "WETH", ""),
		wbtc:  token.NewLedger(wbtc, "WBTC", ""),
		dsc:   token.NewLedger(dsc, "DSC", engineAddr),
		clock: &clock{now: t0},
		rec:   &recorder{},
	}
	env.feed = oracle.NewFeed(env.clock.Now)
	env.feed.SetPrice(ethFeed, ethPrice)
	env.feed.SetPrice(btcFeed, btcPrice)

	eng, err := engine.New(engine.Config{
		Address:          engineAddr,
		CollateralTokens: []string{weth, wbtc},
		PriceFeeds:       []string{ethFeed, btcFeed},
		Synthetic:        dsc,
	}, engine.Deps{
		Tokens:    []token.Token{env.weth, env.wbtc},
		Synthetic: env.dsc,
		Oracle:    oracle.NewGateway(env.feed, oracle.WithClock(env.clock.Now)),
	},
		engine.WithRecorder(env.rec),
		engine.WithClock(env.clock.Now),
		engine.WithListener(func(ev model.Event) { env.seen = append(env.seen, ev) }),
	)
	require.NoError(t, err)
	env.eng = eng
	return env
}

// fund gives user n whole WETH and approves the engine for everything.
func (env *testEnv) fund(t *testing.T, user string, n uint64) {
	t.Helper()
	require.NoError(t, env.weth.Faucet(user, units(n)))
	require.NoError(t, env.weth.Approve(user, engineAddr, fixed.Max))
	require.NoError(t, env.dsc.Approve(user, engineAddr, fixed.Max))
}

func (env *testEnv) setEthPrice(usd int64) {
	env.feed.SetPrice(ethFeed, usd*100_000_000)
}

// state captures everything an operation may touch for user.
type state struct {
	collateral, debt, userWeth, engineWeth, userDsc, supply string
	batches                                                 int
}

func (env *testEnv) state(user string) state {
	return state{
		collateral: env.eng.CollateralBalance(user, weth).Dec(),
		debt:       env.eng.Debt(user).Dec(),
		userWeth:   env.weth.BalanceOf(user).Dec(),
		engineWeth: env.weth.BalanceOf(engineAddr).Dec(),
		userDsc:    env.dsc.BalanceOf(user).Dec(),
		supply:     env.dsc.TotalSupply().Dec(),
		batches:    len(env.rec.batches),
	}
}

// --- Construction ---

func TestNew_RejectsBadConfig(t *testing.T) {
	w := token.NewLedger(weth, "WETH", "")
	s := token.NewLedger(dsc, "DSC", engineAddr)
	gw := oracle.NewGateway(oracle.NewFeed(nil))
	deps := engine.Deps{Tokens: []token.Token{w}, Synthetic: s, Oracle: gw}

	cases := []struct {
		name string
		cfg  engine.Config
		want error
	}{
		{"length mismatch", engine.Config{Address: engineAddr, CollateralTokens: []string{weth}, Synthetic: dsc}, engine.ErrConfigLengthMismatch},
		{"duplicate", engine.Config{Address: engineAddr, CollateralTokens: []string{weth, weth}, PriceFeeds: []string{ethFeed, ethFeed}, Synthetic: dsc}, engine.ErrDuplicateToken},
		{"unknown token", engine.Config{Address: engineAddr, CollateralTokens: []string{wbtc}, PriceFeeds: []string{btcFeed}, Synthetic: dsc}, engine.ErrUnknownToken},
		{"synthetic mismatch", engine.Config{Address: engineAddr, CollateralTokens: []string{weth}, PriceFeeds: []string{ethFeed}, Synthetic: "other"}, engine.ErrSyntheticMismatch},
		{"synthetic not owned by engine", engine.Config{Address: "elsewhere", CollateralTokens: []string{weth}, PriceFeeds: []string{ethFeed}, Synthetic: dsc}, engine.ErrSyntheticMismatch},
		{"no address", engine.Config{CollateralTokens: []string{weth}, PriceFeeds: []string{ethFeed}, Synthetic: dsc}, engine.ErrInvalidAddress},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := engine.New(tc.cfg, deps)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestGetters(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, []model.CollateralToken{
		{Token: weth, Symbol: "WETH", Feed: ethFeed},
		{Token: wbtc, Symbol: "WBTC", Feed: btcFeed},
	}, env.eng.CollateralTokens())
	feed, ok := env.eng.PriceFeed(wbtc)
	assert.True(t, ok)
	assert.Equal(t, btcFeed, feed)
	assert.Equal(t, dsc, env.eng.Synthetic())
	assert.Equal(t, engineAddr, env.eng.Address())
}

// --- Valuation ---

func TestUsdValue(t *testing.T) {
	env := newTestEnv(t)

	v, err := env.eng.UsdValue(context.Background(), weth, units(15))
	require.NoError(t, err)
	assert.Equal(t, units(30000), v)
}

func TestTokenAmountFromUsd(t *testing.T) {
	env := newTestEnv(t)

	v, err := env.eng.TokenAmountFromUsd(context.Background(), weth, units(100))
	require.NoError(t, err)
	assert.Equal(t, parse(t, "0.05"), v)
}

func TestTokenAmountFromUsd_ThousandDollarsAtTwoThousand(t *testing.T) {
	env := newTestEnv(t)

	v, err := env.eng.TokenAmountFromUsd(context.Background(), weth, units(1000))
	require.NoError(t, err)
	assert.Equal(t, uint256.NewInt(500_000_000_000_000_000), v)
}

func TestValuation_RoundTripLosesAtMostTruncation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	amounts := []*uint256.Int{
		uint256.NewInt(1),
		uint256.NewInt(999),
		parse(t, "0.000000000123456789"),
		parse(t, "0.5"),
		units(1),
		parse(t, "15.333333333333333333"),
		parse(t, "7700"),
	}
	for _, price := range []int64{1, 3, 1999, 2000, 12345} {
		env.setEthPrice(price)
		scaled := new(uint256.Int).Mul(uint256.NewInt(uint64(price)), fixed.Precision)
		// usd truncates by under one wei of value, which is 1e18/price wei of
		// token, and the inverse truncates by under one more.
		bound := new(uint256.Int).AddUint64(new(uint256.Int).Div(fixed.Precision, scaled), 1)

		for _, amount := range amounts {
			usd, err := env.eng.UsdValue(ctx, weth, amount)
			require.NoError(t, err)
			back, err := env.eng.TokenAmountFromUsd(ctx, weth, usd)
			require.NoError(t, err)

			require.False(t, back.Gt(amount), "price %d amount %s: got back %s", price, amount.Dec(), back.Dec())
			diff := new(uint256.Int).Sub(amount, back)
			assert.False(t, diff.Gt(bound), "price %d amount %s: lost %s wei", price, amount.Dec(), diff.Dec())
		}
	}
}

func TestValuation_RejectsUnlistedToken(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.eng.UsdValue(context.Background(), "doge", units(1))
	assert.ErrorIs(t, err, engine.ErrTokenNotAllowed)
}

func TestCalculateHealthFactor(t *testing.T) {
	hf, err := engine.CalculateHealthFactor(units(100), units(1000))
	require.NoError(t, err)
	assert.Equal(t, units(5), hf)

	hf, err = engine.CalculateHealthFactor(fixed.Zero(), units(1000))
	require.NoError(t, err)
	assert.Equal(t, engine.MaxHealthFactor, hf)
}

// --- Health factor ---

func TestHealthFactor_ExactlyOneIsSafe(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "alice", 10)

	require.NoError(t, env.eng.DepositCollateralAndMint(ctx, "alice", weth, units(10), units(10000)))

	hf, err := env.eng.HealthFactor(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, fixed.Precision, hf)

	_, err = env.eng.Liquidate(ctx, "bob", weth, "alice", units(1))
	assert.ErrorIs(t, err, engine.ErrHealthFactorOk)
}

func TestHealthFactor_NoDebtIsMaxEvenWhenStale(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "alice", 10)
	require.NoError(t, env.eng.DepositCollateral(ctx, "alice", weth, units(10)))

	env.clock.now = t0.Add(oracle.DefaultTimeout + time.Minute)

	hf, err := env.eng.HealthFactor(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, engine.MaxHealthFactor, hf)
}

func TestAccountInfo(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "alice", 10)
	require.NoError(t, env.wbtc.Faucet("alice", units(1)))
	require.NoError(t, env.wbtc.Approve("alice", engineAddr, fixed.Max))

	require.NoError(t, env.eng.DepositCollateral(ctx, "alice", weth, units(2)))
	require.NoError(t, env.eng.DepositCollateral(ctx, "alice", wbtc, units(1)))
	require.NoError(t, env.eng.Mint(ctx, "alice", units(1000)))

	debt, usd, err := env.eng.AccountInfo(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, units(1000), debt)
	assert.Equal(t, units(34000), usd)
}

// --- Position operations ---

func TestDeposit_MovesCustody(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", 10)

	require.NoError(t, env.eng.DepositCollateral(context.Background(), "alice", weth, units(4)))

	assert.Equal(t, units(4), env.eng.CollateralBalance("alice", weth))
	assert.Equal(t, units(6), env.weth.BalanceOf("alice"))
	assert.Equal(t, units(4), env.weth.BalanceOf(engineAddr))
	require.Len(t, env.seen, 1)
	assert.Equal(t, model.KindCollateralDeposited, env.seen[0].Kind)
	assert.Equal(t, t0, env.seen[0].Timestamp)
}

func TestDeposit_InputValidationTouchesNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "alice", 10)
	before := env.state("alice")

	assert.ErrorIs(t, env.eng.DepositCollateral(ctx, "alice", weth, fixed.Zero()), engine.ErrNeedsMoreThanZero)
	assert.ErrorIs(t, env.eng.DepositCollateral(ctx, "alice", "doge", units(1)), engine.ErrTokenNotAllowed)
	assert.ErrorIs(t, env.eng.DepositCollateral(ctx, "", weth, units(1)), engine.ErrInvalidAddress)
	assert.Equal(t, before, env.state("alice"))
	assert.Empty(t, env.seen)
}

func TestDeposit_TransferFailureRollsBackLedger(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.weth.Faucet("alice", units(10)))

	err := env.eng.DepositCollateral(context.Background(), "alice", weth, units(1))
	require.ErrorIs(t, err, engine.ErrTransferFailed)
	assert.ErrorIs(t, err, token.ErrInsufficientAllowed)
	assert.True(t, env.eng.CollateralBalance("alice", weth).IsZero())
	assert.Empty(t, env.rec.batches)
}

func TestMint_BreaksHealthFactorIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "alice", 10)
	require.NoError(t, env.eng.DepositCollateral(ctx, "alice", weth, units(10)))
	before := env.state("alice")

	err := env.eng.Mint(ctx, "alice", units(10001))
	require.ErrorIs(t, err, engine.ErrBreaksHealthFactor)

	var hfErr *engine.BreaksHealthFactorError
	require.True(t, errors.As(err, &hfErr))
	assert.True(t, hfErr.HealthFactor.Lt(engine.MinHealthFactor))
	assert.Equal(t, before, env.state("alice"))
	assert.Equal(t, engine.ClassSolvency, engine.Classify(err))
}

func TestMint_RejectsZero(t *testing.T) {
	env := newTestEnv(t)
	assert.ErrorIs(t, env.eng.Mint(context.Background(), "alice", fixed.Zero()), engine.ErrNeedsMoreThanZero)
}

func TestRedeem(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "alice", 10)
	require.NoError(t, env.eng.DepositCollateralAndMint(ctx, "alice", weth, units(10), units(5000)))

	// 5 WETH left backs exactly 5000.
	require.NoError(t, env.eng.RedeemCollateral(ctx, "alice", weth, units(5)))
	assert.Equal(t, units(5), env.eng.CollateralBalance("alice", weth))
	assert.Equal(t, units(5), env.weth.BalanceOf("alice"))

	before := env.state("alice")
	err := env.eng.RedeemCollateral(ctx, "alice", weth, parse(t, "0.000000000000000001"))
	assert.ErrorIs(t, err, engine.ErrBreaksHealthFactor)
	assert.Equal(t, before, env.state("alice"))
}

func TestRedeem_MoreThanDeposited(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "alice", 10)
	require.NoError(t, env.eng.DepositCollateral(ctx, "alice", weth, units(3)))

	err := env.eng.RedeemCollateral(ctx, "alice", weth, units(4))
	assert.ErrorIs(t, err, ledger.ErrInsufficientCollateral)
	assert.Equal(t, units(3), env.eng.CollateralBalance("alice", weth))
}

func TestBurn(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "alice", 10)
	require.NoError(t, env.eng.DepositCollateralAndMint(ctx, "alice", weth, units(10), units(100)))

	require.NoError(t, env.eng.Burn(ctx, "alice", units(40)))
	assert.Equal(t, units(60), env.eng.Debt("alice"))
	assert.Equal(t, units(60), env.dsc.BalanceOf("alice"))
	assert.Equal(t, units(60), env.dsc.TotalSupply())
	assert.True(t, env.dsc.BalanceOf(engineAddr).IsZero())

	err := env.eng.Burn(ctx, "alice", units(61))
	assert.ErrorIs(t, err, ledger.ErrInsufficientDebt)
	assert.Equal(t, units(60), env.eng.Debt("alice"))
}

func TestBurn_WithoutAllowanceFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "alice", 10)
	require.NoError(t, env.eng.DepositCollateralAndMint(ctx, "alice", weth, units(10), units(100)))
	require.NoError(t, env.dsc.Approve("alice", engineAddr, fixed.Zero()))

	err := env.eng.Burn(ctx, "alice", units(1))
	assert.ErrorIs(t, err, engine.ErrTransferFailed)
	assert.Equal(t, units(100), env.eng.Debt("alice"))
}

func TestRedeemCollateralForDebt_FullExit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "alice", 10)
	require.NoError(t, env.eng.DepositCollateralAndMint(ctx, "alice", weth, units(10), units(10000)))

	require.NoError(t, env.eng.RedeemCollateralForDebt(ctx, "alice", weth, units(10), units(10000)))

	assert.True(t, env.eng.Debt("alice").IsZero())
	assert.True(t, env.eng.CollateralBalance("alice", weth).IsZero())
	assert.Equal(t, units(10), env.weth.BalanceOf("alice"))
	assert.True(t, env.dsc.TotalSupply().IsZero())
}

func TestDepositAndMint_FailedMintDiscardsDeposit(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", 10)
	before := env.state("alice")

	err := env.eng.DepositCollateralAndMint(context.Background(), "alice", weth, units(10), units(10001))
	require.ErrorIs(t, err, engine.ErrBreaksHealthFactor)
	assert.Equal(t, before, env.state("alice"))
	assert.Empty(t, env.seen)
}

func TestRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "alice", 10)
	before := env.state("alice")

	require.NoError(t, env.eng.DepositCollateral(ctx, "alice", weth, units(10)))
	require.NoError(t, env.eng.Mint(ctx, "alice", units(2500)))
	require.NoError(t, env.eng.Burn(ctx, "alice", units(2500)))
	require.NoError(t, env.eng.RedeemCollateral(ctx, "alice", weth, units(10)))

	after := env.state("alice")
	after.batches = before.batches
	assert.Equal(t, before, after)
}

// --- Oracle ---

func TestStalePriceBlocksDependentOperations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "alice", 10)
	require.NoError(t, env.eng.DepositCollateralAndMint(ctx, "alice", weth, units(10), units(1000)))
	env.clock.now = t0.Add(oracle.DefaultTimeout + time.Second)
	before := env.state("alice")

	err := env.eng.Mint(ctx, "alice", units(1))
	assert.ErrorIs(t, err, oracle.ErrStalePrice)
	assert.Equal(t, engine.ClassOracle, engine.Classify(err))

	err = env.eng.RedeemCollateral(ctx, "alice", weth, units(1))
	assert.ErrorIs(t, err, oracle.ErrStalePrice)

	_, err = env.eng.HealthFactor(ctx, "alice")
	assert.ErrorIs(t, err, oracle.ErrStalePrice)
	_, err = env.eng.Liquidate(ctx, "bob", weth, "alice", units(1))
	assert.ErrorIs(t, err, oracle.ErrStalePrice)
	assert.Equal(t, before, env.state("alice"))

	// Deposits never read prices.
	require.NoError(t, env.eng.DepositCollateral(ctx, "alice", weth, units(1)))
}

// --- Liquidation ---

func TestLiquidate_RestoresHealth(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "alice", 10)
	env.fund(t, "liq", 20)
	require.NoError(t, env.eng.DepositCollateralAndMint(ctx, "alice", weth, units(10), units(10000)))
	require.NoError(t, env.eng.DepositCollateralAndMint(ctx, "liq", weth, units(20), units(5000)))

	env.setEthPrice(1800)
	res, err := env.eng.Liquidate(ctx, "liq", weth, "alice", units(5000))
	require.NoError(t, err)

	seize := uint256.MustFromDecimal("2777777777777777777")
	bonus := uint256.MustFromDecimal("277777777777777777")
	assert.Equal(t, seize, res.Seized)
	assert.Equal(t, bonus, res.Bonus)
	assert.Equal(t, parse(t, "0.9"), res.HealthBefore)
	assert.True(t, res.HealthAfter.Gt(res.HealthBefore))

	total := res.TotalSeized()
	assert.Equal(t, new(uint256.Int).Sub(units(10), total), env.eng.CollateralBalance("alice", weth))
	assert.Equal(t, total, env.weth.BalanceOf("liq"))
	assert.Equal(t, units(5000), env.eng.Debt("alice"))
	assert.True(t, env.dsc.BalanceOf("liq").IsZero())
	assert.Equal(t, units(10000), env.dsc.TotalSupply())

	var kinds []string
	for _, ev := range env.rec.batches[len(env.rec.batches)-1].Events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []string{model.KindCollateralRedeemed, model.KindDebtBurned, model.KindLiquidation}, kinds)
}

// At a 100% collateral ratio the bonus cannot be paid without lowering the
// target's ratio, so the liquidation is refused.
func TestLiquidate_AtFullCollateralRatioDoesNotImprove(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "alice", 10)
	env.fund(t, "liq", 20)
	require.NoError(t, env.eng.DepositCollateralAndMint(ctx, "alice", weth, units(10), units(10000)))
	require.NoError(t, env.eng.DepositCollateralAndMint(ctx, "liq", weth, units(20), units(5000)))

	env.setEthPrice(1000)
	hf, err := env.eng.HealthFactor(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, parse(t, "0.5"), hf)

	seize, err := env.eng.TokenAmountFromUsd(ctx, weth, units(5000))
	require.NoError(t, err)
	assert.Equal(t, units(5), seize)

	before := env.state("alice")
	_, err = env.eng.Liquidate(ctx, "liq", weth, "alice", units(5000))
	require.ErrorIs(t, err, engine.ErrHealthFactorNotImproved)

	var nerr *engine.HealthFactorNotImprovedError
	require.True(t, errors.As(err, &nerr))
	assert.Equal(t, parse(t, "0.5"), nerr.Before)
	assert.Equal(t, parse(t, "0.45"), nerr.After)
	assert.Equal(t, before, env.state("alice"))
	assert.Equal(t, units(5000), env.dsc.BalanceOf("liq"))
}

func TestLiquidate_BonusBeyondCollateralSurfaces(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "alice", 10)
	env.fund(t, "liq", 100)
	require.NoError(t, env.eng.DepositCollateralAndMint(ctx, "alice", weth, units(10), units(10000)))
	require.NoError(t, env.eng.DepositCollateralAndMint(ctx, "liq", weth, units(100), units(10000)))

	env.setEthPrice(500)
	_, err := env.eng.Liquidate(ctx, "liq", weth, "alice", units(10000))
	assert.ErrorIs(t, err, ledger.ErrInsufficientCollateral)
	assert.Equal(t, units(10), env.eng.CollateralBalance("alice", weth))
}

func TestLiquidate_LiquidatorMustStaySafe(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "alice", 10)
	env.fund(t, "liq", 10)
	require.NoError(t, env.eng.DepositCollateralAndMint(ctx, "alice", weth, units(10), units(10000)))
	require.NoError(t, env.eng.DepositCollateralAndMint(ctx, "liq", weth, units(10), units(10000)))

	env.setEthPrice(1800)
	_, err := env.eng.Liquidate(ctx, "liq", weth, "alice", units(5000))
	require.ErrorIs(t, err, engine.ErrBreaksHealthFactor)

	var hfErr *engine.BreaksHealthFactorError
	require.True(t, errors.As(err, &hfErr))
	assert.Equal(t, "liq", hfErr.User)
	assert.Equal(t, units(10000), env.eng.Debt("alice"))
}

func TestLiquidate_InputValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.eng.Liquidate(ctx, "liq", weth, "alice", fixed.Zero())
	assert.ErrorIs(t, err, engine.ErrNeedsMoreThanZero)
	_, err = env.eng.Liquidate(ctx, "liq", "doge", "alice", units(1))
	assert.ErrorIs(t, err, engine.ErrTokenNotAllowed)
	_, err = env.eng.Liquidate(ctx, "liq", weth, "alice", units(1))
	assert.ErrorIs(t, err, engine.ErrHealthFactorOk, "debt-free accounts are never liquidatable")
}

// --- Atomicity ---

func TestReentrantCallFromCustodyCallbackIsRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "alice", 10)
	require.NoError(t, env.eng.DepositCollateral(ctx, "alice", weth, units(10)))

	var inner error
	env.weth.SetReceiveHook(func(_, _, to string, _ *uint256.Int) error {
		if to != "alice" {
			return nil
		}
		inner = env.eng.Mint(ctx, "alice", units(1))
		return inner
	})
	before := env.state("alice")

	err := env.eng.RedeemCollateral(ctx, "alice", weth, units(1))
	require.ErrorIs(t, err, engine.ErrTransferFailed)
	assert.ErrorIs(t, err, engine.ErrReentrantCall)
	assert.ErrorIs(t, inner, engine.ErrReentrantCall)
	assert.Equal(t, before, env.state("alice"))

	// A callback that swallows the rejection lets the outer call finish alone.
	env.weth.SetReceiveHook(func(_, _, to string, _ *uint256.Int) error {
		if to == "alice" {
			inner = env.eng.Mint(ctx, "alice", units(1))
		}
		return nil
	})
	require.NoError(t, env.eng.RedeemCollateral(ctx, "alice", weth, units(1)))
	assert.ErrorIs(t, inner, engine.ErrReentrantCall)
	assert.True(t, env.eng.Debt("alice").IsZero())
	assert.Equal(t, units(9), env.eng.CollateralBalance("alice", weth))
}

func TestRecorderFailureRevertsOperation(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", 10)
	env.rec.err = errors.New("disk full")
	before := env.state("alice")

	err := env.eng.DepositCollateral(context.Background(), "alice", weth, units(1))
	require.ErrorIs(t, err, engine.ErrRecordFailed)
	assert.Equal(t, engine.ClassExternal, engine.Classify(err))
	assert.Equal(t, before, env.state("alice"))
	assert.Empty(t, env.seen, "listeners only hear committed events")
}

func TestRecorderReceivesAccountProjection(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", 10)

	require.NoError(t, env.eng.DepositCollateralAndMint(context.Background(), "alice", weth, units(3), units(100)))

	require.Len(t, env.rec.batches, 1)
	b := env.rec.batches[0]
	require.Len(t, b.Events, 2)
	assert.Equal(t, model.KindCollateralDeposited, b.Events[0].Kind)
	assert.Equal(t, model.KindDebtMinted, b.Events[1].Kind)
	assert.NotEqual(t, b.Events[0].ID, b.Events[1].ID)

	require.Len(t, b.Accounts, 1)
	acct := b.Accounts[0]
	assert.Equal(t, "alice", acct.User)
	assert.Equal(t, fixed.ToDecimal(units(100)).String(), acct.Debt.String())
	assert.Equal(t, fixed.ToDecimal(units(3)).String(), acct.Collateral[weth].String())
	assert.True(t, acct.Collateral[wbtc].IsZero())
}

// --- Global solvency ---

func TestGlobalSolvencyUnderRandomOperations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	users := []string{"alice", "bob", "carol"}
	for _, u := range users {
		env.fund(t, u, 1000)
	}

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		user := users[rng.Intn(len(users))]
		amount := units(uint64(rng.Intn(5000) + 1))
		small := units(uint64(rng.Intn(5) + 1))

		var err error
		switch rng.Intn(5) {
		case 0:
			err = env.eng.DepositCollateral(ctx, user, weth, small)
		case 1:
			err = env.eng.Mint(ctx, user, amount)
		case 2:
			err = env.eng.RedeemCollateral(ctx, user, weth, small)
		case 3:
			err = env.eng.Burn(ctx, user, amount)
		case 4:
			env.setEthPrice(int64(2000 + rng.Intn(1000)))
		}
		if err != nil {
			class := engine.Classify(err)
			require.Contains(t, []string{engine.ClassSolvency, engine.ClassValidation, engine.ClassExternal}, class, "step %d: %v", i, err)
		}

		sol, err := env.eng.CheckSolvency(ctx)
		require.NoError(t, err)
		require.True(t, sol.Solvent, "step %d", i)

		debt, held := fixed.Zero(), fixed.Zero()
		for _, u := range users {
			debt.Add(debt, env.eng.Debt(u))
			held.Add(held, env.eng.CollateralBalance(u, weth))
		}
		require.Equal(t, debt, env.dsc.TotalSupply(), "step %d", i)
		require.Equal(t, held, env.weth.BalanceOf(engineAddr), "step %d", i)
		require.Equal(t, debt, sol.TotalDebt, "step %d", i)
	}
}

func TestCheckSolvency_ListsLiquidatableAccounts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "alice", 10)
	env.fund(t, "bob", 20)
	env.fund(t, "carol", 1)
	require.NoError(t, env.eng.DepositCollateralAndMint(ctx, "alice", weth, units(10), units(10000)))
	require.NoError(t, env.eng.DepositCollateralAndMint(ctx, "bob", weth, units(20), units(10000)))
	require.NoError(t, env.eng.DepositCollateral(ctx, "carol", weth, units(1)))

	sol, err := env.eng.CheckSolvency(ctx)
	require.NoError(t, err)
	assert.Empty(t, sol.Liquidatable)

	env.setEthPrice(1800)
	sol, err = env.eng.CheckSolvency(ctx)
	require.NoError(t, err)
	assert.True(t, sol.Solvent)
	assert.Equal(t, []string{"alice"}, sol.Liquidatable)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, "", engine.Classify(nil))
	assert.Equal(t, engine.ClassValidation, engine.Classify(engine.ErrNeedsMoreThanZero))
	assert.Equal(t, engine.ClassReentrant, engine.Classify(engine.ErrReentrantCall))
	assert.Equal(t, engine.ClassLiquidation, engine.Classify(&engine.HealthFactorNotImprovedError{Before: units(1), After: units(1)}))
	assert.Equal(t, engine.ClassInternal, engine.Classify(errors.New("boom")))
	assert.Equal(t, engine.ClassInternal, engine.Classify(fmt.Errorf("pricing weth: %w", fixed.ErrOverflow)))
}
