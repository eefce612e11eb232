// Package ladder generates the grid's buy and sell price levels from a
// reference price, support/resistance bounds and a volatility-scaled
// spacing fraction. It is a pure function package: no state, no I/O, called
// once per session at setup and never mutated afterward.
package ladder

import (
	"github.com/shopspring/decimal"
)

// Config holds the parameters that determine one session's ladder geometry.
// It is built once per session. ATR and Volatility are readings the caller
// supplies; left at zero, the cushion is zero and the spacing is not
// volatility-scaled.
type Config struct {
	Support           decimal.Decimal
	Resistance        decimal.Decimal
	MinReturn         decimal.Decimal
	MakerFee          decimal.Decimal
	VolatilityK       decimal.Decimal
	Volatility        decimal.Decimal
	CushionMultiplier decimal.Decimal
	ATR               decimal.Decimal
	BuyLevels         int
	SellLevels        int
	EnableMidShift    bool
	CurrentPrice      decimal.Decimal
}

var (
	spacingMax   = decimal.NewFromFloat(0.05)
	two          = decimal.NewFromInt(2)
	oneHalf      = decimal.NewFromFloat(0.5)
	one          = decimal.NewFromInt(1)
	spacingFloor = decimal.NewFromFloat(0.0001)
)

// Ladder is the immutable output of Build: two equal-length, monotonically
// decreasing vectors, with sell[i] = buy[i] * (1 + s) for every i.
type Ladder struct {
	Reference         decimal.Decimal
	Spacing           decimal.Decimal
	EffectiveSupport  decimal.Decimal
	EffectiveResist   decimal.Decimal
	BuyLevels         []decimal.Decimal
	SellLevels        []decimal.Decimal
}

// Spacing computes the spacing fraction s = min(s_max, max(s_base, s_base*(1+k*v))).
func Spacing(cfg Config) decimal.Decimal {
	sBase := cfg.MinReturn.Add(two.Mul(cfg.MakerFee))
	if sBase.LessThan(spacingFloor) {
		sBase = spacingFloor
	}
	scaled := sBase.Mul(one.Add(cfg.VolatilityK.Mul(cfg.Volatility)))
	s := sBase
	if scaled.GreaterThan(s) {
		s = scaled
	}
	if s.GreaterThan(spacingMax) {
		s = spacingMax
	}
	return s
}

// Reference computes the ladder's center price: the current price clamped
// into the effective bounds when mid_shift is enabled, otherwise the
// midpoint of support and resistance.
func Reference(cfg Config, effSupport, effResist decimal.Decimal) decimal.Decimal {
	if !cfg.EnableMidShift {
		return cfg.Support.Add(cfg.Resistance).Mul(oneHalf)
	}
	m := cfg.CurrentPrice
	if m.LessThan(effSupport) {
		return effSupport
	}
	if m.GreaterThan(effResist) {
		return effResist
	}
	return m
}

// Build generates the ladder for one session. It never mutates cfg and is
// safe to call exactly once at setup; the result must be treated as
// immutable for the lifetime of the session (see design note on ladder
// rebuilding).
func Build(cfg Config) Ladder {
	s := Spacing(cfg)
	cushion := cfg.CushionMultiplier.Mul(cfg.ATR)
	effSupport := cfg.Support.Add(cushion)
	effResist := cfg.Resistance.Sub(cushion)
	m := Reference(cfg, effSupport, effResist)

	buys := make([]decimal.Decimal, 0, cfg.BuyLevels)
	onePlusS := one.Add(s)
	b := m.Div(onePlusS)
	for i := 0; i < cfg.BuyLevels; i++ {
		if b.LessThan(effSupport) {
			break
		}
		buys = append(buys, b)
		b = b.Div(onePlusS)
	}

	sells := make([]decimal.Decimal, len(buys))
	for i, buyPrice := range buys {
		sells[i] = buyPrice.Mul(onePlusS)
	}

	return Ladder{
		Reference:        m,
		Spacing:          s,
		EffectiveSupport: effSupport,
		EffectiveResist:  effResist,
		BuyLevels:        buys,
		SellLevels:       sells,
	}
}
