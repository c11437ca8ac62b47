package backtest

import (
	"fmt"
	"math"
	"time"

	"quantdesk/internal/domain"
)

// qtyEpsilon absorbs float noise before flooring to whole shares.
const qtyEpsilon = 1e-9

// target returns the unrounded BUY quantity the sizing policy asks for.
func (s Sizing) target(cash, equity, price, strength float64, universe int) float64 {
	if price <= 0 {
		return 0
	}
	switch s.Policy {
	case SizingFixedQuantity:
		return s.Quantity
	case SizingStrengthScaled:
		if strength <= 0 {
			strength = 1
		}
		return s.Fraction * strength * cash / price
	case SizingEqualWeight:
		if universe < 1 {
			universe = 1
		}
		return equity / float64(universe) / price
	default:
		return s.Fraction * cash / price
	}
}

// round floors q to whole shares unless fractional shares are allowed.
func (s Sizing) round(q float64) float64 {
	if q <= 0 || math.IsNaN(q) || math.IsInf(q, 0) {
		return 0
	}
	if s.AllowFractional {
		return q
	}
	return math.Floor(q + qtyEpsilon)
}

// riskCap limits a BUY so the position stays within MaxPositionPct of
// equity. It returns the capped quantity.
func (s Sizing) riskCap(qty, held, price, equity float64) float64 {
	if s.MaxPositionPct <= 0 {
		return qty
	}
	room := s.MaxPositionPct*equity - held*price
	if room <= 0 {
		return 0
	}
	return math.Min(qty, room/price)
}

// affordable reduces want until qty*price + commission fits in cash.
func (e *Engine) affordable(want, price, cash float64) float64 {
	c := e.cfg.Commission
	q := e.cfg.Sizing.round(math.Min(want, c.maxAffordable(cash, price)))
	for i := 0; q > 0 && q*price+c.Cost(q) > cash; i++ {
		if i >= 3 {
			return 0
		}
		if e.cfg.Sizing.AllowFractional {
			q *= 1 - 1e-12
		} else {
			q--
		}
	}
	return q
}

// buy sizes, risk-checks and fills a BUY signal at price.
func (e *Engine) buy(acct *account, date time.Time, sig domain.Signal, price float64, universe int) {
	held := acct.held(sig.Symbol)
	if held > 0 && !e.cfg.Sizing.Pyramiding {
		return
	}

	equity := acct.equity()
	sz := e.cfg.Sizing
	want := sz.target(acct.cash, equity, price, sig.Strength, universe)

	if capped := sz.riskCap(want, held, price, equity); capped < want {
		want = capped
		if sz.round(want) <= 0 {
			acct.annotate(date, sig.Symbol, domain.AnnotationPositionLimit,
				fmt.Sprintf("position would exceed %.4g of equity", sz.MaxPositionPct))
			return
		}
	}
	want = sz.round(want)

	qty := e.affordable(want, price, acct.cash)
	if qty <= 0 {
		need := price + e.cfg.Commission.Cost(1)
		if want > 0 {
			need = want*price + e.cfg.Commission.Cost(want)
		}
		acct.annotate(date, sig.Symbol, domain.AnnotationInsufficientCash,
			fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientCash, need, acct.cash).Error())
		return
	}
	if qty < want {
		acct.annotate(date, sig.Symbol, domain.AnnotationPartialFill,
			fmt.Sprintf("filled %g of %g shares", qty, want))
	}
	acct.buy(date, sig.Symbol, price, qty, e.cfg.Commission.Cost(qty))
}

// sell liquidates the position for a SELL signal. SELL with no position is
// ignored; the engine does not short.
func (e *Engine) sell(acct *account, date time.Time, sig domain.Signal, price float64) {
	qty := acct.held(sig.Symbol)
	if qty <= 0 {
		return
	}
	commission := e.cfg.Commission.Cost(qty)
	if acct.cash+qty*price-commission < 0 {
		acct.annotate(date, sig.Symbol, domain.AnnotationInsufficientCash,
			fmt.Errorf("%w: commission %.2f exceeds proceeds", ErrInsufficientCash, commission).Error())
		return
	}
	acct.sellAll(date, sig.Symbol, price, commission)
}
