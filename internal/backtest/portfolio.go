package backtest

import (
	"sort"
	"time"

	"quantdesk/internal/domain"
)

// account is the private cash and position book of one simulation. Nothing
// in it is shared between runs.
type account struct {
	cash        float64
	positions   map[string]*domain.Position
	marks       map[string]float64
	trades      []domain.Trade
	annotations []domain.Annotation
}

func newAccount(cash float64) *account {
	return &account{
		cash:      cash,
		positions: make(map[string]*domain.Position),
		marks:     make(map[string]float64),
	}
}

// held returns the open quantity for symbol.
func (a *account) held(symbol string) float64 {
	if p, ok := a.positions[symbol]; ok {
		return p.Qty
	}
	return 0
}

// mark records the latest price used to value symbol.
func (a *account) mark(symbol string, price float64) {
	a.marks[symbol] = price
}

// equity is cash plus every position at its latest mark, summed in symbol
// order so repeated runs produce identical floats.
func (a *account) equity() float64 {
	total := a.cash
	for _, sym := range a.symbols() {
		p := a.positions[sym]
		total += p.MarketValue(a.marks[sym])
	}
	return total
}

func (a *account) symbols() []string {
	syms := make([]string, 0, len(a.positions))
	for s := range a.positions {
		syms = append(syms, s)
	}
	sort.Strings(syms)
	return syms
}

// buy debits cash and folds the commission into the average price.
func (a *account) buy(date time.Time, symbol string, price, qty, commission float64) {
	cost := qty*price + commission
	a.cash -= cost

	p, ok := a.positions[symbol]
	if !ok {
		p = &domain.Position{Symbol: symbol}
		a.positions[symbol] = p
	}
	basis := p.Qty*p.AvgPrice + cost
	p.Qty += qty
	p.AvgPrice = basis / p.Qty

	a.trades = append(a.trades, domain.Trade{
		Date:       date,
		Symbol:     symbol,
		Side:       domain.SideBuy,
		Price:      price,
		Qty:        qty,
		Commission: commission,
	})
}

// sellAll liquidates symbol's position and records realized PnL net of the
// sell commission.
func (a *account) sellAll(date time.Time, symbol string, price, commission float64) {
	p := a.positions[symbol]
	proceeds := p.Qty*price - commission
	a.cash += proceeds

	a.trades = append(a.trades, domain.Trade{
		Date:        date,
		Symbol:      symbol,
		Side:        domain.SideSell,
		Price:       price,
		Qty:         p.Qty,
		Commission:  commission,
		RealizedPnL: proceeds - p.Qty*p.AvgPrice,
	})
	delete(a.positions, symbol)
}

func (a *account) annotate(date time.Time, symbol string, kind domain.AnnotationKind, msg string) {
	a.annotations = append(a.annotations, domain.Annotation{
		Date:    date,
		Symbol:  symbol,
		Kind:    kind,
		Message: msg,
	})
}

// snapshot returns open positions sorted by symbol.
func (a *account) snapshot() []domain.Position {
	out := make([]domain.Position, 0, len(a.positions))
	for _, sym := range a.symbols() {
		out = append(out, *a.positions[sym])
	}
	return out
}
