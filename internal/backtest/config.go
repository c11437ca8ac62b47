package backtest

import (
	"fmt"
	"math"
	"strings"

	"quantdesk/internal/marketdata"
)

// SizingPolicy decides how many shares a BUY acquires.
type SizingPolicy string

const (
	// SizingFixedFraction invests Fraction of current cash.
	SizingFixedFraction SizingPolicy = "fixed_fraction"
	// SizingFixedQuantity buys Quantity shares.
	SizingFixedQuantity SizingPolicy = "fixed_quantity"
	// SizingStrengthScaled invests Fraction x signal strength of cash.
	// Strength 0 counts as 1.
	SizingStrengthScaled SizingPolicy = "strength_scaled"
	// SizingEqualWeight targets equity / number of symbols per position.
	SizingEqualWeight SizingPolicy = "equal_weight"
)

// CommissionModel selects how a fill's commission is charged.
type CommissionModel string

const (
	CommissionFlat     CommissionModel = "flat"
	CommissionPerShare CommissionModel = "per_share"
)

// FillTiming selects the price a signal fills at.
type FillTiming string

const (
	// FillSameClose fills at the close of the bar the signal was computed
	// on. The strategy sees that close before trading at it.
	FillSameClose FillTiming = "same_close"
	// FillNextOpen fills at the next trading day's open.
	FillNextOpen FillTiming = "next_open"
)

// Sizing configures position sizing.
type Sizing struct {
	Policy   SizingPolicy `json:"policy" yaml:"policy"`
	Fraction float64      `json:"fraction,omitempty" yaml:"fraction"`
	Quantity float64      `json:"quantity,omitempty" yaml:"quantity"`

	// MaxPositionPct caps a single position's value as a fraction of
	// equity. Zero disables the cap.
	MaxPositionPct float64 `json:"max_position_pct,omitempty" yaml:"max_position_pct"`

	// AllowFractional permits non-integer share quantities.
	AllowFractional bool `json:"allow_fractional,omitempty" yaml:"allow_fractional"`

	// Pyramiding lets BUY signals add to an open position.
	Pyramiding bool `json:"pyramiding,omitempty" yaml:"pyramiding"`
}

// Commission configures trading costs.
type Commission struct {
	Model   CommissionModel `json:"model" yaml:"model"`
	Amount  float64         `json:"amount,omitempty" yaml:"amount"`
	Minimum float64         `json:"minimum,omitempty" yaml:"minimum"`
}

// Cost returns the commission for a fill of qty shares.
func (c Commission) Cost(qty float64) float64 {
	if qty <= 0 {
		return 0
	}
	if c.Model == CommissionPerShare {
		return math.Max(c.Amount*qty, c.Minimum)
	}
	return math.Max(c.Amount, c.Minimum)
}

// maxAffordable is the largest quantity whose cost plus commission fits in
// cash, before rounding.
func (c Commission) maxAffordable(cash, price float64) float64 {
	if price <= 0 {
		return 0
	}
	if c.Model == CommissionPerShare {
		return math.Min(cash/(price+c.Amount), (cash-c.Minimum)/price)
	}
	return (cash - math.Max(c.Amount, c.Minimum)) / price
}

// Config holds the engine settings shared by every run of a sweep.
type Config struct {
	Sizing     Sizing               `json:"sizing" yaml:"sizing"`
	Commission Commission           `json:"commission" yaml:"commission"`
	Fill       FillTiming           `json:"fill_timing" yaml:"fill_timing"`
	Align      marketdata.AlignMode `json:"align" yaml:"align"`

	// LookbackDays is how many calendar days before the start date to
	// fetch for indicator warm-up. Zero derives it from the strategy.
	LookbackDays int `json:"lookback_days,omitempty" yaml:"lookback_days"`
}

// DefaultFraction is the cash fraction invested per BUY by default.
const DefaultFraction = 0.1

// DefaultConfig returns fixed-fraction sizing at 10%, zero commission,
// same-close fills and intersection alignment.
func DefaultConfig() Config {
	return Config{
		Sizing:     Sizing{Policy: SizingFixedFraction, Fraction: DefaultFraction},
		Commission: Commission{Model: CommissionFlat},
		Fill:       FillSameClose,
		Align:      marketdata.AlignIntersection,
	}
}

// WithDefaults fills unset fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Sizing.Policy == "" {
		c.Sizing.Policy = d.Sizing.Policy
	}
	if c.Sizing.Fraction == 0 {
		c.Sizing.Fraction = d.Sizing.Fraction
	}
	if c.Commission.Model == "" {
		c.Commission.Model = d.Commission.Model
	}
	if c.Fill == "" {
		c.Fill = d.Fill
	}
	if c.Align == "" {
		c.Align = d.Align
	}
	return c
}

// Validate rejects unknown modes and out-of-range numbers.
func (c Config) Validate() error {
	switch c.Sizing.Policy {
	case SizingFixedFraction, SizingStrengthScaled:
		if c.Sizing.Fraction <= 0 || c.Sizing.Fraction > 1 {
			return fmt.Errorf("sizing fraction must be in (0, 1], got %v", c.Sizing.Fraction)
		}
	case SizingFixedQuantity:
		if c.Sizing.Quantity <= 0 {
			return fmt.Errorf("sizing quantity must be > 0, got %v", c.Sizing.Quantity)
		}
	case SizingEqualWeight:
	default:
		return fmt.Errorf("unknown sizing policy %q", c.Sizing.Policy)
	}
	if c.Sizing.MaxPositionPct < 0 || c.Sizing.MaxPositionPct > 1 {
		return fmt.Errorf("max_position_pct must be in [0, 1], got %v", c.Sizing.MaxPositionPct)
	}

	switch c.Commission.Model {
	case CommissionFlat, CommissionPerShare:
	default:
		return fmt.Errorf("unknown commission model %q", c.Commission.Model)
	}
	if c.Commission.Amount < 0 || c.Commission.Minimum < 0 {
		return fmt.Errorf("commission amounts must be >= 0")
	}

	switch c.Fill {
	case FillSameClose, FillNextOpen:
	default:
		return fmt.Errorf("unknown fill timing %q", c.Fill)
	}
	if _, err := marketdata.ParseAlignMode(string(c.Align)); err != nil {
		return err
	}
	if c.LookbackDays < 0 {
		return fmt.Errorf("lookback_days must be >= 0")
	}
	return nil
}

// ParseSizingPolicy normalizes a policy name.
func ParseSizingPolicy(s string) (SizingPolicy, error) {
	p := SizingPolicy(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case SizingFixedFraction, SizingFixedQuantity, SizingStrengthScaled, SizingEqualWeight:
		return p, nil
	case "":
		return SizingFixedFraction, nil
	}
	return "", fmt.Errorf("unknown sizing policy %q", s)
}

// ParseFillTiming normalizes a fill timing name.
func ParseFillTiming(s string) (FillTiming, error) {
	f := FillTiming(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case FillSameClose, FillNextOpen:
		return f, nil
	case "":
		return FillSameClose, nil
	}
	return "", fmt.Errorf("unknown fill timing %q", s)
}

// ParseCommissionModel normalizes a commission model name.
func ParseCommissionModel(s string) (CommissionModel, error) {
	m := CommissionModel(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case CommissionFlat, CommissionPerShare:
		return m, nil
	case "":
		return CommissionFlat, nil
	}
	return "", fmt.Errorf("unknown commission model %q", s)
}
