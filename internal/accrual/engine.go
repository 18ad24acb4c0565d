// Package accrual reconstructs price-per-share and rolling yield series from
// the vault event log.
//
// Accrual model, applied in (timestamp, seq) order starting from zero:
//   - Deposit:         assets += amount, supply += shares
//   - Claim:           assets -= |amount|, supply -= |shares|
//   - Repayment:       assets += amount (raises price-per-share)
//   - WithdrawRequest: no effect, it only queues a claim
//
// Derive is stateless between calls and never mutates its input.
package accrual

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"vault-state-engine/internal/domain"
	"vault-state-engine/internal/observability"
)

// Default configuration values.
const (
	DefaultWindow = 30
)

// YieldMode selects how the annualization period of a yield point is measured.
type YieldMode int

const (
	// IndexWindow looks back a fixed number of points and annualizes over
	// WindowDays, treating one point as one day.
	IndexWindow YieldMode = iota
	// ElapsedTime looks back the same number of points but annualizes over the
	// real time elapsed between the base point and the current point.
	ElapsedTime
)

// Config configures a derivation.
type Config struct {
	// Window is the lookback in points.
	Window int
	// WindowDays is the annualization period for IndexWindow. Zero means Window.
	WindowDays float64
	// Mode selects the annualization period.
	Mode YieldMode
	// Malformed selects the policy for events missing required fields.
	Malformed MalformedPolicy
	// Logger receives skip warnings and anomalies.
	Logger zerolog.Logger
}

// DefaultConfig returns the default derivation configuration.
func DefaultConfig() Config {
	return Config{
		Window:    DefaultWindow,
		Mode:      IndexWindow,
		Malformed: SkipMalformed,
		Logger:    zerolog.Nop(),
	}
}

// Result holds the derived series.
// PPS, Yield and Events are index-aligned: point i was produced by Events[i].
type Result struct {
	PPS     []domain.DerivedPoint
	Yield   []domain.YieldPoint
	Events  []*domain.VaultEvent
	Skipped []SkippedEvent
	// Anomalies counts points where assets or supply were negative.
	Anomalies int
}

// accrualState is the running replay state.
type accrualState struct {
	assets decimal.Decimal
	supply decimal.Decimal
}

// apply mutates the state for one well-formed event.
func (s *accrualState) apply(e *domain.VaultEvent) {
	switch e.Tag {
	case domain.EventDeposit:
		s.assets = s.assets.Add(decimal.NewFromFloat(*e.Amount))
		s.supply = s.supply.Add(decimal.NewFromFloat(*e.Shares))
	case domain.EventClaim:
		s.assets = s.assets.Sub(decimal.NewFromFloat(*e.Amount).Abs())
		s.supply = s.supply.Sub(decimal.NewFromFloat(*e.Shares).Abs())
	case domain.EventRepayment:
		s.assets = s.assets.Add(decimal.NewFromFloat(*e.Amount))
	case domain.EventWithdrawRequest:
	}
}

// pricePerShare returns assets/supply, or 0 when supply is not positive.
func (s *accrualState) pricePerShare() float64 {
	if !s.supply.IsPositive() {
		return 0
	}
	return s.assets.InexactFloat64() / s.supply.InexactFloat64()
}

func (s *accrualState) negative() bool {
	return s.assets.IsNegative() || s.supply.IsNegative()
}

// Derive sorts events by (timestamp, seq), replays them through the accrual
// model and returns one DerivedPoint and one YieldPoint per replayed event.
//
// With SkipMalformed, malformed events produce no point and are listed in
// Result.Skipped. With AbortOnMalformed the first malformed event fails the
// whole call and no partial result is returned.
func Derive(events []*domain.VaultEvent, cfg Config) (*Result, error) {
	start := time.Now()
	if cfg.Window < 1 {
		cfg.Window = DefaultWindow
	}

	sorted := SortEvents(events)

	res := &Result{
		PPS:    make([]domain.DerivedPoint, 0, len(sorted)),
		Events: make([]*domain.VaultEvent, 0, len(sorted)),
	}

	var state accrualState
	for _, e := range sorted {
		if reason := validateEvent(e); reason != "" {
			if cfg.Malformed == AbortOnMalformed {
				observability.RecordDerivation("aborted", 0, time.Since(start).Seconds())
				return nil, malformedError(e, reason)
			}
			skipped := SkippedEvent{Reason: reason}
			if e != nil {
				skipped.Seq, skipped.Tag, skipped.Timestamp = e.Seq, e.Tag, e.Timestamp
			}
			res.Skipped = append(res.Skipped, skipped)
			cfg.Logger.Warn().
				Int64("seq", skipped.Seq).
				Str("tag", skipped.Tag.String()).
				Int64("ts", skipped.Timestamp).
				Str("reason", reason).
				Msg("skipping malformed vault event")
			continue
		}

		state.apply(e)
		if state.negative() {
			res.Anomalies++
			cfg.Logger.Warn().
				Int64("seq", e.Seq).
				Str("assets", state.assets.String()).
				Str("supply", state.supply.String()).
				Msg("accrual state went negative")
		}

		res.PPS = append(res.PPS, domain.DerivedPoint{
			Timestamp:     e.Timestamp,
			PricePerShare: state.pricePerShare(),
		})
		res.Events = append(res.Events, e)
	}

	res.Yield = ComputeYield(res.PPS, cfg)

	observability.RecordDerivation("ok", len(res.Skipped), time.Since(start).Seconds())
	return res, nil
}

// DeriveSeries derives the series of one vault and zips price-per-share and
// yield into the persisted SeriesPoint form.
func DeriveSeries(vault string, events []*domain.VaultEvent, cfg Config) ([]*domain.SeriesPoint, *Result, error) {
	res, err := Derive(events, cfg)
	if err != nil {
		return nil, nil, err
	}

	points := make([]*domain.SeriesPoint, len(res.PPS))
	for i := range res.PPS {
		points[i] = &domain.SeriesPoint{
			Vault:              vault,
			Timestamp:          res.PPS[i].Timestamp,
			Seq:                res.Events[i].Seq,
			PricePerShare:      res.PPS[i].PricePerShare,
			AnnualizedYieldPct: res.Yield[i].AnnualizedYieldPct,
		}
	}
	return points, res, nil
}
