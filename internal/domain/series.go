package domain

// DerivedPoint is the price-per-share after replaying one event.
type DerivedPoint struct {
	Timestamp     int64   // Unix timestamp in seconds of the source event
	PricePerShare float64 // assets / supply, 0 when supply <= 0
}

// YieldPoint is the annualized yield computed over a lookback window of DerivedPoints.
type YieldPoint struct {
	Timestamp          int64   // Unix timestamp in seconds
	AnnualizedYieldPct float64 // percent, 0 when the lookback base price is 0
}

// SeriesPoint is the persisted form of one derived point and its yield.
// Corresponds to vault_series table in ClickHouse.
type SeriesPoint struct {
	Vault              string  // vault account address
	Timestamp          int64   // Unix timestamp in seconds
	Seq                int64   // source event sequence, keeps same-timestamp points distinct
	PricePerShare      float64 // assets / supply
	AnnualizedYieldPct float64 // rolling yield in percent
}
