// Package types defines the core domain types shared across the gasline
// pipeline: gas-price observations produced by the RPC layer, the synthetic
// points served by the fallback layer, and the data-source tag that tells
// consumers where a value actually came from.
package types

import "time"

// DataSource identifies where an observation originated. The UI uses this to
// distinguish live readings from cached or synthetic ones instead of guessing.
type DataSource string

const (
	// SourceLive means the value was read directly from a chain RPC endpoint.
	SourceLive DataSource = "live"

	// SourceCache means the value was served from the edge cache.
	SourceCache DataSource = "cache"

	// SourceFallback means the value is synthetic pattern data, substituted
	// because every live source was unreachable.
	SourceFallback DataSource = "fallback"
)

// GasObservation is a single gas-price reading derived from one block.
// Immutable once created. Series are ordered ascending by Timestamp and never
// contain duplicate block numbers.
type GasObservation struct {
	// Timestamp is the block timestamp in Unix seconds.
	Timestamp int64 `json:"timestamp"`

	// BlockNumber is the block the reading was derived from. Zero for
	// synthetic observations.
	BlockNumber uint64 `json:"block_number"`

	// BaseFeeGwei is the block base fee converted from wei to gwei.
	BaseFeeGwei float64 `json:"base_fee_gwei"`

	// Source tags where this observation came from.
	Source DataSource `json:"data_source"`
}

// Time returns the observation timestamp as a time.Time.
func (o GasObservation) Time() time.Time {
	return time.Unix(o.Timestamp, 0).UTC()
}

// GasPoint is a gas-price estimate with spread bands, as produced by the
// fallback pattern table.
type GasPoint struct {
	Timestamp int64   `json:"timestamp"`
	AvgGwei   float64 `json:"avg_gwei"`

	// Percentile25 and Percentile75 bound the expected spread around AvgGwei.
	Percentile25 float64 `json:"percentile_25"`
	Percentile75 float64 `json:"percentile_75"`

	Source DataSource `json:"data_source"`
}
