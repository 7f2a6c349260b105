package models

// RegimeState is the macro/volatility classification for an evaluation date.
type RegimeState string

const (
	RegimeExpansion     RegimeState = "expansion"
	RegimeParabolic     RegimeState = "parabolic"
	RegimeCrisis        RegimeState = "crisis"
	RegimeDeflation     RegimeState = "deflation"
	RegimeRecovery      RegimeState = "recovery"
	RegimeConsolidation RegimeState = "consolidation"
	RegimeUnknown       RegimeState = "unknown"
)

// AllRegimes lists the known regimes in a stable order.
var AllRegimes = []RegimeState{
	RegimeExpansion,
	RegimeParabolic,
	RegimeCrisis,
	RegimeDeflation,
	RegimeRecovery,
	RegimeConsolidation,
}

// ParseRegime converts a string to a RegimeState, returning RegimeUnknown on no match.
func ParseRegime(s string) RegimeState {
	for _, r := range AllRegimes {
		if string(r) == s {
			return r
		}
	}
	return RegimeUnknown
}

// IsDefensive reports whether the regime calls for reduced risk.
func (r RegimeState) IsDefensive() bool {
	return r == RegimeCrisis || r == RegimeDeflation
}
