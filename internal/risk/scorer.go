package risk

import (
	"math"
	"sort"
)

// Flag reason codes explaining the local score.
const (
	FlagAmountOutlier     = "amount_outlier"
	FlagNewChannel        = "new_channel"
	FlagNewLocation       = "new_location"
	FlagNewRecipient      = "new_recipient"
	FlagOffHours          = "off_hours"
	FlagLargeBalanceDrop  = "large_balance_drop"
	FlagGlobalUnavailable = "global_unavailable"
	FlagTimestampFallback = "timestamp_fallback"
)

const (
	amountWeight       = 0.5
	outlierZ           = 3.0
	outlierMinHistory  = 10
	stdFloor           = 1e-6
	offHoursPercentile = 0.75
	balanceDropRatio   = 0.5
)

var factorOrder = []string{"amount", "channel", "location", "recipient", "off_hours", "balance_drop"}

// Features is the part of a transaction the local scorer looks at.
type Features struct {
	Amount        float64
	Channel       string
	Location      string
	RecipientID   string
	Hour          int
	BalanceBefore float64
	BalanceAfter  float64
}

// LocalScore is the outcome of comparing a transaction to its profile.
type LocalScore struct {
	Score   float64            `json:"score"`
	ZScore  float64            `json:"zScore"`
	Flags   []string           `json:"flags"`
	Factors map[string]float64 `json:"factors"`
}

// ScoreLocal computes the bounded anomaly score of f against p, which must
// not yet include f. It is pure: identical inputs give identical output.
func ScoreLocal(f Features, p *BehaviorProfile, pol Policy) LocalScore {
	flags := []string{}
	factors := make(map[string]float64, 6)

	// 1. Amount z-score
	z := math.Abs(f.Amount-p.Mean()) / math.Max(p.StdDev(), stdFloor)
	zNorm := 1.0
	if pol.AmountStdCap > 0 {
		zNorm = math.Min(z/pol.AmountStdCap, 1.0)
	}
	factors["amount"] = zNorm * amountWeight
	if z > outlierZ && p.TxCount > outlierMinHistory {
		flags = append(flags, FlagAmountOutlier)
	}

	// 2-4. Categorical novelty
	if f.Channel != "" && !seen(p.Channels, f.Channel) {
		factors["channel"] = pol.UnseenChannelPenalty
		flags = append(flags, FlagNewChannel)
	}
	if f.Location != "" && !seen(p.Locations, f.Location) {
		factors["location"] = pol.UnseenLocationPenalty
		flags = append(flags, FlagNewLocation)
	}
	if f.RecipientID != "" && !seen(p.Recipients, f.RecipientID) {
		factors["recipient"] = pol.NewRecipientPenalty
		flags = append(flags, FlagNewRecipient)
	}

	// 5. Off-hours
	if len(p.Hours) > 0 && p.HourCount(f.Hour) <= hourCutoff(p.Hours) {
		factors["off_hours"] = pol.OffHoursPenalty
		flags = append(flags, FlagOffHours)
	}

	// 6. Balance drop
	if f.BalanceBefore > 0 && (f.BalanceBefore-f.BalanceAfter)/f.BalanceBefore >= balanceDropRatio {
		factors["balance_drop"] = pol.BalanceDropPenalty
		flags = append(flags, FlagLargeBalanceDrop)
	}

	// Fixed summation order keeps the float result reproducible.
	var sum float64
	for _, name := range factorOrder {
		sum += factors[name]
	}

	return LocalScore{
		Score:   Clamp01(sum),
		ZScore:  z,
		Flags:   flags,
		Factors: factors,
	}
}

// Combine blends local and global scores. A nil global means the global
// scorer was unavailable and the local score stands alone.
func Combine(local float64, global *float64, pol Policy) float64 {
	if global == nil {
		return Clamp01(local)
	}
	return Clamp01(pol.WeightLocal*local + pol.WeightGlobal*(*global))
}

// Clamp01 bounds v to [0,1]; NaN maps to 0.
func Clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// hourCutoff is the per-hour frequency at the 75th percentile of observed
// hours, taken as sorted[floor(0.75*(n-1))].
func hourCutoff(hours Counts) int {
	freq := make([]int, 0, len(hours))
	for _, c := range hours {
		freq = append(freq, c)
	}
	sort.Ints(freq)
	idx := int(math.Floor(offHoursPercentile * float64(len(freq)-1)))
	if idx < 0 {
		idx = 0
	}
	return freq[idx]
}

func seen(m Counts, key string) bool {
	_, ok := m[key]
	return ok
}
