package risk

import (
	"math"
	"strconv"
	"time"
)

// Counts maps a category key to the number of times it was observed.
// A missing key means the user has never been seen with that value.
type Counts map[string]int

func (c Counts) clone() Counts {
	out := make(Counts, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// BehaviorProfile is the running statistical summary of one user's
// transactions. It is created lazily on the first evaluation and updated
// exactly once per evaluated transaction, whether or not it later settles.
type BehaviorProfile struct {
	UserID           string    `json:"userId"`
	TxCount          int       `json:"txCount"`
	AmountSum        float64   `json:"amountSum"`
	AmountSumSquares float64   `json:"amountSumSquares"`
	Channels         Counts    `json:"channelCounts"`
	Locations        Counts    `json:"locationCounts"`
	Recipients       Counts    `json:"recipientCounts"`
	Hours            Counts    `json:"hourCounts"` // keys "0".."23"
	UpdatedAt        time.Time `json:"updatedAt"`
}

// NewProfile returns an empty profile for userID.
func NewProfile(userID string) *BehaviorProfile {
	return &BehaviorProfile{
		UserID:     userID,
		Channels:   Counts{},
		Locations:  Counts{},
		Recipients: Counts{},
		Hours:      Counts{},
	}
}

// Record folds one transaction into the profile. Empty category values are
// not counted.
func (p *BehaviorProfile) Record(amount float64, channel, location, recipientID string, hour int, at time.Time) {
	p.ensureMaps()
	p.TxCount++
	p.AmountSum += amount
	p.AmountSumSquares += amount * amount
	incr(p.Channels, channel)
	incr(p.Locations, location)
	incr(p.Recipients, recipientID)
	incr(p.Hours, hourKey(hour))
	p.UpdatedAt = at
}

// Mean is the average amount, 0 with no history.
func (p *BehaviorProfile) Mean() float64 {
	if p.TxCount == 0 {
		return 0
	}
	return p.AmountSum / float64(p.TxCount)
}

// StdDev is the population standard deviation of amounts, 0 with fewer
// than two observations.
func (p *BehaviorProfile) StdDev() float64 {
	if p.TxCount <= 1 {
		return 0
	}
	n := float64(p.TxCount)
	mean := p.AmountSum / n
	variance := math.Max(p.AmountSumSquares/n-mean*mean, 0)
	return math.Sqrt(variance)
}

// HourCount returns how often hour (0-23) was observed.
func (p *BehaviorProfile) HourCount(hour int) int {
	return p.Hours[hourKey(hour)]
}

// Clone returns a deep copy.
func (p *BehaviorProfile) Clone() *BehaviorProfile {
	c := *p
	c.Channels = p.Channels.clone()
	c.Locations = p.Locations.clone()
	c.Recipients = p.Recipients.clone()
	c.Hours = p.Hours.clone()
	return &c
}

func (p *BehaviorProfile) ensureMaps() {
	if p.Channels == nil {
		p.Channels = Counts{}
	}
	if p.Locations == nil {
		p.Locations = Counts{}
	}
	if p.Recipients == nil {
		p.Recipients = Counts{}
	}
	if p.Hours == nil {
		p.Hours = Counts{}
	}
}

func incr(m Counts, key string) {
	if key == "" {
		return
	}
	m[key]++
}

func hourKey(hour int) string {
	h := hour % 24
	if h < 0 {
		h += 24
	}
	return strconv.Itoa(h)
}
