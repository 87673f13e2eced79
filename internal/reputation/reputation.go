// Package reputation scores settlement participants from their escrow
// history and carries the best-effort event path that feeds it.
//
// Scores are read by the reputation-weighted fee policy. Nothing in the
// settlement core depends on an event being delivered.
package reputation

import (
	"context"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowd/internal/units"
)

// Score is a participant's reputation record.
type Score struct {
	Wallet           common.Address `json:"wallet"`
	Score            float64        `json:"score"` // 0-100
	Band             Band           `json:"band"`
	CompletedEscrows int            `json:"completedEscrows"`
	DisputedEscrows  int            `json:"disputedEscrows"`
	DisputesWon      int            `json:"disputesWon"`
	DisputesLost     int            `json:"disputesLost"`
	TotalVolume      *big.Int       `json:"totalVolume"`
	LastActivity     time.Time      `json:"lastActivity"`
	FirstSeen        time.Time      `json:"firstSeen"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// Band is a named score range.
type Band string

const (
	BandNew         Band = "new"         // 0-19
	BandEmerging    Band = "emerging"    // 20-39
	BandEstablished Band = "established" // 40-59
	BandTrusted     Band = "trusted"     // 60-79
	BandElite       Band = "elite"       // 80-100
)

// BandFor maps a score to its band.
func BandFor(score float64) Band {
	switch {
	case score >= 80:
		return BandElite
	case score >= 60:
		return BandTrusted
	case score >= 40:
		return BandEstablished
	case score >= 20:
		return BandEmerging
	default:
		return BandNew
	}
}

// Oracle answers score lookups.
type Oracle interface {
	ScoreOf(ctx context.Context, wallet common.Address) (Score, error)
}

// Weights for score components (must sum to 1.0)
type Weights struct {
	Volume   float64
	Activity float64
	Success  float64
	Age      float64
}

var DefaultWeights = Weights{
	Volume:   0.30,
	Activity: 0.25,
	Success:  0.30,
	Age:      0.15,
}

// Calculator turns raw counters into a score.
type Calculator struct {
	weights Weights
}

// NewCalculator creates a calculator with DefaultWeights.
func NewCalculator() *Calculator {
	return &Calculator{weights: DefaultWeights}
}

// Calculate fills Score and Band on s from its counters.
func (c *Calculator) Calculate(s Score, now time.Time) Score {
	var volume, activity, success, age float64

	// Volume: logarithmic in whole units, 10k units and above score 100.
	if s.TotalVolume != nil && s.TotalVolume.Sign() > 0 {
		whole, _ := new(big.Float).Quo(new(big.Float).SetInt(s.TotalVolume), new(big.Float).SetInt(units.One)).Float64()
		volume = math.Min(100, 25*math.Log10(whole+1))
	}

	if s.CompletedEscrows > 0 {
		activity = math.Min(100, 33.3*math.Log10(float64(s.CompletedEscrows)+1))
	}

	// Neutral until there are five settled escrows.
	settled := s.CompletedEscrows + s.DisputedEscrows
	if settled < 5 {
		success = 50
	} else {
		good := float64(s.CompletedEscrows - s.DisputesLost)
		success = math.Max(0, good/float64(settled)*100)
	}

	if !s.FirstSeen.IsZero() {
		days := now.Sub(s.FirstSeen).Hours() / 24
		if days > 0 {
			age = math.Min(100, 33.3*math.Log10(days+1))
		}
	}

	score := c.weights.Volume*volume +
		c.weights.Activity*activity +
		c.weights.Success*success +
		c.weights.Age*age
	score = math.Max(0, math.Min(100, score))

	s.Score = math.Round(score*10) / 10
	s.Band = BandFor(s.Score)
	s.UpdatedAt = now
	return s
}
