// Package rating implements RatingEngine (C3): a Glicko-2 core wrapped in
// the ordered chain of tier modifiers spec.md §4.3 requires, plus the coin
// reward computation.
package rating

import "math"

const (
	// glickoScale converts between the Elo display scale and the
	// dimensionless Glicko-2 mu/phi scale.
	glickoScale = 173.7178
	eloMidpoint = 1500

	// DefaultRD and DefaultVolatility seed a fresh player's rating
	// deviation and volatility; both converge with more matches played.
	DefaultRD         = 200.0
	DefaultVolatility = 0.06

	tau     = 0.5
	epsilon = 1e-6
)

// Rating is one player's Glicko-2 state on the Elo display scale.
type Rating struct {
	Elo        int
	RD         float64
	Volatility float64
}

// NewRating seeds a rating at the given Elo with default deviation and
// volatility, as used whenever UserStore has no explicit RD/volatility on
// file.
func NewRating(elo int) Rating {
	return Rating{Elo: elo, RD: DefaultRD, Volatility: DefaultVolatility}
}

func (r Rating) mu() float64  { return (float64(r.Elo) - eloMidpoint) / glickoScale }
func (r Rating) phi() float64 { return r.RD / glickoScale }

func fromGlicko2(mu, phi, volatility float64) Rating {
	return Rating{
		Elo:        int(mu*glickoScale + eloMidpoint),
		RD:         phi * glickoScale,
		Volatility: volatility,
	}
}

// g is the Glicko-2 g function: it attenuates an opponent's impact by
// their own rating deviation.
func g(phi float64) float64 {
	return 1 / math.Sqrt(1+3*phi*phi/(math.Pi*math.Pi))
}

// e is the expected-score function between two ratings.
func e(mu, muOpp, phiOpp float64) float64 {
	return 1 / (1 + math.Exp(-g(phiOpp)*(mu-muOpp)))
}

// updateRating runs one Glicko-2 cycle for rating against a single
// opponent observation (muOpp, phiOpp, score), where score is 1 for a win,
// 0.5 for a tie, 0 for a loss.
func updateRating(r Rating, muOpp, phiOpp, score float64) Rating {
	mu, phi, sigma := r.mu(), r.phi(), r.Volatility

	eVal := e(mu, muOpp, phiOpp)
	gVal := g(phiOpp)
	variance := 1 / (gVal * gVal * eVal * (1 - eVal))
	if math.IsInf(variance, 0) {
		return r
	}
	delta := variance * gVal * (score - eVal)

	newSigma := newVolatility(sigma, phi, variance, delta)

	phiStar := math.Sqrt(phi*phi + newSigma*newSigma)
	phiStarSq := phiStar * phiStar
	if phiStarSq < epsilon {
		phiStarSq = epsilon
	}

	newPhi := 1 / math.Sqrt(1/phiStarSq+1/variance)
	newMu := mu + newPhi*newPhi*gVal*(score-eVal)

	return fromGlicko2(newMu, newPhi, newSigma)
}

// newVolatility solves for sigma' via the Illinois variant of regula
// falsi prescribed by the Glicko-2 paper.
func newVolatility(sigma, phi, variance, delta float64) float64 {
	a := math.Log(sigma * sigma)
	phiSq := phi * phi

	f := func(x float64) float64 {
		expX := math.Exp(x)
		tmp := phiSq + variance + expX
		return expX*(delta*delta-phiSq-variance-expX)/(2*tmp*tmp) - (x-a)/(tau*tau)
	}

	lo := a
	var hi float64
	if delta*delta > phiSq+variance {
		hi = math.Log(delta*delta - phiSq - variance)
	} else {
		k := 1.0
		for f(a-k*tau) < 0 {
			k++
		}
		hi = a - k*tau
	}

	fLo, fHi := f(lo), f(hi)
	for math.Abs(hi-lo) > epsilon {
		mid := lo + (lo-hi)*fLo/(fHi-fLo)
		fMid := f(mid)
		if fMid*fHi <= 0 {
			lo, fLo = hi, fHi
		} else {
			fLo /= 2
		}
		hi, fHi = mid, fMid
	}
	return math.Exp(lo / 2)
}
