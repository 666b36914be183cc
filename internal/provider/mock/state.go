package mock

import (
	"fmt"
	"math/rand"

	"marketflow/internal/market"
)

// Scenario selects the market regime of a simulated symbol.
type Scenario string

const (
	ScenarioBullRun     Scenario = "BULL_RUN"
	ScenarioBearMarket  Scenario = "BEAR_MARKET"
	ScenarioVolatile    Scenario = "VOLATILE"
	ScenarioSideways    Scenario = "SIDEWAYS"
	ScenarioPumpAndDump Scenario = "PUMP_AND_DUMP"
	ScenarioNormal      Scenario = "NORMAL"
)

var scenarios = map[Scenario]bool{
	ScenarioBullRun:     true,
	ScenarioBearMarket:  true,
	ScenarioVolatile:    true,
	ScenarioSideways:    true,
	ScenarioPumpAndDump: true,
	ScenarioNormal:      true,
}

// ParseScenario validates a scenario name.
func ParseScenario(s string) (Scenario, error) {
	sc := Scenario(s)
	if !scenarios[sc] {
		return "", fmt.Errorf("%w: scenario %q", market.ErrInvalidArgument, s)
	}
	return sc, nil
}

// Regime parameters.
const (
	priceFloor = 0.01

	trendBull         = 0.0008
	trendPullback     = 0.0005
	pullbackChance    = 0.05
	trendedVolatility = 0.0015
	momentumStep      = 2e-5
	momentumCeiling   = 0.01

	volatileRedrawEvery = 20
	volatileTrendSigma  = 0.001
	volatileVolatility  = 0.003

	sidewaysFlipEvery  = 50
	sidewaysVolatility = 0.0005
	sidewaysTrend      = 0.0002

	pumpStartChance = 0.005
	pumpTicks       = 100
	pumpTrend       = 0.01
	pumpVolatility  = 0.003
	dumpTicks       = 80
	dumpTrend       = -0.015
	dumpVolatility  = 0.005

	normalRedrawEvery = 100
	normalTrendSigma  = 3e-4

	reversionBand     = 0.10
	reversionStrength = 0.01
)

// pumpPhase tracks where a PUMP_AND_DUMP symbol is in its cycle.
type pumpPhase int

const (
	phaseDormant pumpPhase = iota
	phasePumping
	phaseDumping
)

// marketState is the per-symbol simulation state. Not safe for
// concurrent use; the provider serializes access per symbol.
type marketState struct {
	symbol            string
	currentPrice      float64
	basePrice         float64
	trend             float64
	volatility        float64
	defaultVolatility float64
	momentum          float64
	scenario          Scenario

	phase           pumpPhase
	phaseTicksLeft  int
	ticksSinceTrend int

	rng *rand.Rand
}

func newMarketState(symbol string, price, defaultVolatility float64, scenario Scenario, seed int64) *marketState {
	return &marketState{
		symbol:            symbol,
		currentPrice:      price,
		basePrice:         price,
		volatility:        defaultVolatility,
		defaultVolatility: defaultVolatility,
		scenario:          scenario,
		rng:               rand.New(rand.NewSource(seed)),
	}
}

// step advances the simulation by one tick and returns the new price.
func (s *marketState) step() float64 {
	s.ticksSinceTrend++
	s.applyScenario()

	noise := s.rng.NormFloat64()
	reversion := s.meanReversion()
	delta := s.currentPrice*s.trend +
		s.currentPrice*s.momentum +
		s.currentPrice*s.volatility*noise +
		reversion

	// Accumulated momentum would overpower the reversion pull and let
	// trending regimes run away; bleed it off while the price is
	// stretched beyond the band.
	if reversion != 0 {
		s.momentum /= 2
	}

	s.currentPrice += delta
	if s.currentPrice < priceFloor {
		s.currentPrice = priceFloor
	}

	if s.momentum > momentumCeiling || s.momentum < -momentumCeiling {
		s.momentum /= 2
	}
	return s.currentPrice
}

func (s *marketState) applyScenario() {
	switch s.scenario {
	case ScenarioBullRun:
		s.trend = trendBull
		if s.rng.Float64() < pullbackChance {
			s.trend = -trendPullback
		}
		s.volatility = trendedVolatility
		s.momentum += momentumStep

	case ScenarioBearMarket:
		s.trend = -trendBull
		if s.rng.Float64() < pullbackChance {
			s.trend = trendPullback
		}
		s.volatility = trendedVolatility
		s.momentum -= momentumStep

	case ScenarioVolatile:
		if s.ticksSinceTrend >= volatileRedrawEvery {
			s.trend = s.rng.NormFloat64() * volatileTrendSigma
			s.ticksSinceTrend = 0
		}
		s.volatility = volatileVolatility

	case ScenarioSideways:
		if s.trend == 0 {
			s.trend = sidewaysTrend
		}
		if s.ticksSinceTrend >= sidewaysFlipEvery {
			s.trend = -s.trend
			s.ticksSinceTrend = 0
		}
		s.volatility = sidewaysVolatility

	case ScenarioPumpAndDump:
		s.stepPumpAndDump()

	default: // ScenarioNormal
		if s.ticksSinceTrend >= normalRedrawEvery {
			s.trend = s.rng.NormFloat64() * normalTrendSigma
			s.ticksSinceTrend = 0
		}
		s.volatility = s.defaultVolatility
	}
}

func (s *marketState) stepPumpAndDump() {
	switch s.phase {
	case phaseDormant:
		s.trend = 0
		s.volatility = s.defaultVolatility
		if s.rng.Float64() < pumpStartChance {
			s.startPump()
		}
	case phasePumping:
		s.phaseTicksLeft--
		if s.phaseTicksLeft <= 0 {
			s.startDump()
		}
	case phaseDumping:
		s.phaseTicksLeft--
		if s.phaseTicksLeft <= 0 {
			s.phase = phaseDormant
			s.trend = 0
			s.volatility = s.defaultVolatility
			s.momentum = 0
		}
	}
}

func (s *marketState) startPump() {
	s.phase = phasePumping
	s.phaseTicksLeft = pumpTicks
	s.trend = pumpTrend
	s.volatility = pumpVolatility
}

func (s *marketState) startDump() {
	s.phase = phaseDumping
	s.phaseTicksLeft = dumpTicks
	s.trend = dumpTrend
	s.volatility = dumpVolatility
}

// meanReversion pulls the price back once it drifts more than 10% from
// the anchor.
func (s *marketState) meanReversion() float64 {
	if s.basePrice <= 0 {
		return 0
	}
	drift := s.currentPrice - s.basePrice
	if drift/s.basePrice > reversionBand || drift/s.basePrice < -reversionBand {
		return -reversionStrength * drift
	}
	return 0
}

// anchor re-seats both the current price and the reversion anchor,
// used after historical synthesis and by ResetSymbolPrice.
func (s *marketState) anchor(price float64) {
	if price < priceFloor {
		price = priceFloor
	}
	s.currentPrice = price
	s.basePrice = price
	s.momentum = 0
}
