// Package engine implements the deterministic state-transition engine for the
// housing-market simulation: role-scoped actions mutate the market and policy
// state and emit immutable events, then a fixed dynamics step advances the
// shared economic model by one quarter.
//
// The engine is pure computation — no I/O, no clocks, no randomness. Given the
// same starting state and the same action sequence it reproduces the same
// final state and event list bit-for-bit on every numeric field. Transition
// arithmetic guards every division and blend so that no state field can ever
// become NaN or infinite, even for out-of-domain inputs.
package engine

import (
	"fmt"
	"math"

	"github.com/bubblesim/sim-engine/internal/model"
)

// Simulation constants. These coefficients and clamp bounds define the
// behavioral contract of the simulation; changing any of them changes
// replay results for every recorded session.
const (
	// TimeQuantum is the timeStep advance per processed action (one quarter).
	TimeQuantum = 0.25

	// ReferenceMedianIncome anchors the price-to-income ratio.
	ReferenceMedianIncome = 55000.0

	// BaselineHousingStarts anchors the supply level (100 = baseline).
	BaselineHousingStarts = 1500000.0

	purchaseDemandBoost   = 1.0
	waitDemandDecay       = 0.5
	investorDemandFactor  = 0.5
	investorRiskFactor    = 0.1
	securitizeRiskBoost   = 5.0
	mortgagePassThrough   = 1.2
	fedRateDemandFactor   = 10.0
	ltvTighteningPivot    = 95.0
	ltvRiskFactor         = 0.5
	ltvDemandFactor       = 0.3
	stressTestRiskRelief  = 10.0
	capitalRiskFactor     = 0.8
	historicalTolerance   = 2.0
)

// Clamp bounds for the derived indicators.
const (
	minPriceGrowth   = -20.0
	maxPriceGrowth   = 30.0
	minBubbleRisk    = 0.0
	maxBubbleRisk    = 100.0
	minInventory     = 0.5
	maxInventory     = 12.0
	minHousingStarts = 500000.0
	maxHousingStarts = 3000000.0
	minForeclosure   = 0.1
	maxForeclosure   = 5.0
	minDemandLevel   = 50.0
)

// Action types recognized by the engine, keyed by role.
const (
	ActionPurchase          = "purchase"
	ActionWait              = "wait"
	ActionBuyProperties     = "buy_properties"
	ActionSecuritize        = "securitize"
	ActionSetFedRate        = "set_fed_rate"
	ActionSetLTVLimit       = "set_ltv_limit"
	ActionRequireStressTest = "require_stress_testing"
	ActionSetCapitalReq     = "set_capital_requirement"
)

// NormalConditions is the historical-comparison narrative returned when the
// current time step matches no reference entry.
const NormalConditions = "Market conditions appear within normal historical ranges."

// Engine owns the authoritative MarketState/PolicyState pair for one session
// plus the immutable historical reference timeline. It is not safe for
// concurrent use; callers serialize access per session.
type Engine struct {
	market  model.MarketState
	policy  model.PolicyState
	history []model.HistoricalEvent
}

// New returns an engine seeded at the simulation's fixed starting point,
// the first quarter of 2004, with the reference timeline loaded. Exactly
// reproducible: two fresh engines are identical.
func New() *Engine {
	return &Engine{
		market: model.MarketState{
			MedianPrice:        220000,
			PriceGrowth:        8.5,
			Inventory:          4.5,
			BubbleRisk:         35,
			SupplyLevel:        100,
			DemandLevel:        100,
			PriceToIncomeRatio: 4.0,
			MortgageRate:       5.8,
			UnemploymentRate:   5.5,
			HousingStarts:      1800000,
			ForeclosureRate:    0.8,
			TimeStep:           0,
		},
		policy: model.PolicyState{
			FedRate:            2.25,
			MaxLTV:             95,
			CapitalRequirement: 8,
			StressTesting:      false,
			RegulatoryStrength: 40,
		},
		history: historicalTimeline(),
	}
}

// Restore returns an engine resuming from a persisted snapshot. The
// historical timeline is fixed, so only the mutable state is taken from the
// snapshot.
func Restore(market model.MarketState, policy model.PolicyState) *Engine {
	return &Engine{
		market:  market,
		policy:  policy,
		history: historicalTimeline(),
	}
}

// historicalTimeline returns the fixed 2004-2012 reference narrative, indexed
// in quarters from the simulation start.
func historicalTimeline() []model.HistoricalEvent {
	return []model.HistoricalEvent{
		{TimeStep: 0, Title: "2004: Rates at generational lows", Description: "The fed funds rate sits at 1-2.25% and mortgage credit is cheap; price growth accelerates past income growth."},
		{TimeStep: 4, Title: "2005: Speculation takes hold", Description: "Investor purchases and interest-only loans surge; coastal markets post 20%+ annual appreciation."},
		{TimeStep: 7, Title: "2006: The peak", Description: "Prices topout mid-2006; inventory climbs and subprime originations peak at a third of the market."},
		{TimeStep: 10, Title: "2007: Credit cracks", Description: "Subprime lenders fail, two Bear Stearns funds collapse, and securitization markets seize."},
		{TimeStep: 12, Title: "2008: Systemic crisis", Description: "Lehman fails; foreclosures cascade and prices fall at the fastest rate on record."},
		{TimeStep: 16, Title: "2009: The trough approaches", Description: "Unemployment passes 9%; federal stabilization programs slow the decline."},
		{TimeStep: 20, Title: "2010-2012: Slow recovery", Description: "Prices bottom roughly 33% below peak and begin a gradual, credit-constrained recovery."},
	}
}

// Market returns a copy of the current market state.
func (e *Engine) Market() model.MarketState { return e.market }

// Policy returns a copy of the current policy state.
func (e *Engine) Policy() model.PolicyState { return e.policy }

// History returns the immutable reference timeline.
func (e *Engine) History() []model.HistoricalEvent { return e.history }

// ApplyAction dispatches on the action's role and type and applies the
// matching transition, returning the events it emitted. Unknown roles and
// unknown action types within a known role are deliberate no-ops (nil events,
// no state change) so that older or newer clients stay compatible.
//
// ApplyAction performs only the action-specific mutation; callers invoke
// UpdateDynamics afterwards to advance the shared model by one quarter.
func (e *Engine) ApplyAction(a model.Action) []model.Event {
	switch a.Role {
	case model.RoleHomebuyer:
		return e.applyHomebuyer(a)
	case model.RoleInvestor:
		return e.applyInvestor(a)
	case model.RoleRegulator:
		return e.applyRegulator(a)
	default:
		return nil
	}
}

func (e *Engine) applyHomebuyer(a model.Action) []model.Event {
	switch a.Type {
	case ActionPurchase:
		price := numParam(a.Params, "price")
		income := numParam(a.Params, "income")

		e.market.DemandLevel += purchaseDemandBoost

		ratio := 0.0
		if income != 0 {
			ratio = price / income
		}
		signal := "bearish"
		if price > e.market.MedianPrice {
			signal = "bullish"
		}
		return []model.Event{{
			Type:        "home_purchased",
			TriggeredBy: a.ParticipantID,
			Data: map[string]any{
				"price":              price,
				"priceToIncomeRatio": ratio,
				"downPayment":        numParam(a.Params, "downPayment"),
				"marketSignal":       signal,
			},
			Impact: map[string]float64{"demandIncrease": purchaseDemandBoost},
		}}

	case ActionWait:
		e.market.DemandLevel -= waitDemandDecay
		return []model.Event{{
			Type:        "buyer_waiting",
			TriggeredBy: a.ParticipantID,
			Data:        map[string]any{"note": "buyer stayed out of the market this quarter"},
			Impact:      map[string]float64{"demandDecrease": waitDemandDecay},
		}}

	default:
		return nil
	}
}

func (e *Engine) applyInvestor(a model.Action) []model.Event {
	switch a.Type {
	case ActionBuyProperties:
		quantity := numParam(a.Params, "quantity")
		leverage := numParam(a.Params, "leverage")

		demandDelta := quantity * investorDemandFactor
		riskDelta := quantity * leverage * investorRiskFactor

		e.market.DemandLevel += demandDelta
		e.market.BubbleRisk = clamp(e.market.BubbleRisk+riskDelta, minBubbleRisk, maxBubbleRisk)

		return []model.Event{{
			Type:        "investor_purchase",
			TriggeredBy: a.ParticipantID,
			Data: map[string]any{
				"quantity": quantity,
				"leverage": leverage,
			},
			Impact: map[string]float64{
				"demandIncrease":     demandDelta,
				"bubbleRiskIncrease": riskDelta,
			},
		}}

	case ActionSecuritize:
		e.market.BubbleRisk = clamp(e.market.BubbleRisk+securitizeRiskBoost, minBubbleRisk, maxBubbleRisk)
		return []model.Event{{
			Type:        "mortgages_securitized",
			TriggeredBy: a.ParticipantID,
			Data:        map[string]any{"note": "mortgage pools sold to the secondary market; market liquidity increased"},
			Impact:      map[string]float64{"bubbleRiskIncrease": securitizeRiskBoost},
		}}

	default:
		return nil
	}
}

func (e *Engine) applyRegulator(a model.Action) []model.Event {
	switch a.Type {
	case ActionSetFedRate:
		rate := numParam(a.Params, "rate")
		old := e.policy.FedRate
		delta := rate - old

		e.market.MortgageRate += delta * mortgagePassThrough
		e.market.DemandLevel -= delta * fedRateDemandFactor
		e.policy.FedRate = rate
		e.recomputeRegulatoryStrength()

		stance := "stimulative"
		if delta > 0 {
			stance = "cooling"
		}
		return []model.Event{{
			Type:        "fed_rate_changed",
			TriggeredBy: a.ParticipantID,
			Data: map[string]any{
				"oldRate": old,
				"newRate": rate,
				"change":  delta,
				"stance":  stance,
			},
			Impact: map[string]float64{
				"mortgageRateChange": delta * mortgagePassThrough,
				"demandChange":       -delta * fedRateDemandFactor,
			},
		}}

	case ActionSetLTVLimit:
		maxLTV := numParam(a.Params, "maxLTV")
		var riskCut, demandCut float64
		if maxLTV < ltvTighteningPivot {
			gap := ltvTighteningPivot - maxLTV
			riskCut = gap * ltvRiskFactor
			demandCut = gap * ltvDemandFactor
			e.market.BubbleRisk = clamp(e.market.BubbleRisk-riskCut, minBubbleRisk, maxBubbleRisk)
			e.market.DemandLevel -= demandCut
		}
		e.policy.MaxLTV = maxLTV
		e.recomputeRegulatoryStrength()

		return []model.Event{{
			Type:        "ltv_limit_changed",
			TriggeredBy: a.ParticipantID,
			Data:        map[string]any{"maxLTV": maxLTV},
			Impact: map[string]float64{
				"bubbleRiskReduction": riskCut,
				"demandReduction":     demandCut,
			},
		}}

	case ActionRequireStressTest:
		enabled := boolParam(a.Params, "enabled")
		newlyEnabled := enabled && !e.policy.StressTesting
		e.policy.StressTesting = enabled
		e.recomputeRegulatoryStrength()

		if !newlyEnabled {
			return nil
		}
		e.market.BubbleRisk = clamp(e.market.BubbleRisk-stressTestRiskRelief, minBubbleRisk, maxBubbleRisk)
		return []model.Event{{
			Type:        "stress_testing_required",
			TriggeredBy: a.ParticipantID,
			Data:        map[string]any{"enabled": true},
			Impact:      map[string]float64{"bubbleRiskReduction": stressTestRiskRelief},
		}}

	case ActionSetCapitalReq:
		percent := numParam(a.Params, "percent")
		old := e.policy.CapitalRequirement
		var riskCut float64
		if percent > old {
			riskCut = (percent - old) * capitalRiskFactor
			e.market.BubbleRisk = clamp(e.market.BubbleRisk-riskCut, minBubbleRisk, maxBubbleRisk)
		}
		e.policy.CapitalRequirement = percent
		e.recomputeRegulatoryStrength()

		return []model.Event{{
			Type:        "capital_requirement_changed",
			TriggeredBy: a.ParticipantID,
			Data:        map[string]any{"oldRequirement": old, "newRequirement": percent},
			Impact:      map[string]float64{"bubbleRiskReduction": riskCut},
		}}

	default:
		return nil
	}
}

// recomputeRegulatoryStrength derives the composite strength score from the
// current policy levers.
func (e *Engine) recomputeRegulatoryStrength() {
	s := e.policy.FedRate * 4
	s += (100 - e.policy.MaxLTV) * 2
	s += e.policy.CapitalRequirement * 2
	if e.policy.StressTesting {
		s += 15
	}
	e.policy.RegulatoryStrength = clamp(s, 0, 100)
}

// UpdateDynamics advances the shared economic model by one quarter. Invoked
// once per processed action, after the action-specific mutation. Every step
// guards against non-finite intermediates and falls back to the previous
// value so that malformed inputs can never poison the shared state.
func (e *Engine) UpdateDynamics() {
	m := &e.market
	p := e.policy

	m.TimeStep += TimeQuantum

	imbalance := (m.DemandLevel - m.SupplyLevel) * 0.1
	rateTerm := (6.5 - m.MortgageRate) * 0.5
	growth := m.PriceGrowth*0.7 + imbalance + rateTerm
	m.PriceGrowth = clamp(finiteOr(growth, m.PriceGrowth), minPriceGrowth, maxPriceGrowth)

	m.MedianPrice = finiteOr(m.MedianPrice*(1+m.PriceGrowth/400), m.MedianPrice)

	m.PriceToIncomeRatio = finiteOr(m.MedianPrice/ReferenceMedianIncome, m.PriceToIncomeRatio)

	risk := (m.PriceToIncomeRatio-3)*10 + m.PriceGrowth*1.5
	if m.MortgageRate < 4 {
		risk += (4 - m.MortgageRate) * 5
	}
	if p.MaxLTV > 90 {
		risk += (p.MaxLTV - 90) * 0.8
	}
	if !p.StressTesting {
		risk += 5
	}
	m.BubbleRisk = clamp(finiteOr(risk, m.BubbleRisk), minBubbleRisk, maxBubbleRisk)

	if m.DemandLevel != 0 {
		target := 6 * m.SupplyLevel / m.DemandLevel
		m.Inventory = finiteOr(m.Inventory+(target-m.Inventory)*0.1, m.Inventory)
	}
	m.Inventory = clamp(m.Inventory, minInventory, maxInventory)

	m.HousingStarts = clamp(finiteOr(m.HousingStarts+m.PriceGrowth*10000, m.HousingStarts), minHousingStarts, maxHousingStarts)

	foreclosure := 0.5 + m.BubbleRisk*0.03 + math.Max(0, m.PriceToIncomeRatio-4)*0.5
	m.ForeclosureRate = clamp(finiteOr(foreclosure, m.ForeclosureRate), minForeclosure, maxForeclosure)

	m.SupplyLevel = finiteOr(m.HousingStarts/BaselineHousingStarts*100, m.SupplyLevel)

	demand := 100 + (6.5-m.MortgageRate)*8 - (m.UnemploymentRate-5)*10
	m.DemandLevel = math.Max(minDemandLevel, finiteOr(demand, m.DemandLevel))
}

// Comparison is the result of matching the live simulation against the
// historical reference timeline.
type Comparison struct {
	CurrentRisk     float64 `json:"currentRisk"`
	HistoricalEvent string  `json:"historicalEvent"`
}

// HistoricalComparison finds the reference entry within two quarters of the
// given time step. When nothing matches, the narrative falls back to the
// normal-conditions default.
func (e *Engine) HistoricalComparison(timeStep float64) Comparison {
	narrative := NormalConditions
	best := math.Inf(1)
	for _, h := range e.history {
		dist := math.Abs(h.TimeStep - timeStep)
		if dist <= historicalTolerance && dist < best {
			best = dist
			narrative = fmt.Sprintf("%s %s", h.Title, h.Description)
		}
	}
	return Comparison{CurrentRisk: e.market.BubbleRisk, HistoricalEvent: narrative}
}

// ResetToHistoricalPeriod teleports the simulation to the given quarter,
// overwriting bubble risk and price growth with the piecewise regime for that
// part of the 2004-2012 arc. This is a hard overwrite for classroom "jump to
// period" use: it does not compose with whatever live play produced before.
func (e *Engine) ResetToHistoricalPeriod(quarter float64) {
	e.market.TimeStep = quarter

	switch {
	case quarter <= 6:
		// Bubble building: risk and growth ramp together.
		e.market.BubbleRisk = clamp(30+quarter*5, minBubbleRisk, maxBubbleRisk)
		e.market.PriceGrowth = 8 + quarter
	case quarter <= 10:
		// Peak and early crisis: growth rolls over while risk keeps climbing.
		e.market.BubbleRisk = clamp(60+(quarter-6)*6.25, minBubbleRisk, maxBubbleRisk)
		e.market.PriceGrowth = 14 - (quarter-6)*7.25
	default:
		// 2008 onward: crisis then slow recovery.
		e.market.BubbleRisk = math.Max(10, 85-(quarter-10)*5)
		e.market.PriceGrowth = math.Max(-25, -15+(quarter-10)*2)
	}
}

// numParam extracts a float parameter from the loosely-typed action map.
// Missing or non-numeric values yield 0; the coordinator validates required
// fields before the engine runs, so 0 here only occurs for optional fields.
func numParam(params map[string]any, key string) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func boolParam(params map[string]any, key string) bool {
	b, _ := params[key].(bool)
	return b
}

// clamp bounds v to [lo, hi].
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// finiteOr returns v unless it is NaN or infinite, in which case it returns
// the fallback. Keeps divisions and compounding from poisoning shared state.
func finiteOr(v, fallback float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return v
}
