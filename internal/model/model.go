// Package model defines the core domain types shared across the simulation
// server: the per-session market and policy state, the actions participants
// submit, and the immutable event/decision records the sink stores.
package model

import "time"

// Roles a participant can hold within a session.
const (
	RoleHomebuyer = "homebuyer"
	RoleInvestor  = "investor"
	RoleRegulator = "regulator"
)

// MarketState holds the continuous economic indicators for one session.
// Mutated only by the engine, once per processed action. All fields are
// finite; the engine clamps the documented ranges after every transition.
type MarketState struct {
	MedianPrice        float64 `json:"medianPrice" db:"median_price"`
	PriceGrowth        float64 `json:"priceGrowth" db:"price_growth"` // annualized %, clamped [-20, 30]
	Inventory          float64 `json:"inventory" db:"inventory"`      // months of supply, clamped [0.5, 12]
	BubbleRisk         float64 `json:"bubbleRisk" db:"bubble_risk"`   // composite score, clamped [0, 100]
	SupplyLevel        float64 `json:"supplyLevel" db:"supply_level"`
	DemandLevel        float64 `json:"demandLevel" db:"demand_level"` // floored at 50
	PriceToIncomeRatio float64 `json:"priceToIncomeRatio" db:"price_to_income_ratio"`
	MortgageRate       float64 `json:"mortgageRate" db:"mortgage_rate"`
	UnemploymentRate   float64 `json:"unemploymentRate" db:"unemployment_rate"`
	HousingStarts      float64 `json:"housingStarts" db:"housing_starts"`     // clamped [500000, 3000000]
	ForeclosureRate    float64 `json:"foreclosureRate" db:"foreclosure_rate"` // clamped [0.1, 5]
	TimeStep           float64 `json:"timeStep" db:"time_step"`               // quarters elapsed, +0.25 per action
}

// PolicyState holds the regulator-controlled levers for one session.
// Mutated only by regulator actions.
type PolicyState struct {
	FedRate            float64 `json:"fedRate" db:"fed_rate"`
	MaxLTV             float64 `json:"maxLTV" db:"max_ltv"`
	CapitalRequirement float64 `json:"capitalRequirement" db:"capital_requirement"`
	StressTesting      bool    `json:"stressTesting" db:"stress_testing"`
	RegulatoryStrength float64 `json:"regulatoryStrength" db:"regulatory_strength"`
}

// HistoricalEvent is one entry of the immutable reference timeline seeded at
// engine construction. Never mutated; used only for read-only comparison.
type HistoricalEvent struct {
	TimeStep    float64 `json:"timeStep"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
}

// Action is a participant-submitted, role-scoped instruction. Params is a
// loosely-typed map validated at the point of use by each transition handler.
type Action struct {
	ParticipantID string         `json:"participantId"`
	Role          string         `json:"role"`
	Type          string         `json:"actionType"`
	Params        map[string]any `json:"parameters"`
}

// Event is an immutable fact emitted by a transition: what happened, who
// triggered it, and the numeric deltas it applied. Events are the only
// channel through which state changes are explained to clients.
type Event struct {
	ID          string             `json:"id"`
	Type        string             `json:"eventType"`
	Data        map[string]any     `json:"eventData"`
	TriggeredBy string             `json:"triggeredBy"`
	Impact      map[string]float64 `json:"impact"`
}

// Session is one isolated simulation instance plus its state snapshot at the
// last checkpoint. Owned by the coordinator; persisted after each action.
type Session struct {
	ID          int64       `json:"id" db:"id"`
	OwnerID     string      `json:"ownerId" db:"owner_id"`
	Name        string      `json:"name" db:"name"`
	CurrentRole string      `json:"currentRole" db:"current_role"`
	Active      bool        `json:"active" db:"active"`
	Market      MarketState `json:"marketState" db:"market_state"`
	Policy      PolicyState `json:"policyState" db:"policy_state"`
	CreatedAt   time.Time   `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time   `json:"updatedAt" db:"updated_at"`
}

// DecisionRecord is the append-only persisted form of one submitted action.
type DecisionRecord struct {
	ID            string         `json:"id" db:"id"`
	SessionID     int64          `json:"sessionId" db:"session_id"`
	ParticipantID string         `json:"participantId" db:"participant_id"`
	Role          string         `json:"role" db:"role"`
	ActionType    string         `json:"actionType" db:"action_type"`
	Params        map[string]any `json:"parameters" db:"parameters"`
	CreatedAt     time.Time      `json:"createdAt" db:"created_at"`
}
