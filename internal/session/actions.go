package session

import (
	"errors"
	"fmt"
)

// ErrValidation tags parameter failures detected before a transition runs.
// Per-connection handlers report these back to the actor; shared state is
// never touched.
var ErrValidation = errors.New("session: invalid action parameters")

// Policy lever bounds. Regulator inputs outside these ranges are rejected at
// the boundary rather than fed into the engine.
const (
	minFedRate    = 0.0
	maxFedRate    = 15.0
	minLTVLimit   = 50.0
	maxLTVLimit   = 100.0
	minCapitalReq = 0.0
	maxCapitalReq = 30.0
)

// requiredParams declares the numeric parameter shape per role and action
// type. Combinations absent from this table pass through untouched: the
// engine treats them as deliberate no-ops for forward compatibility.
var requiredParams = map[string]map[string][]string{
	"homebuyer": {
		"purchase": {"price", "income", "downPayment"},
		"wait":     nil,
	},
	"investor": {
		"buy_properties": {"quantity", "leverage"},
		"securitize":     nil,
	},
	"regulator": {
		"set_fed_rate":            {"rate"},
		"set_ltv_limit":           {"maxLTV"},
		"require_stress_testing":  nil, // boolean, checked separately
		"set_capital_requirement": {"percent"},
	},
}

// validateAction checks parameter presence, numeric type, and policy lever
// bounds for a recognized role/actionType pair. It never rejects unknown
// pairs; those are the engine's silent no-ops.
func validateAction(role, actionType string, params map[string]any) error {
	byType, ok := requiredParams[role]
	if !ok {
		return nil
	}
	fields, ok := byType[actionType]
	if !ok {
		return nil
	}

	for _, f := range fields {
		v, present := params[f]
		if !present {
			return fmt.Errorf("%w: missing required field %q", ErrValidation, f)
		}
		if _, isNum := asFloat(v); !isNum {
			return fmt.Errorf("%w: field %q must be numeric", ErrValidation, f)
		}
	}

	if role == "regulator" {
		return validateLeverBounds(actionType, params)
	}
	return nil
}

func validateLeverBounds(actionType string, params map[string]any) error {
	switch actionType {
	case "set_fed_rate":
		if v, _ := asFloat(params["rate"]); v < minFedRate || v > maxFedRate {
			return fmt.Errorf("%w: rate %.2f outside [%g, %g]", ErrValidation, v, minFedRate, maxFedRate)
		}
	case "set_ltv_limit":
		if v, _ := asFloat(params["maxLTV"]); v < minLTVLimit || v > maxLTVLimit {
			return fmt.Errorf("%w: maxLTV %.2f outside [%g, %g]", ErrValidation, v, minLTVLimit, maxLTVLimit)
		}
	case "set_capital_requirement":
		if v, _ := asFloat(params["percent"]); v < minCapitalReq || v > maxCapitalReq {
			return fmt.Errorf("%w: percent %.2f outside [%g, %g]", ErrValidation, v, minCapitalReq, maxCapitalReq)
		}
	case "require_stress_testing":
		if _, ok := params["enabled"].(bool); !ok {
			return fmt.Errorf("%w: field %q must be a boolean", ErrValidation, "enabled")
		}
	}
	return nil
}

// asFloat reports whether v carries a usable numeric value. JSON decoding
// yields float64, but callers constructing actions in-process may pass ints.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
