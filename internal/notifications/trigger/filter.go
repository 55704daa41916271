// Package trigger decides which tree-registry features warrant a
// notification.
package trigger

import "boommelding/internal/types"

// Classification values that trigger a notification.
const (
	OakProcessionaryMoth = "Eikenprocessierups"
	DutchElmDisease      = "Iepziekte"
)

var triggerValues = map[string]struct{}{
	OakProcessionaryMoth: {},
	DutchElmDisease:      {},
}

// IsTrigger reports whether the feature's Bijzonderheden attribute is
// exactly one of the trigger values. Case and whitespace are significant;
// an absent, null or non-string value never matches.
func IsTrigger(f types.Feature) bool {
	_, ok := Classification(f)
	return ok
}

// Classification returns the feature's trigger value and whether it is one.
func Classification(f types.Feature) (string, bool) {
	v, ok := f[types.AttrClassification].(string)
	if !ok {
		return "", false
	}
	_, match := triggerValues[v]
	return v, match
}
