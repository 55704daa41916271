package types

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Attribute names read from ArcGIS tree-registry features.
const (
	AttrClassification = "Bijzonderheden"
	AttrID             = "Id"
	AttrObjectID       = "OBJECTID"
)

// Feature is one changed record from the change feed: attribute name to value.
// Values are strings, json.Number, bool, or nil as decoded from the payload.
type Feature map[string]any

// Lookup returns the textual form of the named attribute. The second result is
// false when the attribute is absent or null.
func (f Feature) Lookup(name string) (string, bool) {
	v, ok := f[name]
	if !ok || v == nil {
		return "", false
	}
	return FormatValue(v), true
}

// Identifier returns the value used to tag log records for this feature:
// Id when present, otherwise OBJECTID, otherwise an empty string.
func (f Feature) Identifier() string {
	if id, ok := f.Lookup(AttrID); ok {
		return id
	}
	if id, ok := f.Lookup(AttrObjectID); ok {
		return id
	}
	return ""
}

// FormatValue renders an attribute value the way it appeared in the payload.
func FormatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}
