package domain

import "fmt"

// UnknownAssetName is shown for asset references that no longer resolve.
const UnknownAssetName = "Unknown Asset"

// TempRange is an acceptable temperature band. Either bound may be nil.
//
// Bounds are a literal inclusive band; a range stored with Min > Max is
// read with the bounds swapped. Only Inverted turns the band into an
// exclusion band, where readings strictly between the bounds are out of
// range.
type TempRange struct {
	Min      *float64 `json:"min"`
	Max      *float64 `json:"max"`
	Inverted bool     `json:"inverted,omitempty"`
}

// IsSet reports whether at least one bound is configured.
func (r TempRange) IsSet() bool {
	return r.Min != nil || r.Max != nil
}

// Bounds returns the ordered bounds.
func (r TempRange) Bounds() (lo, hi *float64) {
	lo, hi = r.Min, r.Max
	if lo != nil && hi != nil && *lo > *hi {
		lo, hi = hi, lo
	}
	return lo, hi
}

// OutOfRange reports whether v falls outside the acceptable band.
// A range with no bounds never reports out of range.
func (r TempRange) OutOfRange(v float64) bool {
	lo, hi := r.Bounds()
	if r.Inverted && lo != nil && hi != nil {
		return v > *lo && v < *hi
	}
	if lo != nil && v < *lo {
		return true
	}
	if hi != nil && v > *hi {
		return true
	}
	return false
}

// String formats the band for display and audit snapshots.
func (r TempRange) String() string {
	lo, hi := r.Bounds()
	switch {
	case lo == nil && hi == nil:
		return "no range"
	case lo == nil:
		return fmt.Sprintf("≤ %g°", *hi)
	case hi == nil:
		return fmt.Sprintf("≥ %g°", *lo)
	case r.Inverted:
		return fmt.Sprintf("≤ %g° or ≥ %g°", *lo, *hi)
	default:
		return fmt.Sprintf("%g° to %g°", *lo, *hi)
	}
}

// Asset is a piece of equipment with an optional temperature band.
type Asset struct {
	ID       string    `json:"id"`
	TenantID string    `json:"tenant_id"`
	SiteID   string    `json:"site_id,omitempty"`
	Name     string    `json:"name"`
	Nickname string    `json:"nickname,omitempty"`
	Range    TempRange `json:"range"`
	Archived bool      `json:"archived"`

	// Placeholder is set on stand-ins for assets that could not be loaded.
	Placeholder bool `json:"placeholder,omitempty"`
}

// DisplayName prefers the nickname over the stored name.
func (a Asset) DisplayName() string {
	if a.Nickname != "" {
		return a.Nickname
	}
	if a.Name == "" {
		return UnknownAssetName
	}
	return a.Name
}

// PlaceholderAsset builds the stand-in used when an asset lookup misses.
func PlaceholderAsset(id string) Asset {
	return Asset{ID: id, Name: UnknownAssetName, Placeholder: true}
}

// Float returns a pointer to v. Handy for building ranges and readings.
func Float(v float64) *float64 {
	return &v
}
