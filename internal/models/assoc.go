package models

import "strings"

// AssocState is the authority-owned pairing status of a device or gateway
type AssocState string

const (
	AssocAssociated   AssocState = "ASSOCIATED"
	AssocPending      AssocState = "PENDING"
	AssocUnassociated AssocState = "UNASSOCIATED"
	AssocUnknown      AssocState = "UNKNOWN"
)

// ParseAssocState maps the authority's string to a state; anything unexpected is UNKNOWN
func ParseAssocState(s string) AssocState {
	switch AssocState(strings.ToUpper(strings.TrimSpace(s))) {
	case AssocAssociated:
		return AssocAssociated
	case AssocPending:
		return AssocPending
	case AssocUnassociated:
		return AssocUnassociated
	default:
		return AssocUnknown
	}
}
