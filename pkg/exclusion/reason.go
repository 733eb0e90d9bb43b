package exclusion

import "fmt"

// Reason explains why an id is excluded from ingestion.
type Reason string

const (
	// ReasonNotCatalogItem marks ids the upstream no longer serves.
	ReasonNotCatalogItem Reason = "not_catalog_item"

	// ReasonNoUsableDetail marks ids whose detail document is empty.
	ReasonNoUsableDetail Reason = "no_usable_detail"

	// ReasonPermanentFailure marks ids that fail in a way retrying cannot fix.
	ReasonPermanentFailure Reason = "permanent_failure"

	// ReasonManualExclusion marks ids excluded by an operator.
	ReasonManualExclusion Reason = "manual_exclusion"
)

var reasons = []Reason{
	ReasonNotCatalogItem,
	ReasonNoUsableDetail,
	ReasonPermanentFailure,
	ReasonManualExclusion,
}

// Reasons returns every known reason.
func Reasons() []Reason {
	return append([]Reason(nil), reasons...)
}

// ParseReason validates a reason name.
func ParseReason(s string) (Reason, error) {
	for _, r := range reasons {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownReason, s)
}
