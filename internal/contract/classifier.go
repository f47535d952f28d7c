package contract

import (
	"fmt"
	"strings"

	"github.com/tidemark-io/propagate/pkg/alg/mapx"
)

// Severity ranks how disruptive a change is to consumers.
type Severity string

// Severity levels, highest first.
const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// breakingKinds are the diff kinds that break existing consumers. Additive
// kinds (operation_added, nested_field_added) and non-narrowing parameter
// changes (parameter_removed) are excluded.
var breakingKinds = map[DiffKind]bool{
	DiffOperationRemoved:         true,
	DiffFieldAddedRequired:       true,
	DiffFieldOptionalToRequired:  true,
	DiffFieldRemoved:             true,
	DiffFieldTypeChanged:         true,
	DiffEnumValuesRemoved:        true,
	DiffNestedFieldRemoved:       true,
	DiffNestedFieldTypeChanged:   true,
	DiffArrayItemTypeChanged:     true,
	DiffParameterAddedRequired:   true,
	DiffParameterTypeChanged:     true,
	DiffContentTypeChanged:       true,
	DiffSecurityChanged:          true,
	DiffResponseStructureChanged: true,
}

// ChangedField is the persisted per-diff detail record.
type ChangedField struct {
	Path     string  `json:"path"`
	Method   string  `json:"method"`
	Field    string  `json:"field"`
	DiffType string  `json:"diff_type"`
	OldValue *string `json:"old_value"`
	NewValue *string `json:"new_value"`
}

// ClassifiedChange is the aggregate outcome of classifying a diff list.
type ClassifiedChange struct {
	IsBreaking    bool
	Severity      Severity
	Summary       string
	ChangedRoutes []string
	ChangedFields []ChangedField
	Diffs         []FieldDiff
}

// Classify aggregates a diff list into a single classified change:
// breakage, severity (highest wins), a one-line summary, and the sorted
// deduplicated "METHOD path" route list.
func Classify(diffs []FieldDiff) ClassifiedChange {
	if len(diffs) == 0 {
		return ClassifiedChange{
			IsBreaking:    false,
			Severity:      SeverityLow,
			Summary:       "No changes detected",
			ChangedRoutes: []string{},
			ChangedFields: []ChangedField{},
			Diffs:         []FieldDiff{},
		}
	}

	isBreaking := false

	for _, d := range diffs {
		if breakingKinds[d.Kind] {
			isBreaking = true

			break
		}
	}

	hasRequiredAdd := hasAnyKind(diffs, DiffFieldAddedRequired, DiffFieldOptionalToRequired)
	hasStructureChange := hasAnyKind(diffs, DiffResponseStructureChanged)
	hasFieldRemoved := hasAnyKind(diffs, DiffFieldRemoved, DiffNestedFieldRemoved)
	hasTypeChange := hasAnyKind(diffs, DiffFieldTypeChanged, DiffNestedFieldTypeChanged, DiffArrayItemTypeChanged)
	hasEnumNarrowing := hasAnyKind(diffs, DiffEnumValuesRemoved)

	var severity Severity

	switch {
	case hasRequiredAdd || hasStructureChange:
		severity = SeverityCritical
	case hasFieldRemoved || hasEnumNarrowing:
		severity = SeverityHigh
	case hasTypeChange:
		severity = SeverityMedium
	default:
		severity = SeverityLow
	}

	var parts []string

	if hasRequiredAdd {
		fields := fieldsOfKind(diffs, DiffFieldAddedRequired, DiffFieldOptionalToRequired)
		parts = append(parts, "New required field(s): "+strings.Join(fields, ", "))
	}

	if hasFieldRemoved {
		fields := fieldsOfKind(diffs, DiffFieldRemoved, DiffNestedFieldRemoved)
		parts = append(parts, "Removed field(s): "+strings.Join(fields, ", "))
	}

	if hasStructureChange {
		fields := fieldsOfKind(diffs, DiffResponseStructureChanged)
		parts = append(parts, "Response structure changed: "+strings.Join(fields, ", "))
	}

	if hasTypeChange {
		fields := fieldsOfKind(diffs, DiffFieldTypeChanged, DiffNestedFieldTypeChanged, DiffArrayItemTypeChanged)
		parts = append(parts, "Type changed: "+strings.Join(fields, ", "))
	}

	if hasEnumNarrowing {
		fields := fieldsOfKind(diffs, DiffEnumValuesRemoved)
		parts = append(parts, "Enum values removed: "+strings.Join(fields, ", "))
	}

	summary := "Non-breaking changes detected"
	if len(parts) > 0 {
		summary = strings.Join(parts, "; ")
	}

	routeSet := make(map[string]struct{}, len(diffs))
	for _, d := range diffs {
		routeSet[strings.ToUpper(d.Method)+" "+d.Path] = struct{}{}
	}

	changedFields := make([]ChangedField, 0, len(diffs))
	for _, d := range diffs {
		changedFields = append(changedFields, ChangedField{
			Path:     d.Path,
			Method:   d.Method,
			Field:    d.Field,
			DiffType: string(d.Kind),
			OldValue: stringify(d.OldValue),
			NewValue: stringify(d.NewValue),
		})
	}

	return ClassifiedChange{
		IsBreaking:    isBreaking,
		Severity:      severity,
		Summary:       summary,
		ChangedRoutes: mapx.SortedKeys(routeSet),
		ChangedFields: changedFields,
		Diffs:         diffs,
	}
}

func hasAnyKind(diffs []FieldDiff, kinds ...DiffKind) bool {
	for _, d := range diffs {
		for _, k := range kinds {
			if d.Kind == k {
				return true
			}
		}
	}

	return false
}

// fieldsOfKind returns field pointers of matching diffs in diff-list order.
func fieldsOfKind(diffs []FieldDiff, kinds ...DiffKind) []string {
	var fields []string

	for _, d := range diffs {
		for _, k := range kinds {
			if d.Kind == k {
				fields = append(fields, d.Field)

				break
			}
		}
	}

	return fields
}

func stringify(v any) *string {
	if v == nil {
		return nil
	}

	s := fmt.Sprint(v)

	return &s
}
