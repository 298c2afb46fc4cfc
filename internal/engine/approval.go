package engine

import (
	"fmt"

	"stageline/internal/domain"
)

// EvaluateResponse scores a submitted approval value against its field.
// Fields without an expectation, and text fields, always pass. A value whose
// variant does not match the field type is an error.
func EvaluateResponse(f domain.StageApprovalField, v domain.Value) (bool, error) {
	if v == nil {
		return false, fmt.Errorf("field %s: %w", f.FieldName, domain.ErrMissingPayload)
	}
	if v.Type() != f.FieldType && !(isText(f.FieldType) && isText(v.Type())) {
		return false, fmt.Errorf("field %s expects %s, got %s", f.FieldName, f.FieldType, v.Type())
	}
	switch f.FieldType {
	case domain.FieldBoolean:
		if f.ExpectedValueBoolean == nil {
			return true, nil
		}
		return bool(v.(domain.BooleanValue)) == *f.ExpectedValueBoolean, nil
	case domain.FieldNumber:
		if f.ExpectedValueNumber == nil {
			return true, nil
		}
		got, want := float64(v.(domain.NumberValue)), *f.ExpectedValueNumber
		switch f.ComparisonType {
		case domain.CompareLessThan:
			return got < want, nil
		case domain.CompareGreaterThan:
			return got > want, nil
		case domain.CompareEqualTo, "":
			return got == want, nil
		default:
			return false, fmt.Errorf("field %s has unknown comparison %q", f.FieldName, f.ComparisonType)
		}
	case domain.FieldShortText, domain.FieldLongText:
		return true, nil
	default:
		return false, fmt.Errorf("field %s has unsupported type %s", f.FieldName, f.FieldType)
	}
}

func isText(t domain.FieldType) bool {
	return t == domain.FieldShortText || t == domain.FieldLongText
}
