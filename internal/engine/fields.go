package engine

import (
	"errors"
	"fmt"
	"strings"

	"stageline/internal/domain"
)

// ResponseInput is a submitted field value before typing.
type ResponseInput struct {
	FieldID string `json:"field_id"`
	Value   any    `json:"value"`
}

func blank(raw any) bool {
	switch v := raw.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case []any:
		return len(v) == 0
	case []string:
		return len(v) == 0
	default:
		return false
	}
}

// indexInputs maps submissions by field id, reporting duplicates and ids
// outside known. Issues follow submission order.
func indexInputs(inputs []ResponseInput, known map[string]bool) (map[string]any, []Issue) {
	byID := make(map[string]any, len(inputs))
	var issues []Issue
	for _, in := range inputs {
		if _, dup := byID[in.FieldID]; dup {
			issues = append(issues, Issue{Code: CodeDuplicateField, FieldID: in.FieldID, Message: fmt.Sprintf("field %s submitted more than once", in.FieldID)})
			continue
		}
		byID[in.FieldID] = in.Value
		if !known[in.FieldID] {
			issues = append(issues, Issue{Code: CodeUnknownField, FieldID: in.FieldID, Message: fmt.Sprintf("field %s is not defined for this transition", in.FieldID)})
		}
	}
	return byID, issues
}

// checkFields types the custom field responses of a reason. Every violation is
// collected, in field order.
func checkFields(fields []domain.ReasonCustomField, inputs []ResponseInput) ([]domain.FieldResponse, []Issue) {
	known := make(map[string]bool, len(fields))
	for _, f := range fields {
		known[f.ID] = true
	}
	byID, extra := indexInputs(inputs, known)
	responses := []domain.FieldResponse{}
	var issues []Issue
	for _, f := range fields {
		raw := byID[f.ID]
		if blank(raw) {
			if f.IsRequired {
				issues = append(issues, Issue{Code: CodeRequired, Field: f.FieldName, FieldID: f.ID, Message: fmt.Sprintf("%s is required", f.FieldName)})
			}
			continue
		}
		v, err := domain.DecodeValue(f.FieldType, raw)
		if err != nil {
			code := CodeInvalidType
			if errors.Is(err, domain.ErrNotNumeric) {
				code = CodeNotNumeric
			}
			issues = append(issues, Issue{Code: code, Field: f.FieldName, FieldID: f.ID, Message: fmt.Sprintf("%s: %v", f.FieldName, err)})
			continue
		}
		if sel, ok := v.(domain.MultiSelectValue); ok {
			if bad := outsideOptions(sel, f.Options); len(bad) > 0 {
				issues = append(issues, Issue{Code: CodeInvalidOption, Field: f.FieldName, FieldID: f.ID, Message: fmt.Sprintf("%s: %s not among the options", f.FieldName, strings.Join(bad, ", "))})
				continue
			}
			if dup := repeated(sel); len(dup) > 0 {
				issues = append(issues, Issue{Code: CodeInvalidOption, Field: f.FieldName, FieldID: f.ID, Message: fmt.Sprintf("%s: %s selected more than once", f.FieldName, strings.Join(dup, ", "))})
				continue
			}
		}
		if v.Empty() {
			if f.IsRequired {
				issues = append(issues, Issue{Code: CodeRequired, Field: f.FieldName, FieldID: f.ID, Message: fmt.Sprintf("%s is required", f.FieldName)})
			}
			continue
		}
		responses = append(responses, domain.FieldResponse{FieldID: f.ID, FieldName: f.FieldName, Value: v})
	}
	return responses, append(issues, extra...)
}

func outsideOptions(sel domain.MultiSelectValue, options []string) []string {
	allowed := make(map[string]bool, len(options))
	for _, o := range options {
		allowed[o] = true
	}
	var bad []string
	for _, s := range sel {
		if !allowed[s] {
			bad = append(bad, s)
		}
	}
	return bad
}

func repeated(sel domain.MultiSelectValue) []string {
	seen := make(map[string]int, len(sel))
	var dup []string
	for _, s := range sel {
		seen[s]++
		if seen[s] == 2 {
			dup = append(dup, s)
		}
	}
	return dup
}

// checkApprovals scores gate responses. Missing responses are reported and
// flag the result as pending.
func checkApprovals(gate *Gate, inputs []ResponseInput) (responses []domain.ApprovalResponse, issues []Issue, pending bool) {
	known := make(map[string]bool, len(gate.Fields))
	for _, f := range gate.Fields {
		known[f.ID] = true
	}
	byID, extra := indexInputs(inputs, known)
	responses = []domain.ApprovalResponse{}
	for _, f := range gate.Fields {
		raw, ok := byID[f.ID]
		if !ok || raw == nil {
			pending = true
			issues = append(issues, Issue{Code: CodeApprovalRequired, Field: f.FieldName, FieldID: f.ID, Message: fmt.Sprintf("approval %s requires %s", gate.Approval.Name, f.FieldName)})
			continue
		}
		v, err := domain.DecodeValue(f.FieldType, raw)
		if err != nil {
			issues = append(issues, Issue{Code: CodeInvalidType, Field: f.FieldName, FieldID: f.ID, Message: fmt.Sprintf("%s: %v", f.FieldName, err)})
			continue
		}
		passed, err := EvaluateResponse(f, v)
		if err != nil {
			issues = append(issues, Issue{Code: CodeInvalidType, Field: f.FieldName, FieldID: f.ID, Message: err.Error()})
			continue
		}
		if !passed {
			issues = append(issues, Issue{Code: CodeApprovalFailed, Field: f.FieldName, FieldID: f.ID, Message: fmt.Sprintf("%s does not meet the expected value", f.FieldName)})
		}
		responses = append(responses, domain.ApprovalResponse{FieldID: f.ID, FieldName: f.FieldName, Value: v, Passed: passed})
	}
	return responses, append(issues, extra...), pending
}

func checkAttachments(files []domain.Attachment) []Issue {
	var issues []Issue
	for i, a := range files {
		field := fmt.Sprintf("attachments[%d]", i)
		if strings.TrimSpace(a.FileName) == "" {
			issues = append(issues, Issue{Code: CodeAttachment, Field: field + ".file_name", Message: field + " needs a file name"})
		}
		if strings.TrimSpace(a.ObjectPath) == "" {
			issues = append(issues, Issue{Code: CodeAttachment, Field: field + ".object_path", Message: field + " needs an object path"})
		}
		if a.FileSize < 0 {
			issues = append(issues, Issue{Code: CodeAttachment, Field: field + ".file_size", Message: field + " has a negative size"})
		}
	}
	return issues
}
