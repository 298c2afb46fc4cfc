package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Value is a typed response payload. Exactly one variant exists per field
// type, so a number response can never carry a selection list.
type Value interface {
	Type() FieldType
	Empty() bool
	isValue()
}

type NumberValue float64

func (NumberValue) Type() FieldType { return FieldNumber }
func (NumberValue) Empty() bool     { return false }
func (NumberValue) isValue()        {}

type ShortTextValue string

func (ShortTextValue) Type() FieldType { return FieldShortText }
func (v ShortTextValue) Empty() bool   { return strings.TrimSpace(string(v)) == "" }
func (ShortTextValue) isValue()        {}

type LongTextValue string

func (LongTextValue) Type() FieldType { return FieldLongText }
func (v LongTextValue) Empty() bool   { return strings.TrimSpace(string(v)) == "" }
func (LongTextValue) isValue()        {}

type MultiSelectValue []string

func (MultiSelectValue) Type() FieldType { return FieldMultiSelect }
func (v MultiSelectValue) Empty() bool   { return len(v) == 0 }
func (MultiSelectValue) isValue()        {}

type BooleanValue bool

func (BooleanValue) Type() FieldType { return FieldBoolean }
func (BooleanValue) Empty() bool     { return false }
func (BooleanValue) isValue()        {}

var (
	ErrNotNumeric     = errors.New("value is not numeric")
	ErrNotText        = errors.New("value is not text")
	ErrNotBoolean     = errors.New("value is not a boolean")
	ErrNotSelection   = errors.New("value is not a list of options")
	ErrUnknownType    = errors.New("unknown field type")
	ErrMissingPayload = errors.New("value missing")
)

// DecodeValue converts a loosely typed submission (JSON-decoded or CLI text)
// into the variant for fieldType.
func DecodeValue(fieldType FieldType, raw any) (Value, error) {
	if raw == nil {
		return nil, ErrMissingPayload
	}
	switch fieldType {
	case FieldNumber:
		n, err := toNumber(raw)
		if err != nil {
			return nil, err
		}
		return NumberValue(n), nil
	case FieldShortText, FieldLongText:
		s, ok := raw.(string)
		if !ok {
			return nil, ErrNotText
		}
		if fieldType == FieldShortText {
			return ShortTextValue(s), nil
		}
		return LongTextValue(s), nil
	case FieldMultiSelect:
		return toSelection(raw)
	case FieldBoolean:
		switch v := raw.(type) {
		case bool:
			return BooleanValue(v), nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, ErrNotBoolean
			}
			return BooleanValue(b), nil
		default:
			return nil, ErrNotBoolean
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, fieldType)
	}
}

func toNumber(raw any) (float64, error) {
	var n float64
	switch v := raw.(type) {
	case float64:
		n = v
	case float32:
		n = float64(v)
	case int:
		n = float64(v)
	case int64:
		n = float64(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, ErrNotNumeric
		}
		n = f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, ErrNotNumeric
		}
		n = f
	default:
		return 0, ErrNotNumeric
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, ErrNotNumeric
	}
	return n, nil
}

func toSelection(raw any) (Value, error) {
	switch v := raw.(type) {
	case []string:
		return MultiSelectValue(append([]string(nil), v...)), nil
	case MultiSelectValue:
		return append(MultiSelectValue(nil), v...), nil
	case []any:
		out := make(MultiSelectValue, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, ErrNotSelection
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, ErrNotSelection
	}
}

// Raw returns the JSON-friendly payload of a value.
func Raw(v Value) any {
	switch t := v.(type) {
	case NumberValue:
		return float64(t)
	case ShortTextValue:
		return string(t)
	case LongTextValue:
		return string(t)
	case MultiSelectValue:
		return []string(t)
	case BooleanValue:
		return bool(t)
	default:
		return nil
	}
}

// FieldResponse is a typed answer to a reason's custom field. On the wire it
// carries the field type alongside the raw value.
type FieldResponse struct {
	FieldID   string `json:"field_id"`
	FieldName string `json:"field_name,omitempty"`
	Value     Value  `json:"value"`
}

type wireResponse struct {
	FieldID   string          `json:"field_id"`
	FieldName string          `json:"field_name,omitempty"`
	FieldType FieldType       `json:"field_type"`
	Value     json.RawMessage `json:"value"`
	Passed    *bool           `json:"passed,omitempty"`
}

func marshalResponse(fieldID, fieldName string, v Value, passed *bool) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("response %s: %w", fieldID, ErrMissingPayload)
	}
	payload, err := json.Marshal(Raw(v))
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireResponse{
		FieldID:   fieldID,
		FieldName: fieldName,
		FieldType: v.Type(),
		Value:     payload,
		Passed:    passed,
	})
}

func unmarshalResponse(data []byte) (wireResponse, Value, error) {
	var w wireResponse
	if err := json.Unmarshal(data, &w); err != nil {
		return w, nil, err
	}
	var raw any
	if len(w.Value) > 0 {
		if err := json.Unmarshal(w.Value, &raw); err != nil {
			return w, nil, err
		}
	}
	v, err := DecodeValue(w.FieldType, raw)
	if err != nil {
		return w, nil, fmt.Errorf("response %s: %w", w.FieldID, err)
	}
	return w, v, nil
}

func (r FieldResponse) MarshalJSON() ([]byte, error) {
	return marshalResponse(r.FieldID, r.FieldName, r.Value, nil)
}

func (r *FieldResponse) UnmarshalJSON(data []byte) error {
	w, v, err := unmarshalResponse(data)
	if err != nil {
		return err
	}
	r.FieldID, r.FieldName, r.Value = w.FieldID, w.FieldName, v
	return nil
}

type ApprovalResponse struct {
	FieldID   string `json:"field_id"`
	FieldName string `json:"field_name,omitempty"`
	Value     Value  `json:"value"`
	Passed    bool   `json:"passed"`
}

func (r ApprovalResponse) MarshalJSON() ([]byte, error) {
	passed := r.Passed
	return marshalResponse(r.FieldID, r.FieldName, r.Value, &passed)
}

func (r *ApprovalResponse) UnmarshalJSON(data []byte) error {
	w, v, err := unmarshalResponse(data)
	if err != nil {
		return err
	}
	r.FieldID, r.FieldName, r.Value = w.FieldID, w.FieldName, v
	r.Passed = w.Passed != nil && *w.Passed
	return nil
}
