package domain

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeValue(t *testing.T) {
	cases := []struct {
		name string
		typ  FieldType
		raw  any
		want Value
		err  error
	}{
		{"float", FieldNumber, 2.5, NumberValue(2.5), nil},
		{"int", FieldNumber, 3, NumberValue(3), nil},
		{"numeric text", FieldNumber, " 4 ", NumberValue(4), nil},
		{"json number", FieldNumber, json.Number("7"), NumberValue(7), nil},
		{"words", FieldNumber, "four", nil, ErrNotNumeric},
		{"nan", FieldNumber, math.NaN(), nil, ErrNotNumeric},
		{"short", FieldShortText, "hi", ShortTextValue("hi"), nil},
		{"long", FieldLongText, "hello", LongTextValue("hello"), nil},
		{"text from number", FieldShortText, 1.0, nil, ErrNotText},
		{"options", FieldMultiSelect, []any{"a", "b"}, MultiSelectValue{"a", "b"}, nil},
		{"mixed options", FieldMultiSelect, []any{"a", 1.0}, nil, ErrNotSelection},
		{"bool", FieldBoolean, true, BooleanValue(true), nil},
		{"bool text", FieldBoolean, "false", BooleanValue(false), nil},
		{"bool junk", FieldBoolean, "maybe", nil, ErrNotBoolean},
		{"missing", FieldNumber, nil, nil, ErrMissingPayload},
		{"unknown type", FieldType("date"), "x", nil, ErrUnknownType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeValue(tc.typ, tc.raw)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestResponseWireFormat(t *testing.T) {
	data, err := json.Marshal(FieldResponse{FieldID: "docs", FieldName: "Documents", Value: MultiSelectValue{"receipts"}})
	require.NoError(t, err)
	require.JSONEq(t, `{"field_id":"docs","field_name":"Documents","field_type":"multi_select","value":["receipts"]}`, string(data))

	var back FieldResponse
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, MultiSelectValue{"receipts"}, back.Value)

	data, err = json.Marshal(ApprovalResponse{FieldID: "signed_off", Value: BooleanValue(false)})
	require.NoError(t, err)
	require.JSONEq(t, `{"field_id":"signed_off","field_type":"boolean","value":false,"passed":false}`, string(data))
}

func TestUnmarshalRejectsMismatchedPayload(t *testing.T) {
	var r FieldResponse
	err := json.Unmarshal([]byte(`{"field_id":"h","field_type":"number","value":["x"]}`), &r)
	require.ErrorIs(t, err, ErrNotNumeric)
}

func TestChronologyLookups(t *testing.T) {
	var empty Chronology
	_, ok := empty.Last()
	require.False(t, ok)

	c := Chronology{{Stage: "intake"}, {Stage: "review"}, {Stage: "intake"}}
	last, ok := c.LastEntryFor("intake")
	require.True(t, ok)
	require.Equal(t, c[2], last)
	_, ok = c.LastEntryFor("done")
	require.False(t, ok)
}
