package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func orderSchema() Schema {
	return Schema{
		Subject: "order.created",
		Version: 1,
		Fields: []Field{
			{Name: "order_id", Type: FieldType{Kind: KindString}, Required: true, Pattern: `^ord-\d+$`},
			{Name: "total", Type: FieldType{Kind: KindFloat}, Required: true},
			{Name: "status", Type: FieldType{Kind: KindEnum, EnumValues: []string{"pending", "paid", "shipped"}}, Required: true},
			{Name: "items", Type: FieldType{Kind: KindArray, Element: &FieldType{Kind: KindString}}},
		},
	}
}

func TestValidatorAcceptsMatchingPayload(t *testing.T) {
	v := NewValidator(nil)
	payload := []byte(`{"order_id":"ord-1","total":9.5,"status":"pending","items":["sku-1","sku-2"]}`)
	violations, err := v.Validate(orderSchema(), payload)
	require.NoError(t, err)
	require.Empty(t, violations)
}

func TestValidatorCollectsViolations(t *testing.T) {
	v := NewValidator(nil)
	payload := []byte(`{"order_id":"not-matching","status":"unknown"}`)
	violations, err := v.Validate(orderSchema(), payload)
	require.NoError(t, err)
	require.Len(t, violations, 3) // bad pattern, missing total, bad enum
}

func TestValidateAndDecideSoftFailAdmits(t *testing.T) {
	v := NewValidator(nil)
	_, err := v.ValidateAndDecide(orderSchema(), []byte(`{}`), PolicySoftFail)
	require.NoError(t, err)
}

func TestValidateAndDecideHardFailRejects(t *testing.T) {
	v := NewValidator(nil)
	_, err := v.ValidateAndDecide(orderSchema(), []byte(`{}`), PolicyHardFail)
	require.ErrorIs(t, err, ErrValidationFailed)
}

func TestRecursiveObjectField(t *testing.T) {
	s := Schema{
		Subject: "nested",
		Version: 1,
		Fields: []Field{
			{Name: "address", Required: true, Type: FieldType{
				Kind: KindObject,
				Fields: []Field{
					{Name: "city", Type: FieldType{Kind: KindString}, Required: true},
				},
			}},
		},
	}
	v := NewValidator(nil)
	violations, err := v.Validate(s, []byte(`{"address":{}}`))
	require.NoError(t, err)
	require.Len(t, violations, 1)
	require.Equal(t, "$.address.city", violations[0].Path)
}
