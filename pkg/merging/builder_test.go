package merging

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matvik19/duplicate-contacts/pkg/models"
	"github.com/matvik19/duplicate-contacts/pkg/normalizers"
)

const (
	phoneFieldID = 100
	emailFieldID = 101
	cityFieldID  = 200
	noteFieldID  = 300
)

func phone(values ...string) models.CustomField {
	f := models.CustomField{FieldID: phoneFieldID, FieldName: "Телефон", FieldCode: "PHONE"}
	for _, v := range values {
		f.Values = append(f.Values, models.FieldValue{Value: v, EnumCode: "MOB"})
	}
	return f
}

func city(v string) models.CustomField {
	return models.CustomField{FieldID: cityFieldID, FieldName: "Город", Values: []models.FieldValue{{Value: v}}}
}

func decodeEntries(t *testing.T, raw []string) []MultiValue {
	t.Helper()
	out := make([]MultiValue, 0, len(raw))
	for _, r := range raw {
		var mv MultiValue
		require.NoError(t, json.Unmarshal([]byte(r), &mv))
		out = append(out, mv)
	}
	return out
}

func TestBuilder_Build_Basics(t *testing.T) {
	price := 250.5
	primary := models.Contact{
		ID: 1, Name: "Иван", ResponsibleUserID: 9, CreatedAt: 1000, Price: &price,
		CustomFields: []models.CustomField{phone("+7 999 111-22-33"), city("Москва")},
		Embedded: models.Embedded{
			Tags:      []models.Ref{{ID: 10}, {ID: 11}},
			Companies: []models.Ref{{ID: 500}, {ID: 501}},
			Leads:     []models.Ref{{ID: 70}},
		},
	}
	dup := models.Contact{
		ID: 2, Name: "Ваня", ResponsibleUserID: 8, CreatedAt: 2000,
		CustomFields: []models.CustomField{
			{FieldID: noteFieldID, FieldName: "Заметка", Values: []models.FieldValue{{Value: "vip"}}},
		},
		Embedded: models.Embedded{
			Tags:      []models.Ref{{ID: 11}, {ID: 12}},
			Companies: []models.Ref{{ID: 600}},
			Leads:     []models.Ref{{ID: 70}, {ID: 71}},
		},
	}

	req := NewBuilder().Build(primary, []models.Contact{dup}, nil)

	assert.Equal(t, []string{"1", "2"}, req.Get(KeyIDs))
	assert.Equal(t, []string{"Иван"}, req.Get(KeyName))
	assert.Equal(t, []string{"9"}, req.Get(KeyMainUser))
	assert.Equal(t, []string{"1"}, req.Get(KeyID))
	assert.Equal(t, []string{"1000"}, req.Get(KeyDateCreate))
	assert.Equal(t, []string{"250.5"}, req.Get(KeyPrice))
	assert.Equal(t, []string{"10", "11", "12"}, req.Get(KeyTags))
	assert.Equal(t, []int64{10, 11, 12}, req.TagIDs)
	assert.Equal(t, []string{"70", "71"}, req.Get(KeyLeads))
	assert.Equal(t, []string{"500"}, req.Get(KeyCompanyUID))
	assert.Equal(t, []string{"500"}, req.Get(KeyCompanyID))

	assert.Equal(t, []string{"москва"}, normalizeAll(req.Get(CustomFieldKey(cityFieldID)), normalizers.Text))
	assert.Equal(t, []string{"vip"}, req.Get(CustomFieldKey(noteFieldID)), "field missing on primary is added")

	entries := decodeEntries(t, req.Get(MultiFieldKey(phoneFieldID)))
	require.Len(t, entries, 1)
	assert.Equal(t, "MOB", entries[0].Description)
	assert.Equal(t, "+7 999 111-22-33", entries[0].Value)

	encoded := req.Encode()
	assert.Equal(t, []string{"1", "2"}, encoded["id[]"])
}

func TestBuilder_Build_PhonesDeduplicatedByNormalizedValue(t *testing.T) {
	primary := models.Contact{ID: 1, CreatedAt: 1, CustomFields: []models.CustomField{phone("8 (999) 111-22-33", "79991112233")}}
	dupA := models.Contact{ID: 2, CreatedAt: 2, CustomFields: []models.CustomField{phone("+7 999 111 22 33", "+7 999 000-00-00")}}
	dupB := models.Contact{ID: 3, CreatedAt: 3, CustomFields: []models.CustomField{phone("89990000000")}}

	req := NewBuilder().Build(primary, []models.Contact{dupA, dupB}, nil)

	entries := decodeEntries(t, req.Get(MultiFieldKey(phoneFieldID)))
	seen := make(map[string]bool)
	for _, e := range entries {
		n := normalizers.NormalizePhone(e.Value.(string))
		assert.False(t, seen[n], "phone %s repeated", n)
		seen[n] = true
	}
	assert.Len(t, entries, 2)
	assert.True(t, seen["79991112233"])
	assert.True(t, seen["79990000000"])
}

func TestBuilder_Build_PriorityTakesNewestDuplicate(t *testing.T) {
	primary := models.Contact{ID: 1, Name: "a", CreatedAt: 1, CustomFields: []models.CustomField{city("a")}}
	older := models.Contact{ID: 2, Name: "b", CreatedAt: 2, CustomFields: []models.CustomField{city("b")}}
	newest := models.Contact{ID: 3, Name: "c", CreatedAt: 3, CustomFields: []models.CustomField{city("c")}}

	rs := models.RuleSet{PriorityFields: []models.PriorityField{
		{FieldName: "Город", Action: true},
		{FieldName: "name", Action: true},
	}}
	req := NewBuilder().Build(primary, []models.Contact{older, newest}, rs.ActivePriorityFields())

	assert.Equal(t, []string{"c"}, req.Get(CustomFieldKey(cityFieldID)))
	assert.Equal(t, []string{"c"}, req.Get(KeyName))
	assert.Equal(t, []string{"1"}, req.Get(KeyID), "surviving id stays the primary")
}

func TestBuilder_Build_InactivePriorityIgnored(t *testing.T) {
	primary := models.Contact{ID: 1, Name: "a", CustomFields: []models.CustomField{city("a")}}
	newest := models.Contact{ID: 2, Name: "c", CustomFields: []models.CustomField{city("c")}}

	rs := models.RuleSet{PriorityFields: []models.PriorityField{{FieldName: "Город", Action: false}}}
	req := NewBuilder().Build(primary, []models.Contact{newest}, rs.ActivePriorityFields())

	assert.Equal(t, []string{"a"}, req.Get(CustomFieldKey(cityFieldID)))
	assert.Equal(t, []string{"a"}, req.Get(KeyName))
}

func TestBuilder_Build_PriorityOnPhoneReplacesList(t *testing.T) {
	primary := models.Contact{ID: 1, CustomFields: []models.CustomField{phone("79991112233")}}
	newest := models.Contact{ID: 2, CustomFields: []models.CustomField{phone("79995554433", "89995554433")}}

	req := NewBuilder().Build(primary, []models.Contact{newest}, map[string]bool{"Телефон": true})

	entries := decodeEntries(t, req.Get(MultiFieldKey(phoneFieldID)))
	require.Len(t, entries, 1)
	assert.Equal(t, "79995554433", entries[0].Value)
}

func TestBuilder_Build_EmailDefaultsDescription(t *testing.T) {
	primary := models.Contact{ID: 1, CustomFields: []models.CustomField{{
		FieldID: emailFieldID, FieldName: "Email", FieldCode: "EMAIL",
		Values: []models.FieldValue{{Value: "a@b.ru"}},
	}}}

	req := NewBuilder().Build(primary, nil, nil)

	raw := req.Get(MultiFieldKey(emailFieldID))
	require.Len(t, raw, 1)
	assert.JSONEq(t, `{"DESCRIPTION":"WORK","VALUE":"a@b.ru"}`, raw[0])
	assert.Nil(t, req.Get(KeyTags))
	assert.Nil(t, req.Get(KeyLeads))
	assert.Nil(t, req.Get(KeyCompanyID))
}

func normalizeAll(values []string, fn normalizers.Normalizer) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, fn(v))
	}
	return out
}
