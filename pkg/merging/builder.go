// Package merging builds amoCRM merge requests for duplicate groups
package merging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/matvik19/duplicate-contacts/pkg/extractor"
	"github.com/matvik19/duplicate-contacts/pkg/models"
	"github.com/matvik19/duplicate-contacts/pkg/normalizers"
)

// Form keys of the merge endpoint.
const (
	KeyIDs        = "id[]"
	KeyName       = "result_element[NAME]"
	KeyMainUser   = "result_element[MAIN_USER_ID]"
	KeyID         = "result_element[ID]"
	KeyDateCreate = "result_element[DATE_CREATE]"
	KeyPrice      = "result_element[PRICE]"
	KeyTags       = "result_element[TAGS][]"
	KeyLeads      = "result_element[LEADS][]"
	KeyCompanyUID = "double[companies][result_element][COMPANY_UID]"
	KeyCompanyID  = "double[companies][result_element][ID]"
)

// Attribute names a priority field can refer to besides custom fields.
const (
	attrName        = "name"
	attrResponsible = "responsible_user_id"
	attrCreatedAt   = "created_at"
	attrPrice       = "price"
)

const defaultDescription = "WORK"

// CustomFieldKey returns the form key of a single-valued custom field.
func CustomFieldKey(fieldID int64) string {
	return fmt.Sprintf("result_element[cfv][%d]", fieldID)
}

// MultiFieldKey returns the form key of a multi-valued custom field.
func MultiFieldKey(fieldID int64) string {
	return CustomFieldKey(fieldID) + "[]"
}

// MultiValue is one serialized entry of a phone or email field.
type MultiValue struct {
	Description string `json:"DESCRIPTION"`
	Value       any    `json:"VALUE"`
}

// Builder assembles merge requests
type Builder struct{}

func NewBuilder() *Builder {
	return &Builder{}
}

// fieldAcc accumulates the values of one custom field across the group.
type fieldAcc struct {
	field  models.CustomField
	values []models.FieldValue
	seen   map[string]struct{}
}

func newFieldAcc(field *models.CustomField) *fieldAcc {
	acc := &fieldAcc{
		field: models.CustomField{
			FieldID:   field.FieldID,
			FieldName: field.FieldName,
			FieldCode: field.FieldCode,
			FieldType: field.FieldType,
		},
		seen: make(map[string]struct{}),
	}
	acc.appendValues(field.Values)
	return acc
}

// appendValues adds values, skipping phones whose normalized form is already present.
func (a *fieldAcc) appendValues(values []models.FieldValue) {
	for _, v := range values {
		if a.field.FieldCode == models.FieldCodePhone {
			raw, ok := extractor.FormatValue(v.Value)
			if !ok {
				continue
			}
			key := normalizers.NormalizePhone(raw)
			if _, dup := a.seen[key]; dup {
				continue
			}
			a.seen[key] = struct{}{}
		}
		a.values = append(a.values, v)
	}
}

func (a *fieldAcc) replace(values []models.FieldValue) {
	a.values = nil
	a.seen = make(map[string]struct{})
	a.appendValues(values)
}

// Build produces the merge request for a group. Duplicates are ordered oldest
// first, so the last one is the most recently created. priority holds the field
// names whose value is taken from that newest duplicate.
func (b *Builder) Build(primary models.Contact, duplicates []models.Contact, priority map[string]bool) models.MergeRequest {

	var newest *models.Contact
	if len(duplicates) > 0 {
		newest = &duplicates[len(duplicates)-1]
	}

	all := make([]models.Contact, 0, len(duplicates)+1)
	all = append(all, primary)
	all = append(all, duplicates...)

	var req models.MergeRequest

	ids := make([]string, 0, len(all))
	for _, c := range all {
		ids = append(ids, strconv.FormatInt(c.ID, 10))
	}
	req.Add(KeyIDs, ids...)

	b.addAttributes(&req, &primary, newest, priority)

	req.TagIDs = unionRefs(all, func(c *models.Contact) []models.Ref { return c.Embedded.Tags })
	if len(req.TagIDs) > 0 {
		req.Add(KeyTags, formatIDs(req.TagIDs)...)
	}

	for _, acc := range b.mergeCustomFields(&primary, duplicates, newest, priority) {
		addCustomField(&req, acc)
	}

	if len(primary.Embedded.Companies) > 0 {
		if id := primary.Embedded.Companies[0].ID; id != 0 {
			companyID := strconv.FormatInt(id, 10)
			req.Add(KeyCompanyUID, companyID)
			req.Add(KeyCompanyID, companyID)
		}
	}

	leads := unionRefs(all, func(c *models.Contact) []models.Ref { return c.Embedded.Leads })
	if len(leads) > 0 {
		req.Add(KeyLeads, formatIDs(leads)...)
	}

	return req
}

func (b *Builder) addAttributes(req *models.MergeRequest, primary, newest *models.Contact, priority map[string]bool) {
	source := func(attr string) *models.Contact {
		if newest != nil && priority[attr] {
			return newest
		}
		return primary
	}

	name := primary.Name
	if c := source(attrName); c != primary && strings.TrimSpace(c.Name) != "" {
		name = c.Name
	}
	req.Add(KeyName, name)

	responsible := primary.ResponsibleUserID
	if c := source(attrResponsible); c.ResponsibleUserID != 0 {
		responsible = c.ResponsibleUserID
	}
	if responsible != 0 {
		req.Add(KeyMainUser, strconv.FormatInt(responsible, 10))
	}

	req.Add(KeyID, strconv.FormatInt(primary.ID, 10))

	created := primary.CreatedAt
	if c := source(attrCreatedAt); c.CreatedAt != 0 {
		created = c.CreatedAt
	}
	if created != 0 {
		req.Add(KeyDateCreate, strconv.FormatInt(created, 10))
	}

	price := primary.Price
	if c := source(attrPrice); c.Price != nil {
		price = c.Price
	}
	if price != nil {
		req.Add(KeyPrice, strconv.FormatFloat(*price, 'f', -1, 64))
	}
}

func (b *Builder) mergeCustomFields(primary *models.Contact, duplicates []models.Contact, newest *models.Contact, priority map[string]bool) []*fieldAcc {
	var order []*fieldAcc
	byID := make(map[int64]*fieldAcc)

	add := func(field *models.CustomField) {
		if field.FieldID == 0 || len(field.Values) == 0 {
			return
		}
		if acc, ok := byID[field.FieldID]; ok {
			if field.FieldCode == models.FieldCodePhone {
				acc.appendValues(field.Values)
			}
			return
		}
		acc := newFieldAcc(field)
		byID[field.FieldID] = acc
		order = append(order, acc)
	}

	for i := range primary.CustomFields {
		add(&primary.CustomFields[i])
	}
	for d := range duplicates {
		for i := range duplicates[d].CustomFields {
			add(&duplicates[d].CustomFields[i])
		}
	}

	if newest != nil {
		for i := range newest.CustomFields {
			field := &newest.CustomFields[i]
			if !priority[field.FieldName] || len(field.Values) == 0 {
				continue
			}
			if acc, ok := byID[field.FieldID]; ok {
				acc.replace(field.Values)
			}
		}
	}

	return order
}

func addCustomField(req *models.MergeRequest, acc *fieldAcc) {
	if len(acc.values) == 0 {
		return
	}

	if acc.field.IsMultiValue() {
		entries := make([]string, 0, len(acc.values))
		for _, v := range acc.values {
			desc := v.EnumCode
			if desc == "" {
				desc = defaultDescription
			}
			entries = append(entries, encodeMultiValue(MultiValue{Description: desc, Value: v.Value}))
		}
		req.Add(MultiFieldKey(acc.field.FieldID), entries...)
		return
	}

	value, ok := extractor.FormatValue(acc.values[0].Value)
	if !ok {
		return
	}
	req.Add(CustomFieldKey(acc.field.FieldID), value)
}

// encodeMultiValue renders the entry without HTML escaping so non-ASCII values stay readable.
func encodeMultiValue(v MultiValue) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Sprintf(`{"DESCRIPTION":%q,"VALUE":%q}`, v.Description, fmt.Sprint(v.Value))
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

func unionRefs(contacts []models.Contact, refs func(*models.Contact) []models.Ref) []int64 {
	seen := make(map[int64]struct{})
	var ids []int64
	for i := range contacts {
		for _, ref := range refs(&contacts[i]) {
			if ref.ID == 0 {
				continue
			}
			if _, ok := seen[ref.ID]; ok {
				continue
			}
			seen[ref.ID] = struct{}{}
			ids = append(ids, ref.ID)
		}
	}
	return ids
}

func formatIDs(ids []int64) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, strconv.FormatInt(id, 10))
	}
	return out
}
