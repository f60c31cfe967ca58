// Package extractor pulls normalized comparison values out of contacts
package extractor

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/matvik19/duplicate-contacts/pkg/models"
	"github.com/matvik19/duplicate-contacts/pkg/normalizers"
)

// Extractor resolves a rule field name against a contact
type Extractor struct{}

// New creates a new Extractor
func New() *Extractor {
	return &Extractor{}
}

// Extract returns the normalized value of fieldName on the contact.
// Custom fields are searched first by declared name, then the same-named
// top-level attribute. The boolean is false when no non-empty value exists.
func (e *Extractor) Extract(contact *models.Contact, fieldName string) (string, bool) {
	if contact == nil || fieldName == "" {
		return "", false
	}

	for i := range contact.CustomFields {
		field := &contact.CustomFields[i]
		if field.FieldName != fieldName || len(field.Values) == 0 {
			continue
		}
		raw, ok := FormatValue(field.Values[0].Value)
		if !ok {
			return "", false
		}
		value := normalizers.ForFieldCode(field.FieldCode)(raw)
		return value, value != ""
	}

	return e.attribute(contact, fieldName)
}

// FieldNormalizer returns the normalizer Extract applies to fieldName on this contact,
// so configured values can be compared in the same canonical form.
func (e *Extractor) FieldNormalizer(contact *models.Contact, fieldName string) normalizers.Normalizer {
	if contact != nil {
		if field, ok := contact.FieldByName(fieldName); ok && len(field.Values) > 0 {
			return normalizers.ForFieldCode(field.FieldCode)
		}
	}
	return normalizers.Text
}

// ExtractAll resolves every field name. The boolean is false if any field is absent.
func (e *Extractor) ExtractAll(contact *models.Contact, fieldNames []string) ([]string, bool) {
	values := make([]string, 0, len(fieldNames))
	for _, name := range fieldNames {
		v, ok := e.Extract(contact, name)
		if !ok {
			return nil, false
		}
		values = append(values, v)
	}
	return values, true
}

func (e *Extractor) attribute(contact *models.Contact, name string) (string, bool) {
	var value string
	switch name {
	case "name":
		value = normalizers.Text(contact.Name)
	case "first_name":
		value = normalizers.Text(contact.FirstName)
	case "last_name":
		value = normalizers.Text(contact.LastName)
	case "id":
		value = intAttr(contact.ID)
	case "responsible_user_id":
		value = intAttr(contact.ResponsibleUserID)
	case "created_at":
		value = intAttr(contact.CreatedAt)
	case "updated_at":
		value = intAttr(contact.UpdatedAt)
	case "price":
		if contact.Price != nil && *contact.Price != 0 {
			value = strconv.FormatFloat(*contact.Price, 'f', -1, 64)
		}
	}
	return value, value != ""
}

func intAttr(v int64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatInt(v, 10)
}

// FormatValue converts a JSON-decoded scalar to its textual form
func FormatValue(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return val, true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32), true
	case int:
		return strconv.Itoa(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case bool:
		return strconv.FormatBool(val), true
	case json.Number:
		return val.String(), true
	default:
		return fmt.Sprintf("%v", val), true
	}
}
