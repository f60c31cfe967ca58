package models

// Field codes amoCRM assigns to system multi-value fields.
const (
	FieldCodePhone = "PHONE"
	FieldCodeEmail = "EMAIL"
)

// Contact is a read-only snapshot of an amoCRM contact.
type Contact struct {
	ID                int64         `json:"id"`
	Name              string        `json:"name"`
	FirstName         string        `json:"first_name,omitempty"`
	LastName          string        `json:"last_name,omitempty"`
	ResponsibleUserID int64         `json:"responsible_user_id"`
	CreatedAt         int64         `json:"created_at"`
	UpdatedAt         int64         `json:"updated_at,omitempty"`
	Price             *float64      `json:"price,omitempty"`
	CustomFields      []CustomField `json:"custom_fields_values"`
	Embedded          Embedded      `json:"_embedded"`
}

type CustomField struct {
	FieldID   int64        `json:"field_id"`
	FieldName string       `json:"field_name"`
	FieldCode string       `json:"field_code,omitempty"`
	FieldType string       `json:"field_type,omitempty"`
	Values    []FieldValue `json:"values"`
}

type FieldValue struct {
	Value    any    `json:"value"`
	EnumID   int64  `json:"enum_id,omitempty"`
	EnumCode string `json:"enum_code,omitempty"`
}

type Embedded struct {
	Tags      []Ref `json:"tags,omitempty"`
	Companies []Ref `json:"companies,omitempty"`
	Leads     []Ref `json:"leads,omitempty"`
}

type Ref struct {
	ID   int64  `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// FieldByName returns the first custom field with the given declared name.
func (c *Contact) FieldByName(name string) (*CustomField, bool) {
	for i := range c.CustomFields {
		if c.CustomFields[i].FieldName == name {
			return &c.CustomFields[i], true
		}
	}
	return nil, false
}

// IsMultiValue reports whether the field is serialized as a list of {DESCRIPTION, VALUE} entries.
func (f *CustomField) IsMultiValue() bool {
	return f.FieldCode == FieldCodePhone || f.FieldCode == FieldCodeEmail
}

// ContactPage is one page of GET /api/v4/contacts.
type ContactPage struct {
	TotalItems int `json:"_total_items"`
	Page       int `json:"_page"`
	Embedded   struct {
		Contacts []Contact `json:"contacts"`
	} `json:"_embedded"`
}
