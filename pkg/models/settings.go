package models

import "time"

// RuleSet is a tenant's duplicate detection configuration.
type RuleSet struct {
	ID              int64           `json:"id,omitempty" db:"id"`
	Subdomain       string          `json:"subdomain" db:"subdomain" validate:"required"`
	MergeAll        bool            `json:"merge_all" db:"merge_all"`
	BlockedCreation bool            `json:"blocked_creation" db:"blocked_creation"`
	MergeIsActive   bool            `json:"merge_is_active" db:"merge_is_active"`
	PriorityFields  []PriorityField `json:"priority_fields" validate:"unique=FieldName,dive"`
	Blocks          []Block         `json:"blocks" validate:"dive"`
}

// ActivePriorityFields returns the names of priority fields whose action is enabled.
func (r *RuleSet) ActivePriorityFields() map[string]bool {
	active := make(map[string]bool, len(r.PriorityFields))
	for _, pf := range r.PriorityFields {
		if pf.Action {
			active[pf.FieldName] = true
		}
	}
	return active
}

type PriorityField struct {
	ID        int64  `json:"id,omitempty" db:"id"`
	FieldName string `json:"field_name" db:"field_name" validate:"required,max=128"`
	Action    bool   `json:"action" db:"action"`
}

// Block is one match rule: all of its fields must be equal for contacts to be duplicates.
type Block struct {
	ID      int64        `json:"id,omitempty" db:"id"`
	BlockID int64        `json:"block_id" db:"block_id"`
	Fields  []BlockField `json:"fields" validate:"unique=FieldName,dive"`
}

// FieldNames returns the block's field names in order.
func (b *Block) FieldNames() []string {
	names := make([]string, 0, len(b.Fields))
	for _, f := range b.Fields {
		names = append(names, f.FieldName)
	}
	return names
}

type BlockField struct {
	ID         int64       `json:"id,omitempty" db:"id"`
	FieldName  string      `json:"field_name" db:"field_name" validate:"required,max=128"`
	Exclusions []Exclusion `json:"exclusion_fields" validate:"dive"`
}

// MaxExclusionLength is the longest exclusion value, in characters, the store accepts.
const MaxExclusionLength = 128

type Exclusion struct {
	ID    int64  `json:"id,omitempty" db:"id"`
	Value string `json:"value" db:"value" validate:"required,max=128"`
}

// MergeLog records which block produced a merge for a surviving contact.
type MergeLog struct {
	ID        int64     `json:"id" db:"id"`
	Subdomain string    `json:"subdomain" db:"subdomain"`
	BlockID   int64     `json:"block_id" db:"block_id"`
	ContactID int64     `json:"contact_id" db:"contact_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
