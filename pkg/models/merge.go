package models

import (
	"encoding/json"
	"net/url"
	"time"
)

// DuplicateGroup is a set of contacts found equal under one block.
type DuplicateGroup struct {
	Primary    Contact
	Duplicates []Contact
	// BlockID is the persisted id of the matching block, 0 when unknown.
	BlockID int64
}

// Contacts returns the primary followed by the duplicates.
func (g *DuplicateGroup) Contacts() []Contact {
	out := make([]Contact, 0, len(g.Duplicates)+1)
	out = append(out, g.Primary)
	return append(out, g.Duplicates...)
}

// IDs returns the ids of every member in group order.
func (g *DuplicateGroup) IDs() []int64 {
	ids := make([]int64, 0, len(g.Duplicates)+1)
	ids = append(ids, g.Primary.ID)
	for _, d := range g.Duplicates {
		ids = append(ids, d.ID)
	}
	return ids
}

// FormField is one key with one or more values of a form-encoded merge request.
type FormField struct {
	Key    string
	Values []string
}

// MergeRequest is the body of amoCRM's contact merge endpoint. Field order is preserved.
type MergeRequest struct {
	Fields []FormField
	// TagIDs is the union of tags, kept separately for the follow-up tagging call.
	TagIDs []int64
}

func (r *MergeRequest) Add(key string, values ...string) {
	r.Fields = append(r.Fields, FormField{Key: key, Values: values})
}

// Get returns the values for a key, or nil.
func (r *MergeRequest) Get(key string) []string {
	for _, f := range r.Fields {
		if f.Key == key {
			return f.Values
		}
	}
	return nil
}

func (r *MergeRequest) Encode() url.Values {
	values := url.Values{}
	for _, f := range r.Fields {
		for _, v := range f.Values {
			values.Add(f.Key, v)
		}
	}
	return values
}

// MergeResponse is whatever amoCRM returns from a successful merge.
type MergeResponse struct {
	ContactID int64           `json:"contact_id"`
	MergedIDs []int64         `json:"merged_ids"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// MergeEvent is published after a successful merge.
type MergeEvent struct {
	EventType string    `json:"event_type"`
	Subdomain string    `json:"subdomain"`
	ContactID int64     `json:"contact_id"`
	MergedIDs []int64   `json:"merged_ids"`
	BlockID   int64     `json:"block_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
