package models

// Queue names, one per command.
const (
	QueueSaveSettings       = "save_settings"
	QueueGetSettings        = "get_settings"
	QueueMergeAllContacts   = "merge_all_contacts"
	QueueMergeSingleContact = "merge_single_contact"
	QueueAddExclusion       = "add_exclusion"
)

// WorkQueues lists every queue the service consumes.
var WorkQueues = []string{
	QueueSaveSettings,
	QueueGetSettings,
	QueueMergeAllContacts,
	QueueMergeSingleContact,
	QueueAddExclusion,
}

type SaveSettingsCommand struct {
	Subdomain       string              `json:"subdomain" validate:"required,max=256"`
	MergeAll        bool                `json:"merge_all"`
	BlockedCreation bool                `json:"blocked_creation"`
	MergeIsActive   bool                `json:"merge_is_active"`
	PriorityFields  []PriorityField     `json:"priority_fields" validate:"unique=FieldName,dive"`
	Blocks          []SaveSettingsBlock `json:"blocks" validate:"dive"`
}

type SaveSettingsBlock struct {
	BlockID int64        `json:"block_id" validate:"required"`
	Fields  []BlockField `json:"fields" validate:"unique=FieldName,dive"`
}

// RuleSet converts the command into the domain rule set it describes.
func (c SaveSettingsCommand) RuleSet() RuleSet {
	rs := RuleSet{
		Subdomain:       c.Subdomain,
		MergeAll:        c.MergeAll,
		BlockedCreation: c.BlockedCreation,
		MergeIsActive:   c.MergeIsActive,
		PriorityFields:  c.PriorityFields,
		Blocks:          make([]Block, 0, len(c.Blocks)),
	}
	for _, b := range c.Blocks {
		rs.Blocks = append(rs.Blocks, Block{BlockID: b.BlockID, Fields: b.Fields})
	}
	return rs
}

type GetSettingsCommand struct {
	Subdomain     string `json:"subdomain" validate:"required"`
	ReplyTo       string `json:"reply_to"`
	CorrelationID string `json:"correlation_id"`
}

type MergeAllContactsCommand struct {
	Subdomain string `json:"subdomain" validate:"required"`
}

type MergeSingleContactCommand struct {
	Subdomain string `json:"subdomain" validate:"required"`
	ContactID int64  `json:"contact_id" validate:"required,gt=0"`
}

type AddExclusionCommand struct {
	Subdomain string `json:"subdomain" validate:"required"`
	ContactID int64  `json:"contact_id" validate:"required,gt=0"`
}

// TokenRequest is sent to the token service over RPC.
type TokenRequest struct {
	ClientID  string `json:"client_id"`
	Subdomain string `json:"subdomain"`
}

type TokenReply struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}
