// Package events emits domain events about completed merges.
package events

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/matvik19/duplicate-contacts/pkg/models"
)

const EventContactMerged = "contact.merged"

// Publisher delivers merge events to a stream.
type Publisher interface {
	PublishMergeEvent(ctx context.Context, event *models.MergeEvent) error
}

// Emitter sends merge events on a best-effort basis: failures are logged and
// never reach the caller.
type Emitter struct {
	publisher Publisher
	logger    ectologger.Logger
	now       func() time.Time
}

// NewEmitter returns an emitter. A nil publisher disables emission.
func NewEmitter(publisher Publisher, logger ectologger.Logger) *Emitter {
	return &Emitter{
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

func (e *Emitter) Enabled() bool {
	return e != nil && e.publisher != nil
}

// ContactMerged reports that ids were merged into contactID.
func (e *Emitter) ContactMerged(ctx context.Context, subdomain string, contactID int64, ids []int64, blockID int64) {
	if !e.Enabled() {
		return
	}

	event := &models.MergeEvent{
		EventType: EventContactMerged,
		Subdomain: subdomain,
		ContactID: contactID,
		MergedIDs: ids,
		BlockID:   blockID,
		Timestamp: e.now().UTC(),
	}
	if err := e.publisher.PublishMergeEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"subdomain":  subdomain,
			"contact_id": contactID,
		}).Warn("Failed to emit merge event")
	}
}
