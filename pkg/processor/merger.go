// Package processor runs merge workflows: find duplicate groups, merge them in
// amoCRM, then tag, log and announce the result.
package processor

import (
	"context"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"

	dcerrors "github.com/matvik19/duplicate-contacts/pkg/errors"
	"github.com/matvik19/duplicate-contacts/pkg/matching"
	"github.com/matvik19/duplicate-contacts/pkg/merging"
	"github.com/matvik19/duplicate-contacts/pkg/metrics"
	"github.com/matvik19/duplicate-contacts/pkg/models"
	"github.com/matvik19/duplicate-contacts/pkg/redis"
	"github.com/matvik19/duplicate-contacts/pkg/tracing"
)

// MergedTag is added to every surviving contact.
const MergedTag = "merged"

const (
	modeAll    = "all"
	modeSingle = "single"
)

// CRM is the amoCRM surface merging needs.
type CRM interface {
	ListContacts(ctx context.Context, subdomain, token string) ([]models.Contact, error)
	GetContact(ctx context.Context, subdomain, token string, id int64) (*models.Contact, error)
	MergeContacts(ctx context.Context, subdomain, token string, merge models.MergeRequest) (*models.MergeResponse, error)
	AddTags(ctx context.Context, subdomain, token string, contactID int64, tagIDs []int64, names ...string) error
}

type MergeLogStore interface {
	Insert(ctx context.Context, entry *models.MergeLog) error
}

// Locker serializes merge runs of one tenant.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func() error) error
}

type EventEmitter interface {
	ContactMerged(ctx context.Context, subdomain string, contactID int64, ids []int64, blockID int64)
}

type Config struct {
	LockTTL time.Duration
}

// Merger finds and merges duplicate contacts for a tenant.
type Merger struct {
	crm     CRM
	logs    MergeLogStore
	locker  Locker
	events  EventEmitter
	engine  *matching.Engine
	builder *merging.Builder
	config  Config
	logger  ectologger.Logger
	now     func() time.Time
}

// NewMerger creates a merger. locker and events may be nil.
func NewMerger(crm CRM, logs MergeLogStore, locker Locker, events EventEmitter, config Config, logger ectologger.Logger) *Merger {
	if config.LockTTL <= 0 {
		config.LockTTL = 15 * time.Minute
	}
	return &Merger{
		crm:     crm,
		logs:    logs,
		locker:  locker,
		events:  events,
		engine:  matching.NewEngine(logger),
		builder: merging.NewBuilder(),
		config:  config,
		logger:  logger,
		now:     time.Now,
	}
}

// MergeAll merges every duplicate group of the tenant. A failing group is logged
// and skipped; the successful responses are returned.
func (m *Merger) MergeAll(ctx context.Context, rs *models.RuleSet, token string) ([]models.MergeResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "processor.Merger.MergeAll")
	defer span.End()

	log := m.logger.WithContext(ctx).WithFields(map[string]any{
		"method":    "MergeAll",
		"subdomain": rs.Subdomain,
	})

	var results []models.MergeResponse
	err := m.withTenantLock(ctx, rs.Subdomain, func() error {
		contacts, err := m.crm.ListContacts(ctx, rs.Subdomain, token)
		if err != nil {
			return err
		}

		groups := m.engine.MatchAll(ctx, contacts, rs.Blocks, m.options(rs))
		if len(groups) == 0 {
			log.Info("No duplicate groups found")
			return nil
		}
		log.Infof("Found %d duplicate groups", len(groups))

		for i := range groups {
			resp, err := m.mergeGroup(ctx, rs, token, &groups[i], modeAll)
			if err != nil {
				log.WithError(err).WithField("ids", groups[i].IDs()).Error("Failed to merge group, continuing")
				continue
			}
			results = append(results, *resp)
		}
		return nil
	})
	if errors.Is(err, redis.ErrLockNotAcquired) {
		// the running pass covers this tenant already
		log.Warn("Bulk merge already running, skipping")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	log.Infof("Merged %d groups", len(results))
	return results, nil
}

// MergeSingle merges the duplicates of one contact. It returns nil without error
// when the contact has no duplicates.
func (m *Merger) MergeSingle(ctx context.Context, rs *models.RuleSet, token string, contactID int64) (*models.MergeResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "processor.Merger.MergeSingle")
	defer span.End()

	log := m.logger.WithContext(ctx).WithFields(map[string]any{
		"method":     "MergeSingle",
		"subdomain":  rs.Subdomain,
		"contact_id": contactID,
	})

	var result *models.MergeResponse
	err := m.withTenantLock(ctx, rs.Subdomain, func() error {
		contact, err := m.crm.GetContact(ctx, rs.Subdomain, token, contactID)
		if err != nil {
			return err
		}

		candidates, err := m.crm.ListContacts(ctx, rs.Subdomain, token)
		if err != nil {
			return err
		}

		group, ok := m.engine.Match(ctx, *contact, candidates, rs.Blocks, m.options(rs))
		if !ok {
			log.Info("No duplicates found")
			return nil
		}

		result, err = m.mergeGroup(ctx, rs, token, group, modeSingle)
		return err
	})
	if errors.Is(err, redis.ErrLockNotAcquired) {
		return nil, dcerrors.NewTransportError("merge still running for "+rs.Subdomain, err)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (m *Merger) options(rs *models.RuleSet) matching.Options {
	return matching.Options{MergeAll: rs.MergeAll, Now: m.now()}
}

// withTenantLock waits, as long as the locker allows, for another run of the
// tenant to finish. It returns redis.ErrLockNotAcquired if that run outlasts the wait.
func (m *Merger) withTenantLock(ctx context.Context, subdomain string, fn func() error) error {
	if m.locker == nil {
		return fn()
	}
	return m.locker.WithLock(ctx, "merge:"+subdomain, m.config.LockTTL, fn)
}

// mergeGroup builds the payload, merges, tags the survivor and records the merge.
func (m *Merger) mergeGroup(ctx context.Context, rs *models.RuleSet, token string, group *models.DuplicateGroup, mode string) (*models.MergeResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "processor.Merger.mergeGroup")
	defer span.End()

	ids := group.IDs()
	log := m.logger.WithContext(ctx).WithFields(map[string]any{
		"method":     "mergeGroup",
		"subdomain":  rs.Subdomain,
		"contact_id": group.Primary.ID,
		"ids":        ids,
	})

	result, err := m.merge(ctx, rs, token, group, mode)
	if err != nil {
		metrics.MergeGroupsTotal.WithLabelValues(mode, "failed").Inc()
		return nil, err
	}

	metrics.MergeGroupsTotal.WithLabelValues(mode, "merged").Inc()
	log.Info("Group merged")

	if m.events != nil {
		m.events.ContactMerged(ctx, rs.Subdomain, group.Primary.ID, ids, group.BlockID)
	}
	return result, nil
}

func (m *Merger) merge(ctx context.Context, rs *models.RuleSet, token string, group *models.DuplicateGroup, mode string) (*models.MergeResponse, error) {
	req := m.builder.Build(group.Primary, group.Duplicates, rs.ActivePriorityFields())

	resp, err := m.crm.MergeContacts(ctx, rs.Subdomain, token, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		resp = &models.MergeResponse{}
	}
	resp.ContactID = group.Primary.ID
	resp.MergedIDs = group.IDs()

	if err := m.crm.AddTags(ctx, rs.Subdomain, token, group.Primary.ID, req.TagIDs, MergedTag); err != nil {
		return nil, err
	}

	if mode == modeSingle && group.BlockID != 0 {
		err := m.logs.Insert(ctx, &models.MergeLog{
			Subdomain: rs.Subdomain,
			BlockID:   group.BlockID,
			ContactID: group.Primary.ID,
		})
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}
