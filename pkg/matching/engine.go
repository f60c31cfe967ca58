// Package matching finds duplicate contacts under a tenant's blocks
package matching

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/matvik19/duplicate-contacts/pkg/extractor"
	"github.com/matvik19/duplicate-contacts/pkg/models"
	"github.com/matvik19/duplicate-contacts/pkg/tracing"
)

// RecentWindow bounds which contacts participate when merge-all is off.
const RecentWindow = 24 * time.Hour

const keySeparator = "\x1f"

// Options control a matching run
type Options struct {
	// MergeAll disables the RecentWindow filter.
	MergeAll bool
	// Now anchors the RecentWindow. Zero means time.Now().
	Now time.Time
}

func (o Options) participates(c *models.Contact) bool {
	if o.MergeAll {
		return true
	}
	now := o.Now
	if now.IsZero() {
		now = time.Now()
	}
	return c.CreatedAt >= now.Add(-RecentWindow).Unix()
}

// Engine evaluates blocks against contacts
type Engine struct {
	logger    ectologger.Logger
	extractor *extractor.Extractor
}

// NewEngine creates a new match engine
func NewEngine(logger ectologger.Logger) *Engine {
	return &Engine{
		logger:    logger,
		extractor: extractor.New(),
	}
}

// Match finds the duplicates of primary among candidates. Blocks are tried in
// order and the first block producing a group wins. The returned group is
// ordered oldest first, so its Primary is not necessarily the input primary.
func (e *Engine) Match(ctx context.Context, primary models.Contact, candidates []models.Contact, blocks []models.Block, opts Options) (*models.DuplicateGroup, bool) {
	ctx, span := tracing.StartSpan(ctx, "matching.Engine.Match")
	defer span.End()

	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"method":     "Match",
		"contact_id": primary.ID,
	})

	if !opts.participates(&primary) {
		log.Debug("Primary contact is outside the recent window")
		return nil, false
	}

	pool := make([]models.Contact, 0, len(candidates))
	for _, c := range dedupe(candidates) {
		if c.ID == primary.ID || !opts.participates(&c) {
			continue
		}
		pool = append(pool, c)
	}

	for i := range blocks {
		block := &blocks[i]
		fields := block.FieldNames()
		if len(fields) == 0 {
			continue
		}

		primaryValues, ok := e.extractor.ExtractAll(&primary, fields)
		if !ok || e.isExcluded(&primary, block, primaryValues) {
			continue
		}

		var duplicates []models.Contact
		for j := range pool {
			candidate := &pool[j]
			values, ok := e.extractor.ExtractAll(candidate, fields)
			if !ok || !equal(primaryValues, values) {
				continue
			}
			if e.isExcluded(candidate, block, values) {
				continue
			}
			duplicates = append(duplicates, *candidate)
		}

		if len(duplicates) == 0 {
			continue
		}

		members := append([]models.Contact{primary}, duplicates...)
		sortByCreation(members)

		log.WithFields(map[string]any{
			"block_id":   block.BlockID,
			"group_size": len(members),
		}).Debug("Found duplicate group")

		return &models.DuplicateGroup{
			Primary:    members[0],
			Duplicates: members[1:],
			BlockID:    block.ID,
		}, true
	}

	return nil, false
}

// MatchAll groups contacts by equal values of every block's fields. Every block
// contributes its groups, so one contact may appear in several groups.
func (e *Engine) MatchAll(ctx context.Context, contacts []models.Contact, blocks []models.Block, opts Options) []models.DuplicateGroup {
	ctx, span := tracing.StartSpan(ctx, "matching.Engine.MatchAll")
	defer span.End()

	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"method":   "MatchAll",
		"contacts": len(contacts),
		"blocks":   len(blocks),
	})

	pool := make([]models.Contact, 0, len(contacts))
	for _, c := range dedupe(contacts) {
		if opts.participates(&c) {
			pool = append(pool, c)
		}
	}

	var groups []models.DuplicateGroup
	for i := range blocks {
		block := &blocks[i]
		fields := block.FieldNames()
		if len(fields) == 0 {
			continue
		}

		buckets := make(map[string][]models.Contact)
		var order []string
		for j := range pool {
			c := &pool[j]
			values, ok := e.extractor.ExtractAll(c, fields)
			if !ok || e.isExcluded(c, block, values) {
				continue
			}
			key := strings.Join(values, keySeparator)
			if _, seen := buckets[key]; !seen {
				order = append(order, key)
			}
			buckets[key] = append(buckets[key], *c)
		}

		for _, key := range order {
			members := buckets[key]
			if len(members) < 2 {
				continue
			}
			sortByCreation(members)
			groups = append(groups, models.DuplicateGroup{
				Primary:    members[0],
				Duplicates: members[1:],
				BlockID:    block.ID,
			})
		}
	}

	log.WithField("groups", len(groups)).Debug("Bulk matching finished")
	return groups
}

// isExcluded reports whether every exclusion-carrying field of the block holds
// an excluded value. Blocks without exclusion lists exclude nothing.
func (e *Engine) isExcluded(c *models.Contact, block *models.Block, values []string) bool {
	relevant := false
	for i, field := range block.Fields {
		if len(field.Exclusions) == 0 {
			continue
		}
		relevant = true

		normalize := e.extractor.FieldNormalizer(c, field.FieldName)
		hit := false
		for _, ex := range field.Exclusions {
			if ex.Value == values[i] || normalize(ex.Value) == values[i] {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return relevant
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func dedupe(contacts []models.Contact) []models.Contact {
	seen := make(map[int64]struct{}, len(contacts))
	out := make([]models.Contact, 0, len(contacts))
	for _, c := range contacts {
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	return out
}

// sortByCreation orders contacts oldest first, ties broken by id.
func sortByCreation(contacts []models.Contact) {
	sort.SliceStable(contacts, func(i, j int) bool {
		if contacts[i].CreatedAt != contacts[j].CreatedAt {
			return contacts[i].CreatedAt < contacts[j].CreatedAt
		}
		return contacts[i].ID < contacts[j].ID
	})
}
