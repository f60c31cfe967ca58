// Package exclusion turns a wrongly merged contact's values into block exclusions.
package exclusion

import (
	"context"
	"unicode/utf8"

	"github.com/Gobusters/ectologger"

	dcerrors "github.com/matvik19/duplicate-contacts/pkg/errors"
	"github.com/matvik19/duplicate-contacts/pkg/extractor"
	"github.com/matvik19/duplicate-contacts/pkg/models"
	"github.com/matvik19/duplicate-contacts/pkg/tracing"
)

type MergeLogReader interface {
	Latest(ctx context.Context, subdomain string, contactID int64) (*models.MergeLog, bool, error)
}

type BlockStore interface {
	GetBlock(ctx context.Context, id int64) (*models.Block, bool, error)
	AddExclusions(ctx context.Context, field models.BlockField, values []string) (int64, error)
}

type ContactGetter interface {
	GetContact(ctx context.Context, subdomain, token string, id int64) (*models.Contact, error)
}

type TokenSource interface {
	AccessToken(ctx context.Context, subdomain string) (string, error)
}

type Service struct {
	logs      MergeLogReader
	blocks    BlockStore
	crm       ContactGetter
	tokens    TokenSource
	extractor *extractor.Extractor
	logger    ectologger.Logger
}

func NewService(logs MergeLogReader, blocks BlockStore, crm ContactGetter, tokens TokenSource, logger ectologger.Logger) *Service {
	return &Service{
		logs:      logs,
		blocks:    blocks,
		crm:       crm,
		tokens:    tokens,
		extractor: extractor.New(),
		logger:    logger,
	}
}

// Add stores the contact's current values of every field of the block that last
// merged it, so the block no longer matches on them. It returns how many new
// exclusions were stored.
func (s *Service) Add(ctx context.Context, subdomain string, contactID int64) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "exclusion.Service.Add")
	defer span.End()

	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"method":     "Add",
		"subdomain":  subdomain,
		"contact_id": contactID,
	})

	entry, found, err := s.logs.Latest(ctx, subdomain, contactID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, dcerrors.NewNotFoundErrorf("no merge log for contact %d", contactID)
	}

	block, found, err := s.blocks.GetBlock(ctx, entry.BlockID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, dcerrors.NewNotFoundErrorf("block %d not found", entry.BlockID)
	}

	token, err := s.tokens.AccessToken(ctx, subdomain)
	if err != nil {
		return 0, err
	}

	contact, err := s.crm.GetContact(ctx, subdomain, token, contactID)
	if err != nil {
		return 0, err
	}

	var added int64
	for _, field := range block.Fields {
		value, ok := s.extractor.Extract(contact, field.FieldName)
		if !ok {
			continue
		}
		if utf8.RuneCountInString(value) > models.MaxExclusionLength {
			log.WithField("field_name", field.FieldName).Warn("Value too long for an exclusion, skipping")
			continue
		}
		n, err := s.blocks.AddExclusions(ctx, field, []string{value})
		if err != nil {
			return 0, err
		}
		added += n
	}

	log.WithFields(map[string]any{
		"block_id": block.BlockID,
		"added":    added,
	}).Info("Exclusions added")
	return added, nil
}
