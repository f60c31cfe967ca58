package processor

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/matvik19/duplicate-contacts/pkg/broker"
	dcerrors "github.com/matvik19/duplicate-contacts/pkg/errors"
	"github.com/matvik19/duplicate-contacts/pkg/models"
	"github.com/matvik19/duplicate-contacts/pkg/tracing"
)

type SettingsStore interface {
	Save(ctx context.Context, rs *models.RuleSet) error
	Get(ctx context.Context, subdomain string) (*models.RuleSet, bool, error)
}

type TokenSource interface {
	AccessToken(ctx context.Context, subdomain string) (string, error)
}

type ContactMerger interface {
	MergeAll(ctx context.Context, rs *models.RuleSet, token string) ([]models.MergeResponse, error)
	MergeSingle(ctx context.Context, rs *models.RuleSet, token string, contactID int64) (*models.MergeResponse, error)
}

type ExclusionAdder interface {
	Add(ctx context.Context, subdomain string, contactID int64) (int64, error)
}

// Replier answers request/reply commands.
type Replier interface {
	Reply(ctx context.Context, replyTo, correlationID string, v any) error
}

// Registrar binds queue handlers, usually a *broker.Consumer.
type Registrar interface {
	Handle(queue string, h broker.HandlerFunc)
}

// CommandProcessor handles the service's five command queues.
type CommandProcessor struct {
	settings   SettingsStore
	tokens     TokenSource
	merger     ContactMerger
	exclusions ExclusionAdder
	replier    Replier
	logger     ectologger.Logger
}

func NewCommandProcessor(
	settings SettingsStore,
	tokens TokenSource,
	merger ContactMerger,
	exclusions ExclusionAdder,
	replier Replier,
	logger ectologger.Logger,
) *CommandProcessor {
	return &CommandProcessor{
		settings:   settings,
		tokens:     tokens,
		merger:     merger,
		exclusions: exclusions,
		replier:    replier,
		logger:     logger,
	}
}

// Register binds every command queue.
func (p *CommandProcessor) Register(r Registrar) {
	r.Handle(models.QueueSaveSettings, broker.JSON(p.SaveSettings))
	r.Handle(models.QueueGetSettings, broker.JSON(p.GetSettings))
	r.Handle(models.QueueMergeAllContacts, broker.JSON(p.MergeAllContacts))
	r.Handle(models.QueueMergeSingleContact, broker.JSON(p.MergeSingleContact))
	r.Handle(models.QueueAddExclusion, broker.JSON(p.AddExclusion))
}

// SaveSettings replaces the tenant's rule set.
func (p *CommandProcessor) SaveSettings(ctx context.Context, cmd models.SaveSettingsCommand, _ broker.Message) error {
	ctx, span := tracing.StartSpan(ctx, "CommandProcessor.SaveSettings")
	defer span.End()

	rs := cmd.RuleSet()
	if err := p.settings.Save(ctx, &rs); err != nil {
		return err
	}

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"subdomain": cmd.Subdomain,
		"blocks":    len(rs.Blocks),
	}).Info("Settings saved")
	return nil
}

// GetSettings loads the rule set and sends it back when the caller asked for a reply.
func (p *CommandProcessor) GetSettings(ctx context.Context, cmd models.GetSettingsCommand, _ broker.Message) error {
	ctx, span := tracing.StartSpan(ctx, "CommandProcessor.GetSettings")
	defer span.End()

	log := p.logger.WithContext(ctx).WithField("subdomain", cmd.Subdomain)

	rs, found, err := p.settings.Get(ctx, cmd.Subdomain)
	if err != nil {
		return err
	}
	if !found {
		return dcerrors.NewNotFoundErrorf("settings for %s not found", cmd.Subdomain)
	}

	if cmd.ReplyTo == "" {
		log.Debug("Settings loaded, no reply requested")
		return nil
	}

	if err := p.replier.Reply(ctx, cmd.ReplyTo, cmd.CorrelationID, rs); err != nil {
		return dcerrors.NewTransportError("failed to send settings reply", err)
	}
	log.Infof("Settings sent to %s", cmd.ReplyTo)
	return nil
}

// activeRuleSet returns the rule set when merging is enabled for the tenant.
func (p *CommandProcessor) activeRuleSet(ctx context.Context, subdomain string) (*models.RuleSet, bool, error) {
	log := p.logger.WithContext(ctx).WithField("subdomain", subdomain)

	rs, found, err := p.settings.Get(ctx, subdomain)
	if err != nil {
		return nil, false, err
	}
	if !found {
		log.Warn("No settings, nothing to merge")
		return nil, false, nil
	}
	if !rs.MergeIsActive {
		log.Info("Merging is disabled")
		return nil, false, nil
	}
	return rs, true, nil
}

func (p *CommandProcessor) MergeAllContacts(ctx context.Context, cmd models.MergeAllContactsCommand, _ broker.Message) error {
	ctx, span := tracing.StartSpan(ctx, "CommandProcessor.MergeAllContacts")
	defer span.End()

	rs, ok, err := p.activeRuleSet(ctx, cmd.Subdomain)
	if err != nil || !ok {
		return err
	}

	token, err := p.tokens.AccessToken(ctx, cmd.Subdomain)
	if err != nil {
		return err
	}

	results, err := p.merger.MergeAll(ctx, rs, token)
	if err != nil {
		return err
	}

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"subdomain": cmd.Subdomain,
		"merged":    len(results),
	}).Info("Bulk merge finished")
	return nil
}

func (p *CommandProcessor) MergeSingleContact(ctx context.Context, cmd models.MergeSingleContactCommand, _ broker.Message) error {
	ctx, span := tracing.StartSpan(ctx, "CommandProcessor.MergeSingleContact")
	defer span.End()

	rs, ok, err := p.activeRuleSet(ctx, cmd.Subdomain)
	if err != nil || !ok {
		return err
	}

	token, err := p.tokens.AccessToken(ctx, cmd.Subdomain)
	if err != nil {
		return err
	}

	result, err := p.merger.MergeSingle(ctx, rs, token, cmd.ContactID)
	if err != nil {
		return err
	}

	log := p.logger.WithContext(ctx).WithFields(map[string]any{
		"subdomain":  cmd.Subdomain,
		"contact_id": cmd.ContactID,
	})
	if result == nil {
		log.Info("Contact has no duplicates")
		return nil
	}
	log.WithField("merged_ids", result.MergedIDs).Info("Contact merged")
	return nil
}

func (p *CommandProcessor) AddExclusion(ctx context.Context, cmd models.AddExclusionCommand, _ broker.Message) error {
	ctx, span := tracing.StartSpan(ctx, "CommandProcessor.AddExclusion")
	defer span.End()

	_, err := p.exclusions.Add(ctx, cmd.Subdomain, cmd.ContactID)
	return err
}
