package mergelog

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/matvik19/duplicate-contacts/internal/database"
	"github.com/matvik19/duplicate-contacts/pkg/models"
	"github.com/matvik19/duplicate-contacts/pkg/tracing"
)

const tableMergeLogs = "merge_block_logs"

// Repository handles the write-once merge audit log
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new merge log repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Insert appends an entry and fills in its id and creation time
func (r *Repository) Insert(ctx context.Context, entry *models.MergeLog) error {
	ctx, span := tracing.StartSpan(ctx, "mergelog.Repository.Insert")
	defer span.End()

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"method":     "Insert",
		"subdomain":  entry.Subdomain,
		"block_id":   entry.BlockID,
		"contact_id": entry.ContactID,
	})

	query, args := database.NewInsertBuilder().
		InsertInto(tableMergeLogs).
		Cols("subdomain", "block_id", "contact_id").
		Values(entry.Subdomain, entry.BlockID, entry.ContactID).
		Returning("id", "created_at").
		Build()

	if err := database.Conn(ctx, r.db).QueryRowxContext(ctx, query, args...).Scan(&entry.ID, &entry.CreatedAt); err != nil {
		log.WithError(err).Error("Failed to insert merge log")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert merge log")
	}

	log.WithField("id", entry.ID).Debug("Inserted merge log")
	return nil
}

// Latest returns the most recent entry for a surviving contact
func (r *Repository) Latest(ctx context.Context, subdomain string, contactID int64) (*models.MergeLog, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "mergelog.Repository.Latest")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("id", "subdomain", "block_id", "contact_id", "created_at")
	sb.From(tableMergeLogs)
	sb.Where(
		sb.Equal("subdomain", subdomain),
		sb.Equal("contact_id", contactID),
	)
	sb.OrderBy("created_at DESC", "id DESC")
	sb.Limit(1)

	query, args := sb.Build()
	var entry models.MergeLog
	if err := database.Conn(ctx, r.db).GetContext(ctx, &entry, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get latest merge log")
		return nil, false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get merge log")
	}

	return &entry, true, nil
}
