package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/lib/pq"

	"github.com/matvik19/duplicate-contacts/internal/database"
	"github.com/matvik19/duplicate-contacts/pkg/models"
	"github.com/matvik19/duplicate-contacts/pkg/tracing"
)

const (
	tableSettings        = "settings"
	tablePriorityFields  = "priority_fields"
	tableBlocks          = "blocks"
	tableBlockFields     = "block_fields"
	tableExclusionFields = "exclusion_fields"
)

type blockRow struct {
	ID         int64 `db:"id"`
	SettingsID int64 `db:"settings_id"`
	BlockID    int64 `db:"block_id"`
}

type blockFieldRow struct {
	ID        int64  `db:"id"`
	BlockID   int64  `db:"block_id"`
	FieldName string `db:"field_name"`
}

type exclusionRow struct {
	ID           int64  `db:"id"`
	BlockFieldID int64  `db:"block_field_id"`
	Value        string `db:"value"`
}

// Repository persists tenant rule sets
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new settings repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Save replaces the tenant's rule set. Persisted ids are written back into rs.
// It joins the transaction in ctx, or runs in its own.
func (r *Repository) Save(ctx context.Context, rs *models.RuleSet) error {
	ctx, span := tracing.StartSpan(ctx, "settings.Repository.Save")
	defer span.End()

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"method":    "Save",
		"subdomain": rs.Subdomain,
		"blocks":    len(rs.Blocks),
	})

	outer := ctx
	_, owned := database.TxFromContext(outer)
	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to begin transaction")
	}
	defer tx.Rollback(outer)

	if err := r.deleteBySubdomain(ctx, tx, rs.Subdomain); err != nil {
		log.WithError(err).Error("Failed to delete previous settings")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete settings")
	}

	ib := database.NewInsertBuilder().
		InsertInto(tableSettings).
		Cols("subdomain", "merge_all", "blocked_creation", "merge_is_active").
		Values(rs.Subdomain, rs.MergeAll, rs.BlockedCreation, rs.MergeIsActive).
		Returning("id")
	query, args := ib.Build()
	if err := tx.GetContext(ctx, &rs.ID, query, args...); err != nil {
		log.WithError(err).Error("Failed to insert settings")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert settings")
	}

	if err := r.insertPriorityFields(ctx, tx, rs.ID, rs.PriorityFields); err != nil {
		log.WithError(err).Error("Failed to insert priority fields")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert priority fields")
	}

	for i := range rs.Blocks {
		if err := r.insertBlock(ctx, tx, rs.ID, &rs.Blocks[i]); err != nil {
			log.WithError(err).WithField("block_id", rs.Blocks[i].BlockID).Error("Failed to insert block")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert block")
		}
	}

	if !owned {
		if err := tx.Commit(ctx); err != nil {
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit settings")
		}
	}

	log.WithField("settings_id", rs.ID).Info("Saved settings")
	return nil
}

func (r *Repository) deleteBySubdomain(ctx context.Context, q database.Queryer, subdomain string) error {
	del := database.NewDeleteBuilder()
	del.DeleteFrom(tableSettings)
	del.Where(del.Equal("subdomain", subdomain))

	query, args := del.Build()
	_, err := q.ExecContext(ctx, query, args...)
	return err
}

func (r *Repository) insertPriorityFields(ctx context.Context, q database.Queryer, settingsID int64, fields []models.PriorityField) error {
	if len(fields) == 0 {
		return nil
	}

	ib := database.NewInsertBuilder().
		InsertInto(tablePriorityFields).
		Cols("settings_id", "field_name", "action")
	for _, f := range fields {
		ib.Values(settingsID, f.FieldName, f.Action)
	}
	ib.Returning("id")

	query, args := ib.Build()
	var ids []int64
	if err := q.SelectContext(ctx, &ids, query, args...); err != nil {
		return err
	}
	for i := range fields {
		if i < len(ids) {
			fields[i].ID = ids[i]
		}
	}
	return nil
}

func (r *Repository) insertBlock(ctx context.Context, q database.Queryer, settingsID int64, block *models.Block) error {
	query, args := database.NewInsertBuilder().
		InsertInto(tableBlocks).
		Cols("settings_id", "block_id").
		Values(settingsID, block.BlockID).
		Returning("id").
		Build()
	if err := q.GetContext(ctx, &block.ID, query, args...); err != nil {
		return err
	}

	for i := range block.Fields {
		field := &block.Fields[i]
		query, args := database.NewInsertBuilder().
			InsertInto(tableBlockFields).
			Cols("block_id", "field_name").
			Values(block.ID, field.FieldName).
			Returning("id").
			Build()
		if err := q.GetContext(ctx, &field.ID, query, args...); err != nil {
			return err
		}

		values := make([]string, 0, len(field.Exclusions))
		for _, ex := range field.Exclusions {
			values = append(values, ex.Value)
		}
		if _, err := insertExclusions(ctx, q, field.ID, field.FieldName, values); err != nil {
			return err
		}
	}
	return nil
}

// Get loads the tenant's rule set. Blocks and fields keep their insertion order.
func (r *Repository) Get(ctx context.Context, subdomain string) (*models.RuleSet, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "settings.Repository.Get")
	defer span.End()

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"method":    "Get",
		"subdomain": subdomain,
	})
	q := database.Conn(ctx, r.db)

	sb := database.NewSelectBuilder()
	sb.Select("id", "subdomain", "merge_all", "blocked_creation", "merge_is_active")
	sb.From(tableSettings)
	sb.Where(sb.Equal("subdomain", subdomain))

	query, args := sb.Build()
	var rs models.RuleSet
	if err := q.GetContext(ctx, &rs, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		log.WithError(err).Error("Failed to get settings")
		return nil, false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get settings")
	}

	pb := database.NewSelectBuilder()
	pb.Select("id", "field_name", "action")
	pb.From(tablePriorityFields)
	pb.Where(pb.Equal("settings_id", rs.ID))
	pb.OrderBy("id")

	query, args = pb.Build()
	if err := q.SelectContext(ctx, &rs.PriorityFields, query, args...); err != nil {
		log.WithError(err).Error("Failed to get priority fields")
		return nil, false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get priority fields")
	}
	if rs.PriorityFields == nil {
		rs.PriorityFields = []models.PriorityField{}
	}

	bb := database.NewSelectBuilder()
	bb.Select("id", "settings_id", "block_id")
	bb.From(tableBlocks)
	bb.Where(bb.Equal("settings_id", rs.ID))
	bb.OrderBy("id")

	query, args = bb.Build()
	var rows []blockRow
	if err := q.SelectContext(ctx, &rows, query, args...); err != nil {
		log.WithError(err).Error("Failed to get blocks")
		return nil, false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get blocks")
	}

	blocks, err := r.loadBlocks(ctx, q, rows)
	if err != nil {
		log.WithError(err).Error("Failed to get block fields")
		return nil, false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get block fields")
	}
	rs.Blocks = blocks

	return &rs, true, nil
}

// GetBlock loads one block with its fields and exclusions by its persisted id.
func (r *Repository) GetBlock(ctx context.Context, id int64) (*models.Block, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "settings.Repository.GetBlock")
	defer span.End()

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"method": "GetBlock",
		"id":     id,
	})
	q := database.Conn(ctx, r.db)

	sb := database.NewSelectBuilder()
	sb.Select("id", "settings_id", "block_id")
	sb.From(tableBlocks)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var row blockRow
	if err := q.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		log.WithError(err).Error("Failed to get block")
		return nil, false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get block")
	}

	blocks, err := r.loadBlocks(ctx, q, []blockRow{row})
	if err != nil {
		log.WithError(err).Error("Failed to get block fields")
		return nil, false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get block fields")
	}
	return &blocks[0], true, nil
}

func (r *Repository) loadBlocks(ctx context.Context, q database.Queryer, rows []blockRow) ([]models.Block, error) {
	blocks := make([]models.Block, 0, len(rows))
	if len(rows) == 0 {
		return blocks, nil
	}

	blockIDs := make([]int64, 0, len(rows))
	for _, row := range rows {
		blockIDs = append(blockIDs, row.ID)
	}

	fb := database.NewSelectBuilder()
	fb.Select("id", "block_id", "field_name")
	fb.From(tableBlockFields)
	fb.Where(fmt.Sprintf("block_id = ANY(%s)", fb.Var(pq.Array(blockIDs))))
	fb.OrderBy("id")

	query, args := fb.Build()
	var fieldRows []blockFieldRow
	if err := q.SelectContext(ctx, &fieldRows, query, args...); err != nil {
		return nil, err
	}

	exclusions := make(map[int64][]models.Exclusion)
	if len(fieldRows) > 0 {
		fieldIDs := make([]int64, 0, len(fieldRows))
		for _, f := range fieldRows {
			fieldIDs = append(fieldIDs, f.ID)
		}

		eb := database.NewSelectBuilder()
		eb.Select("id", "block_field_id", "value")
		eb.From(tableExclusionFields)
		eb.Where(fmt.Sprintf("block_field_id = ANY(%s)", eb.Var(pq.Array(fieldIDs))))
		eb.OrderBy("id")

		query, args := eb.Build()
		var exRows []exclusionRow
		if err := q.SelectContext(ctx, &exRows, query, args...); err != nil {
			return nil, err
		}
		for _, ex := range exRows {
			exclusions[ex.BlockFieldID] = append(exclusions[ex.BlockFieldID], models.Exclusion{ID: ex.ID, Value: ex.Value})
		}
	}

	// lists are never nil; replies encode them as []
	fields := make(map[int64][]models.BlockField)
	for _, f := range fieldRows {
		ex := exclusions[f.ID]
		if ex == nil {
			ex = []models.Exclusion{}
		}
		fields[f.BlockID] = append(fields[f.BlockID], models.BlockField{
			ID:         f.ID,
			FieldName:  f.FieldName,
			Exclusions: ex,
		})
	}

	for _, row := range rows {
		bf := fields[row.ID]
		if bf == nil {
			bf = []models.BlockField{}
		}
		blocks = append(blocks, models.Block{ID: row.ID, BlockID: row.BlockID, Fields: bf})
	}
	return blocks, nil
}

// AddExclusions stores values as exclusions of a block field. Values already
// excluded are skipped. It returns the number of new rows.
func (r *Repository) AddExclusions(ctx context.Context, field models.BlockField, values []string) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "settings.Repository.AddExclusions")
	defer span.End()

	added, err := insertExclusions(ctx, database.Conn(ctx, r.db), field.ID, field.FieldName, values)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"method":         "AddExclusions",
			"block_field_id": field.ID,
		}).Error("Failed to insert exclusions")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert exclusions")
	}
	return added, nil
}

func insertExclusions(ctx context.Context, q database.Queryer, fieldID int64, fieldName string, values []string) (int64, error) {
	if len(values) == 0 {
		return 0, nil
	}

	ib := database.NewInsertBuilder().
		InsertInto(tableExclusionFields).
		Cols("block_field_id", "field_name", "value")
	for _, v := range values {
		ib.Values(fieldID, fieldName, v)
	}
	ib.OnConflictDoNothing()

	query, args := ib.Build()
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
