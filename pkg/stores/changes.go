package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/changegov/pkg/engine"
)

// txRepo implements engine.Tx over one SQL transaction.
type txRepo struct {
	tx    *sql.Tx
	hooks []func(ctx context.Context)
}

// AfterCommit implements engine.Tx.
func (t *txRepo) AfterCommit(fn func(ctx context.Context)) {
	t.hooks = append(t.hooks, fn)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const changeColumns = `id, title, description, client_id, requester_id, assigned_engineer_id,
	status, priority, change_type, risk_level, risk_score, policy_id,
	requires_client_approval, requires_cab_approval, requires_security_review,
	implementation_plan, backout_plan, test_plan,
	scheduled_start, scheduled_end, actual_start, actual_end,
	approved_by, approved_at, rejection_reason,
	cab_conditions, cab_conditions_status, cab_conditions_confirmed_by, cab_conditions_confirmed_at,
	revision, created_at, updated_at`

// CreateChange inserts a change and its asset references.
func (t *txRepo) CreateChange(ctx context.Context, c *engine.ChangeRequest) error {
	query := `INSERT INTO change_requests (` + changeColumns + `)
		VALUES (` + placeholders(32) + `)`

	_, err := t.tx.ExecContext(ctx, query,
		c.ID, c.Title, c.Description, c.ClientID, c.RequesterID, c.AssignedEngineerID,
		string(c.Status), string(c.Priority), string(c.ChangeType), string(c.RiskLevel), c.RiskScore, c.PolicyID,
		c.RequiresClientApproval, c.RequiresCabApproval, c.RequiresSecurityReview,
		c.ImplementationPlan, c.BackoutPlan, c.TestPlan,
		formatTimePtr(c.ScheduledStart), formatTimePtr(c.ScheduledEnd), formatTimePtr(c.ActualStart), formatTimePtr(c.ActualEnd),
		c.ApprovedBy, formatTimePtr(c.ApprovedAt), c.RejectionReason,
		c.CabConditions, conditionsStatusValue(c.CabConditionsStatus), c.CabConditionsConfirmedBy, formatTimePtr(c.CabConditionsConfirmedAt),
		c.Revision, formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		return engine.NewInternalError("failed to create change", err).WithChange(c.ID)
	}

	return t.replaceAssets(ctx, c.ID, c.AssetIDs)
}

// GetChange loads a change by id.
func (t *txRepo) GetChange(ctx context.Context, id string) (*engine.ChangeRequest, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+changeColumns+` FROM change_requests WHERE id = ?`, id)
	c, err := scanChange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("change", id)
	}
	if err != nil {
		return nil, engine.NewInternalError("failed to get change", err).WithChange(id)
	}

	if c.AssetIDs, err = t.listAssets(ctx, id); err != nil {
		return nil, err
	}
	return c, nil
}

// UpdateChange persists every mutable column of a change.
func (t *txRepo) UpdateChange(ctx context.Context, c *engine.ChangeRequest) error {
	query := `
		UPDATE change_requests SET
			title = ?, description = ?, assigned_engineer_id = ?,
			status = ?, priority = ?, change_type = ?, risk_level = ?, risk_score = ?, policy_id = ?,
			requires_client_approval = ?, requires_cab_approval = ?, requires_security_review = ?,
			implementation_plan = ?, backout_plan = ?, test_plan = ?,
			scheduled_start = ?, scheduled_end = ?, actual_start = ?, actual_end = ?,
			approved_by = ?, approved_at = ?, rejection_reason = ?,
			cab_conditions = ?, cab_conditions_status = ?, cab_conditions_confirmed_by = ?, cab_conditions_confirmed_at = ?,
			revision = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := t.tx.ExecContext(ctx, query,
		c.Title, c.Description, c.AssignedEngineerID,
		string(c.Status), string(c.Priority), string(c.ChangeType), string(c.RiskLevel), c.RiskScore, c.PolicyID,
		c.RequiresClientApproval, c.RequiresCabApproval, c.RequiresSecurityReview,
		c.ImplementationPlan, c.BackoutPlan, c.TestPlan,
		formatTimePtr(c.ScheduledStart), formatTimePtr(c.ScheduledEnd), formatTimePtr(c.ActualStart), formatTimePtr(c.ActualEnd),
		c.ApprovedBy, formatTimePtr(c.ApprovedAt), c.RejectionReason,
		c.CabConditions, conditionsStatusValue(c.CabConditionsStatus), c.CabConditionsConfirmedBy, formatTimePtr(c.CabConditionsConfirmedAt),
		c.Revision, formatTime(c.UpdatedAt),
		c.ID,
	)
	if err != nil {
		return engine.NewInternalError("failed to update change", err).WithChange(c.ID)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return engine.NewInternalError("failed to get rows affected", err).WithChange(c.ID)
	}
	if rows == 0 {
		return engine.NewNotFoundError("change", c.ID)
	}

	return t.replaceAssets(ctx, c.ID, c.AssetIDs)
}

// ListChanges returns changes matching the filter in creation order.
func (t *txRepo) ListChanges(ctx context.Context, filter engine.ChangeFilter) ([]*engine.ChangeRequest, error) {
	var (
		where []string
		args  []interface{}
	)
	if len(filter.Statuses) > 0 {
		where = append(where, `status IN (`+placeholders(len(filter.Statuses))+`)`)
		for _, s := range filter.Statuses {
			args = append(args, string(s))
		}
	}
	if filter.ClientID != "" {
		where = append(where, `client_id = ?`)
		args = append(args, filter.ClientID)
	}
	if filter.EngineerID != "" {
		where = append(where, `assigned_engineer_id = ?`)
		args = append(args, filter.EngineerID)
	}
	if filter.ExcludeID != "" {
		where = append(where, `id != ?`)
		args = append(args, filter.ExcludeID)
	}

	query := `SELECT ` + changeColumns + ` FROM change_requests`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY created_at, id`

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, engine.NewInternalError("failed to list changes", err)
	}

	var changes []*engine.ChangeRequest
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			_ = rows.Close()
			return nil, engine.NewInternalError("failed to scan change", err)
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, engine.NewInternalError("failed to iterate changes", err)
	}
	_ = rows.Close()

	for _, c := range changes {
		if c.AssetIDs, err = t.listAssets(ctx, c.ID); err != nil {
			return nil, err
		}
	}
	return changes, nil
}

func (t *txRepo) listAssets(ctx context.Context, changeID string) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT asset_id FROM change_assets WHERE change_id = ? ORDER BY asset_id`, changeID)
	if err != nil {
		return nil, engine.NewInternalError("failed to list change assets", err).WithChange(changeID)
	}
	defer rows.Close()

	var assets []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, engine.NewInternalError("failed to scan change asset", err).WithChange(changeID)
		}
		assets = append(assets, id)
	}
	return assets, rows.Err()
}

func (t *txRepo) replaceAssets(ctx context.Context, changeID string, assets []string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM change_assets WHERE change_id = ?`, changeID); err != nil {
		return engine.NewInternalError("failed to clear change assets", err).WithChange(changeID)
	}
	for _, asset := range assets {
		_, err := t.tx.ExecContext(ctx,
			`INSERT INTO change_assets (change_id, asset_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
			changeID, asset)
		if err != nil {
			return engine.NewInternalError(fmt.Sprintf("failed to link asset %s", asset), err).WithChange(changeID)
		}
	}
	return nil
}

func scanChange(row rowScanner) (*engine.ChangeRequest, error) {
	var (
		c                                                   engine.ChangeRequest
		status, priority, changeType, riskLevel             string
		schedStart, schedEnd, actualStart, actualEnd        sql.NullString
		approvedAt, conditionsStatus, conditionsConfirmedAt sql.NullString
		createdAt, updatedAt                                string
	)

	err := row.Scan(
		&c.ID, &c.Title, &c.Description, &c.ClientID, &c.RequesterID, &c.AssignedEngineerID,
		&status, &priority, &changeType, &riskLevel, &c.RiskScore, &c.PolicyID,
		&c.RequiresClientApproval, &c.RequiresCabApproval, &c.RequiresSecurityReview,
		&c.ImplementationPlan, &c.BackoutPlan, &c.TestPlan,
		&schedStart, &schedEnd, &actualStart, &actualEnd,
		&c.ApprovedBy, &approvedAt, &c.RejectionReason,
		&c.CabConditions, &conditionsStatus, &c.CabConditionsConfirmedBy, &conditionsConfirmedAt,
		&c.Revision, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Status = engine.Status(status)
	c.Priority = engine.Priority(priority)
	c.ChangeType = engine.ChangeType(changeType)
	c.RiskLevel = engine.RiskLevel(riskLevel)
	if conditionsStatus.Valid {
		cs := engine.ConditionsStatus(conditionsStatus.String)
		c.CabConditionsStatus = &cs
	}

	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{schedStart, &c.ScheduledStart},
		{schedEnd, &c.ScheduledEnd},
		{actualStart, &c.ActualStart},
		{actualEnd, &c.ActualEnd},
		{approvedAt, &c.ApprovedAt},
		{conditionsConfirmedAt, &c.CabConditionsConfirmedAt},
	} {
		if *f.dst, err = parseTimePtr(f.src); err != nil {
			return nil, err
		}
	}

	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func conditionsStatusValue(s *engine.ConditionsStatus) interface{} {
	if s == nil {
		return nil
	}
	return string(*s)
}
