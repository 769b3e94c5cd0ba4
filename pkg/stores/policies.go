package stores

import (
	"context"
	"database/sql"
	"errors"

	"github.com/openfroyo/changegov/pkg/engine"
)

const policyColumns = `id, name, client_id, change_type, priority, min_risk_score, max_risk_score,
	requires_client_approval, requires_cab_approval, requires_security_review, auto_approve,
	max_implementation_hours, active, created_at`

// CreatePolicy inserts a change policy.
func (t *txRepo) CreatePolicy(ctx context.Context, p *engine.ChangePolicy) error {
	var changeType, priority interface{}
	if p.ChangeType != nil {
		changeType = string(*p.ChangeType)
	}
	if p.Priority != nil {
		priority = string(*p.Priority)
	}

	_, err := t.tx.ExecContext(ctx, `INSERT INTO change_policies (`+policyColumns+`) VALUES (`+placeholders(14)+`)`,
		p.ID, p.Name, p.ClientID, changeType, priority, p.MinRiskScore, p.MaxRiskScore,
		p.RequiresClientApproval, p.RequiresCabApproval, p.RequiresSecurityReview, p.AutoApprove,
		p.MaxImplementationHours, p.Active, formatTime(p.CreatedAt),
	)
	if err != nil {
		return engine.NewInternalError("failed to create policy", err)
	}
	return nil
}

// GetPolicy loads a policy by id.
func (t *txRepo) GetPolicy(ctx context.Context, id string) (*engine.ChangePolicy, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM change_policies WHERE id = ?`, id)
	p, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("policy", id)
	}
	if err != nil {
		return nil, engine.NewInternalError("failed to get policy", err)
	}
	return p, nil
}

// ListActivePolicies returns active policies in creation order.
func (t *txRepo) ListActivePolicies(ctx context.Context) ([]*engine.ChangePolicy, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+policyColumns+` FROM change_policies WHERE active = 1 ORDER BY created_at, rowid`)
	if err != nil {
		return nil, engine.NewInternalError("failed to list policies", err)
	}
	defer rows.Close()

	var policies []*engine.ChangePolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, engine.NewInternalError("failed to scan policy", err)
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

func scanPolicy(row rowScanner) (*engine.ChangePolicy, error) {
	var (
		p                    engine.ChangePolicy
		changeType, priority sql.NullString
		createdAt            string
	)
	err := row.Scan(
		&p.ID, &p.Name, &p.ClientID, &changeType, &priority, &p.MinRiskScore, &p.MaxRiskScore,
		&p.RequiresClientApproval, &p.RequiresCabApproval, &p.RequiresSecurityReview, &p.AutoApprove,
		&p.MaxImplementationHours, &p.Active, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	if changeType.Valid {
		ct := engine.ChangeType(changeType.String)
		p.ChangeType = &ct
	}
	if priority.Valid {
		pr := engine.Priority(priority.String)
		p.Priority = &pr
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateBlackout inserts a blackout window. The window must end after it starts.
func (t *txRepo) CreateBlackout(ctx context.Context, w *engine.BlackoutWindow) error {
	if !w.EndsAt.After(w.StartsAt) {
		return engine.NewValidationError("blackout window must end after it starts", nil)
	}
	tz := w.Timezone
	if tz == "" {
		tz = "UTC"
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO blackout_windows (id, name, client_id, starts_at, ends_at, timezone, reason, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Name, w.ClientID, formatTime(w.StartsAt), formatTime(w.EndsAt), tz, w.Reason, w.Active, formatTime(w.CreatedAt),
	)
	if err != nil {
		return engine.NewInternalError("failed to create blackout window", err)
	}
	return nil
}

// ListActiveBlackouts returns active windows scoped to clientID or global, by start time.
func (t *txRepo) ListActiveBlackouts(ctx context.Context, clientID string) ([]*engine.BlackoutWindow, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, name, client_id, starts_at, ends_at, timezone, reason, active, created_at
		FROM blackout_windows
		WHERE active = 1 AND (client_id IS NULL OR client_id = ?)
		ORDER BY starts_at, id`, clientID)
	if err != nil {
		return nil, engine.NewInternalError("failed to list blackout windows", err)
	}
	defer rows.Close()

	var windows []*engine.BlackoutWindow
	for rows.Next() {
		var (
			w                           engine.BlackoutWindow
			startsAt, endsAt, createdAt string
		)
		if err := rows.Scan(&w.ID, &w.Name, &w.ClientID, &startsAt, &endsAt, &w.Timezone, &w.Reason, &w.Active, &createdAt); err != nil {
			return nil, engine.NewInternalError("failed to scan blackout window", err)
		}
		if w.StartsAt, err = parseTime(startsAt); err != nil {
			return nil, err
		}
		if w.EndsAt, err = parseTime(endsAt); err != nil {
			return nil, err
		}
		if w.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		windows = append(windows, &w)
	}
	return windows, rows.Err()
}

// CreateContact inserts a client contact.
func (t *txRepo) CreateContact(ctx context.Context, c *engine.Contact) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO client_contacts (id, client_id, name, email, is_approver, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ClientID, c.Name, c.Email, c.IsApprover, c.Active, formatTime(c.CreatedAt),
	)
	if err != nil {
		return engine.NewInternalError("failed to create contact", err)
	}
	return nil
}

// GetContact loads a contact by id.
func (t *txRepo) GetContact(ctx context.Context, id string) (*engine.Contact, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, client_id, name, email, is_approver, active, created_at
		FROM client_contacts WHERE id = ?`, id)
	c, err := scanContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("contact", id)
	}
	if err != nil {
		return nil, engine.NewInternalError("failed to get contact", err)
	}
	return c, nil
}

// ListApproverContacts returns the active approver contacts of a client.
func (t *txRepo) ListApproverContacts(ctx context.Context, clientID string) ([]*engine.Contact, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, client_id, name, email, is_approver, active, created_at
		FROM client_contacts
		WHERE client_id = ? AND is_approver = 1 AND active = 1
		ORDER BY created_at, id`, clientID)
	if err != nil {
		return nil, engine.NewInternalError("failed to list contacts", err)
	}
	defer rows.Close()

	var contacts []*engine.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, engine.NewInternalError("failed to scan contact", err)
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

func scanContact(row rowScanner) (*engine.Contact, error) {
	var (
		c         engine.Contact
		createdAt string
	)
	if err := row.Scan(&c.ID, &c.ClientID, &c.Name, &c.Email, &c.IsApprover, &c.Active, &createdAt); err != nil {
		return nil, err
	}
	var err error
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &c, nil
}
