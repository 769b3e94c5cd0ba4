package stores

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/openfroyo/changegov/pkg/engine"
)

const approvalColumns = `id, change_id, revision, approval_type, contact_id, status,
	due_at, reminder_sent_at, escalated_at, escalation_level, responded_at,
	comments, notification_status, created_at, updated_at`

// CreateApproval inserts an approval.
func (t *txRepo) CreateApproval(ctx context.Context, a *engine.Approval) error {
	approvalType, contactID := targetColumns(a.Target)

	_, err := t.tx.ExecContext(ctx, `INSERT INTO approvals (`+approvalColumns+`) VALUES (`+placeholders(15)+`)`,
		a.ID, a.ChangeID, a.Revision, approvalType, contactID, string(a.Status),
		formatTimePtr(a.DueAt), formatTimePtr(a.ReminderSentAt), formatTimePtr(a.EscalatedAt), a.EscalationLevel, formatTimePtr(a.RespondedAt),
		a.Comments, string(a.NotificationStatus), formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if err != nil {
		return engine.NewInternalError("failed to create approval", err).WithChange(a.ChangeID)
	}
	return nil
}

// GetApproval loads an approval by id.
func (t *txRepo) GetApproval(ctx context.Context, id string) (*engine.Approval, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("approval", id)
	}
	if err != nil {
		return nil, engine.NewInternalError("failed to get approval", err)
	}
	return a, nil
}

// UpdateApproval persists the mutable columns of an approval.
func (t *txRepo) UpdateApproval(ctx context.Context, a *engine.Approval) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE approvals SET
			status = ?, due_at = ?, reminder_sent_at = ?, escalated_at = ?, escalation_level = ?,
			responded_at = ?, comments = ?, notification_status = ?, updated_at = ?
		WHERE id = ?`,
		string(a.Status), formatTimePtr(a.DueAt), formatTimePtr(a.ReminderSentAt), formatTimePtr(a.EscalatedAt), a.EscalationLevel,
		formatTimePtr(a.RespondedAt), a.Comments, string(a.NotificationStatus), formatTime(a.UpdatedAt),
		a.ID,
	)
	if err != nil {
		return engine.NewInternalError("failed to update approval", err).WithChange(a.ChangeID)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return engine.NewInternalError("failed to get rows affected", err)
	}
	if rows == 0 {
		return engine.NewNotFoundError("approval", a.ID)
	}
	return nil
}

// ListApprovals returns the approvals of one change revision in creation order.
func (t *txRepo) ListApprovals(ctx context.Context, changeID string, revision int) ([]*engine.Approval, error) {
	return t.queryApprovals(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE change_id = ? AND revision = ? ORDER BY created_at, rowid`,
		changeID, revision)
}

// FindClientApproval returns the approval addressed to one contact.
func (t *txRepo) FindClientApproval(ctx context.Context, changeID string, revision int, contactID string) (*engine.Approval, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals
		 WHERE change_id = ? AND revision = ? AND approval_type = 'client' AND contact_id = ?`,
		changeID, revision, contactID)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("client approval", changeID+"/"+contactID)
	}
	if err != nil {
		return nil, engine.NewInternalError("failed to find client approval", err).WithChange(changeID)
	}
	return a, nil
}

// FindCabApproval returns the CAB tracker of a revision.
func (t *txRepo) FindCabApproval(ctx context.Context, changeID string, revision int) (*engine.Approval, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals
		 WHERE change_id = ? AND revision = ? AND approval_type = 'cab'`,
		changeID, revision)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("cab approval", changeID)
	}
	if err != nil {
		return nil, engine.NewInternalError("failed to find cab approval", err).WithChange(changeID)
	}
	return a, nil
}

// ListPendingApprovals returns pending approvals of the current revision of
// changes in the given statuses, ordered by due date.
func (t *txRepo) ListPendingApprovals(ctx context.Context, statuses []engine.Status) ([]*engine.Approval, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]interface{}, 0, len(statuses))
	for _, s := range statuses {
		args = append(args, string(s))
	}

	return t.queryApprovals(ctx, `
		SELECT a.id, a.change_id, a.revision, a.approval_type, a.contact_id, a.status,
			a.due_at, a.reminder_sent_at, a.escalated_at, a.escalation_level, a.responded_at,
			a.comments, a.notification_status, a.created_at, a.updated_at
		FROM approvals a
		JOIN change_requests c ON c.id = a.change_id AND c.revision = a.revision
		WHERE a.status = 'pending' AND c.status IN (`+placeholders(len(statuses))+`)
		ORDER BY a.due_at, a.id`, args...)
}

// MarkReminderSent stamps the reminder unless one was already recorded.
func (t *txRepo) MarkReminderSent(ctx context.Context, approvalID string, at time.Time) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE approvals
		SET reminder_sent_at = ?, notification_status = 'reminder_sent', updated_at = ?
		WHERE id = ? AND status = 'pending' AND reminder_sent_at IS NULL`,
		formatTime(at), formatTime(at), approvalID)
	if err != nil {
		return false, engine.NewInternalError("failed to mark reminder", err)
	}
	return affected(result)
}

// MarkEscalated bumps the escalation level when it still equals expectedLevel.
func (t *txRepo) MarkEscalated(ctx context.Context, approvalID string, expectedLevel int, at time.Time) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE approvals
		SET escalated_at = ?, escalation_level = escalation_level + 1,
			notification_status = 'escalated', updated_at = ?
		WHERE id = ? AND status = 'pending' AND escalation_level = ?`,
		formatTime(at), formatTime(at), approvalID, expectedLevel)
	if err != nil {
		return false, engine.NewInternalError("failed to mark escalation", err)
	}
	return affected(result)
}

func (t *txRepo) queryApprovals(ctx context.Context, query string, args ...interface{}) ([]*engine.Approval, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, engine.NewInternalError("failed to list approvals", err)
	}
	defer rows.Close()

	var approvals []*engine.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, engine.NewInternalError("failed to scan approval", err)
		}
		approvals = append(approvals, a)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.NewInternalError("failed to iterate approvals", err)
	}
	return approvals, nil
}

func scanApproval(row rowScanner) (*engine.Approval, error) {
	var (
		a                                           engine.Approval
		approvalType, status, notification          string
		contactID                                   sql.NullString
		dueAt, reminderAt, escalatedAt, respondedAt sql.NullString
		createdAt, updatedAt                        string
	)

	err := row.Scan(
		&a.ID, &a.ChangeID, &a.Revision, &approvalType, &contactID, &status,
		&dueAt, &reminderAt, &escalatedAt, &a.EscalationLevel, &respondedAt,
		&a.Comments, &notification, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	switch engine.ApprovalType(approvalType) {
	case engine.ApprovalTypeCab:
		a.Target = engine.CabTarget{}
	default:
		a.Target = engine.ClientTarget{ContactID: contactID.String}
	}
	a.Status = engine.ApprovalStatus(status)
	a.NotificationStatus = engine.NotificationStatus(notification)

	if a.DueAt, err = parseTimePtr(dueAt); err != nil {
		return nil, err
	}
	if a.ReminderSentAt, err = parseTimePtr(reminderAt); err != nil {
		return nil, err
	}
	if a.EscalatedAt, err = parseTimePtr(escalatedAt); err != nil {
		return nil, err
	}
	if a.RespondedAt, err = parseTimePtr(respondedAt); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func targetColumns(target engine.ApprovalTarget) (string, interface{}) {
	switch t := target.(type) {
	case engine.ClientTarget:
		return string(engine.ApprovalTypeClient), t.ContactID
	case engine.CabTarget:
		return string(engine.ApprovalTypeCab), nil
	default:
		return "", nil
	}
}

// UpsertVote inserts a ballot or overwrites the voter's previous ballot for the revision.
// The first ballot's id and creation time are kept so retrieval order stays stable.
func (t *txRepo) UpsertVote(ctx context.Context, v *engine.CabVote) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO cab_votes (id, change_id, revision, voter_id, vote, comments, conditional_terms, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(change_id, revision, voter_id) DO UPDATE SET
			vote = excluded.vote,
			comments = excluded.comments,
			conditional_terms = excluded.conditional_terms,
			updated_at = excluded.updated_at`,
		v.ID, v.ChangeID, v.Revision, v.VoterID, string(v.Vote), v.Comments, v.ConditionalTerms,
		formatTime(v.CreatedAt), formatTime(v.UpdatedAt),
	)
	if err != nil {
		return engine.NewInternalError("failed to record vote", err).WithChange(v.ChangeID)
	}

	var createdAt string
	err = t.tx.QueryRowContext(ctx,
		`SELECT id, created_at FROM cab_votes WHERE change_id = ? AND revision = ? AND voter_id = ?`,
		v.ChangeID, v.Revision, v.VoterID,
	).Scan(&v.ID, &createdAt)
	if err != nil {
		return engine.NewInternalError("failed to reload vote", err).WithChange(v.ChangeID)
	}
	v.CreatedAt, err = parseTime(createdAt)
	return err
}

// ListVotes returns the ballots of a revision in the order they were first cast.
func (t *txRepo) ListVotes(ctx context.Context, changeID string, revision int) ([]*engine.CabVote, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, change_id, revision, voter_id, vote, comments, conditional_terms, created_at, updated_at
		FROM cab_votes
		WHERE change_id = ? AND revision = ?
		ORDER BY created_at, rowid`,
		changeID, revision)
	if err != nil {
		return nil, engine.NewInternalError("failed to list votes", err).WithChange(changeID)
	}
	defer rows.Close()

	var votes []*engine.CabVote
	for rows.Next() {
		var (
			v                    engine.CabVote
			vote                 string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&v.ID, &v.ChangeID, &v.Revision, &v.VoterID, &vote, &v.Comments, &v.ConditionalTerms, &createdAt, &updatedAt); err != nil {
			return nil, engine.NewInternalError("failed to scan vote", err).WithChange(changeID)
		}
		v.Vote = engine.VoteValue(vote)
		if v.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if v.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		votes = append(votes, &v)
	}
	return votes, rows.Err()
}

func affected(result sql.Result) (bool, error) {
	rows, err := result.RowsAffected()
	if err != nil {
		return false, engine.NewInternalError("failed to get rows affected", err)
	}
	return rows > 0, nil
}
