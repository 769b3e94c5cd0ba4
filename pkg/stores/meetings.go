package stores

import (
	"context"
	"database/sql"
	"errors"

	"github.com/openfroyo/changegov/pkg/engine"
)

// AppendEvent appends a workflow event and sets its id.
func (t *txRepo) AppendEvent(ctx context.Context, e *engine.WorkflowEvent) error {
	payload, err := e.PayloadJSON()
	if err != nil {
		return engine.NewInternalError("failed to encode event payload", err).WithChange(e.ChangeID)
	}

	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO workflow_events (change_id, event_type, payload, actor_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.ChangeID, e.Type, payload, e.ActorID, formatTime(e.CreatedAt),
	)
	if err != nil {
		return engine.NewInternalError("failed to append event", err).WithChange(e.ChangeID)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return engine.NewInternalError("failed to get event id", err).WithChange(e.ChangeID)
	}
	e.ID = id
	return nil
}

// ListEvents returns the events of a change in append order.
func (t *txRepo) ListEvents(ctx context.Context, changeID string) ([]*engine.WorkflowEvent, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, change_id, event_type, payload, actor_id, created_at
		FROM workflow_events
		WHERE change_id = ?
		ORDER BY id`, changeID)
	if err != nil {
		return nil, engine.NewInternalError("failed to list events", err).WithChange(changeID)
	}
	defer rows.Close()

	var events []*engine.WorkflowEvent
	for rows.Next() {
		var (
			e                  engine.WorkflowEvent
			payload, createdAt string
		)
		if err := rows.Scan(&e.ID, &e.ChangeID, &e.Type, &payload, &e.ActorID, &createdAt); err != nil {
			return nil, engine.NewInternalError("failed to scan event", err).WithChange(changeID)
		}
		if err := unmarshalJSON(payload, &e.Payload); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// CreateMeeting inserts a meeting with its members and initial agenda.
func (t *txRepo) CreateMeeting(ctx context.Context, m *engine.CabMeeting) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO cab_meetings (id, meeting_date, status, notes, minutes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, formatTime(m.MeetingDate), string(m.Status), m.Notes, m.Minutes, formatTime(m.CreatedAt), formatTime(m.UpdatedAt),
	)
	if err != nil {
		return engine.NewInternalError("failed to create meeting", err)
	}

	for _, member := range m.MemberIDs {
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO cab_meeting_members (meeting_id, user_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
			m.ID, member); err != nil {
			return engine.NewInternalError("failed to add meeting member", err)
		}
	}

	for _, item := range m.Agenda {
		if err := t.AddAgendaItem(ctx, m.ID, item); err != nil {
			return err
		}
	}
	return nil
}

// GetMeeting loads a meeting with its agenda and members.
func (t *txRepo) GetMeeting(ctx context.Context, id string) (*engine.CabMeeting, error) {
	var (
		m                          engine.CabMeeting
		status                     string
		date, createdAt, updatedAt string
	)
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, meeting_date, status, notes, minutes, created_at, updated_at
		FROM cab_meetings WHERE id = ?`, id,
	).Scan(&m.ID, &date, &status, &m.Notes, &m.Minutes, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("meeting", id)
	}
	if err != nil {
		return nil, engine.NewInternalError("failed to get meeting", err)
	}
	m.Status = engine.MeetingStatus(status)
	if m.MeetingDate, err = parseTime(date); err != nil {
		return nil, err
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}

	if m.Agenda, err = t.listAgenda(ctx, id); err != nil {
		return nil, err
	}
	if m.MemberIDs, err = t.listMembers(ctx, id); err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateMeeting persists status, notes and minutes.
func (t *txRepo) UpdateMeeting(ctx context.Context, m *engine.CabMeeting) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE cab_meetings SET status = ?, notes = ?, minutes = ?, updated_at = ? WHERE id = ?`,
		string(m.Status), m.Notes, m.Minutes, formatTime(m.UpdatedAt), m.ID,
	)
	if err != nil {
		return engine.NewInternalError("failed to update meeting", err)
	}
	ok, err := affected(result)
	if err != nil {
		return err
	}
	if !ok {
		return engine.NewNotFoundError("meeting", m.ID)
	}
	return nil
}

// AddAgendaItem puts a change on a meeting agenda.
func (t *txRepo) AddAgendaItem(ctx context.Context, meetingID string, item engine.AgendaItem) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO cab_meeting_changes (meeting_id, change_id, decision, added_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(meeting_id, change_id) DO NOTHING`,
		meetingID, item.ChangeID, item.Decision, formatTime(item.AddedAt),
	)
	if err != nil {
		return engine.NewInternalError("failed to add agenda item", err).WithChange(item.ChangeID)
	}
	return nil
}

// RemoveAgendaItem takes a change off a meeting agenda.
func (t *txRepo) RemoveAgendaItem(ctx context.Context, meetingID, changeID string) error {
	_, err := t.tx.ExecContext(ctx,
		`DELETE FROM cab_meeting_changes WHERE meeting_id = ? AND change_id = ?`, meetingID, changeID)
	if err != nil {
		return engine.NewInternalError("failed to remove agenda item", err).WithChange(changeID)
	}
	return nil
}

// SetAgendaDecision records the committee decision for an agenda entry.
func (t *txRepo) SetAgendaDecision(ctx context.Context, meetingID, changeID, decision string) error {
	result, err := t.tx.ExecContext(ctx,
		`UPDATE cab_meeting_changes SET decision = ? WHERE meeting_id = ? AND change_id = ?`,
		decision, meetingID, changeID)
	if err != nil {
		return engine.NewInternalError("failed to record agenda decision", err).WithChange(changeID)
	}
	ok, err := affected(result)
	if err != nil {
		return err
	}
	if !ok {
		return engine.NewNotFoundError("agenda item", meetingID+"/"+changeID)
	}
	return nil
}

func (t *txRepo) listAgenda(ctx context.Context, meetingID string) ([]engine.AgendaItem, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT change_id, decision, added_at FROM cab_meeting_changes
		WHERE meeting_id = ? ORDER BY added_at, change_id`, meetingID)
	if err != nil {
		return nil, engine.NewInternalError("failed to list agenda", err)
	}
	defer rows.Close()

	var items []engine.AgendaItem
	for rows.Next() {
		var (
			item    engine.AgendaItem
			addedAt string
		)
		if err := rows.Scan(&item.ChangeID, &item.Decision, &addedAt); err != nil {
			return nil, engine.NewInternalError("failed to scan agenda item", err)
		}
		if item.AddedAt, err = parseTime(addedAt); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (t *txRepo) listMembers(ctx context.Context, meetingID string) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT user_id FROM cab_meeting_members WHERE meeting_id = ? ORDER BY user_id`, meetingID)
	if err != nil {
		return nil, engine.NewInternalError("failed to list meeting members", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, engine.NewInternalError("failed to scan meeting member", err)
		}
		members = append(members, id)
	}
	return members, rows.Err()
}
