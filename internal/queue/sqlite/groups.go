package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/conveyorhq/conveyor/internal/db/dialect"
	"github.com/conveyorhq/conveyor/internal/queue"
)

// RegisterGroup upserts a chat group binding keyed by jid. Repeated calls
// with the same jid leave exactly one row matching the last call.
func (r *Repository) RegisterGroup(ctx context.Context, group *queue.RegisteredGroup) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO registered_groups (jid, name, folder, "trigger", requires_trigger)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (jid) DO UPDATE SET
			name = excluded.name,
			folder = excluded.folder,
			"trigger" = excluded."trigger",
			requires_trigger = excluded.requires_trigger
	`), group.JID, group.Name, group.Folder, group.Trigger, dialect.BoolToInt(group.RequiresTrigger))
	if err != nil {
		return fmt.Errorf("failed to register group: %w", err)
	}
	return nil
}

// GetRegisteredGroup fetches a binding by jid; (nil, nil) when absent.
func (r *Repository) GetRegisteredGroup(ctx context.Context, jid string) (*queue.RegisteredGroup, error) {
	group := &queue.RegisteredGroup{}
	var requiresTrigger int
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT jid, name, folder, "trigger", requires_trigger
		FROM registered_groups WHERE jid = ?
	`), jid).Scan(&group.JID, &group.Name, &group.Folder, &group.Trigger, &requiresTrigger)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	group.RequiresTrigger = requiresTrigger == 1
	return group, nil
}

// ListRegisteredGroups returns all bindings ordered by jid.
func (r *Repository) ListRegisteredGroups(ctx context.Context) ([]*queue.RegisteredGroup, error) {
	rows, err := r.ro.QueryContext(ctx, `
		SELECT jid, name, folder, "trigger", requires_trigger
		FROM registered_groups ORDER BY jid
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*queue.RegisteredGroup
	for rows.Next() {
		group := &queue.RegisteredGroup{}
		var requiresTrigger int
		if err := rows.Scan(&group.JID, &group.Name, &group.Folder, &group.Trigger, &requiresTrigger); err != nil {
			return nil, err
		}
		group.RequiresTrigger = requiresTrigger == 1
		result = append(result, group)
	}
	return result, rows.Err()
}
