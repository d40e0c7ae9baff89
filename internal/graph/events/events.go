// Package events is the append-only audit log: events are appended, never
// mutated, and read back via cursor-paginated history queries.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskgraph/graphd/internal/graph/types"
	"github.com/taskgraph/graphd/internal/store"
)

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Repo is the event log repository.
type Repo struct{}

func New() *Repo { return &Repo{} }

// Append writes one immutable event row.
func (r *Repo) Append(ctx context.Context, q querier, nodeID, agent string, action types.Action, changes map[string]any) error {
	var changesJSON []byte
	var err error
	if changes != nil {
		changesJSON, err = json.Marshal(changes)
		if err != nil {
			return fmt.Errorf("events: marshal changes: %w", err)
		}
	} else {
		changesJSON = []byte("{}")
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO events (node_id, agent, action, changes, created_at) VALUES (?, ?, ?, ?, ?)
	`, nodeID, agent, string(action), string(changesJSON), store.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("events: append: %w", err)
	}
	return nil
}

// ForNode returns events for a node, newest first, paginated by a cursor
// which is the last event id seen (0 for the first page).
func (r *Repo) ForNode(ctx context.Context, q querier, nodeID string, cursor int64, limit int) ([]*types.Event, int64, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows *sql.Rows
	var err error
	if cursor > 0 {
		rows, err = q.QueryContext(ctx, `
			SELECT id, node_id, agent, action, changes, created_at FROM events
			WHERE node_id = ? AND id < ? ORDER BY id DESC LIMIT ?
		`, nodeID, cursor, limit+1)
	} else {
		rows, err = q.QueryContext(ctx, `
			SELECT id, node_id, agent, action, changes, created_at FROM events
			WHERE node_id = ? ORDER BY id DESC LIMIT ?
		`, nodeID, limit+1)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("events: forNode %s: %w", nodeID, err)
	}
	return scanPage(rows, limit)
}

func scanPage(rows *sql.Rows, limit int) ([]*types.Event, int64, error) {
	defer rows.Close()
	var out []*types.Event
	for rows.Next() {
		var e types.Event
		var changesJSON, createdAt string
		if err := rows.Scan(&e.ID, &e.NodeID, &e.Agent, &e.Action, &changesJSON, &createdAt); err != nil {
			return nil, 0, err
		}
		if changesJSON != "" && changesJSON != "{}" {
			_ = json.Unmarshal([]byte(changesJSON), &e.Changes)
		}
		ts, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, 0, err
		}
		e.Timestamp = ts
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var nextCursor int64
	if len(out) > limit {
		nextCursor = out[limit-1].ID
		out = out[:limit]
	}
	return out, nextCursor, nil
}
