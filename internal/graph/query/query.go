// Package query implements filtered, paginated node search: a hand-built
// dynamic WHERE-clause builder plus an opaque cursor encoding over the
// open-ended properties/evidence/claim filter set nodes support.
package query

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/taskgraph/graphd/internal/graph/gerr"
	"github.com/taskgraph/graphd/internal/graph/nodes"
	"github.com/taskgraph/graphd/internal/graph/types"
)

// SortMode is the closed set of supported sort orders.
type SortMode string

const (
	SortReadiness SortMode = "readiness"
	SortDepth     SortMode = "depth"
	SortRecent    SortMode = "recent"
	SortCreated   SortMode = "created"
)

// Filter is the set of predicates graph_query accepts.
type Filter struct {
	Project         string
	Resolved        *bool
	Properties      types.Properties
	Text            string
	Ancestor        string
	HasEvidenceType string
	IsLeaf          *bool
	IsActionable    *bool
	IsBlocked       *bool
	ClaimedBy       *string // nil: no filter; "" pointer to empty string: unclaimed only
	Sort            SortMode
	Cursor          string
	Limit           int
}

// Page is one page of query results.
type Page struct {
	Nodes      []*types.Node
	NextCursor string
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Run executes a filtered, sorted, paginated node search.
func Run(ctx context.Context, q querier, f Filter) (*Page, error) {
	if f.Project == "" {
		return nil, gerr.Validation("project", "project is required")
	}
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	sortMode := f.Sort
	if sortMode == "" {
		sortMode = SortReadiness
	}

	var cur cursor
	if f.Cursor != "" {
		var err error
		cur, err = decodeCursor(f.Cursor)
		if err != nil {
			return nil, gerr.Validation("cursor", "invalid cursor: %v", err)
		}
	}

	where := []string{"n.project = ?"}
	args := []any{f.Project}

	if f.Resolved != nil {
		where = append(where, "n.resolved = ?")
		args = append(args, boolToInt(*f.Resolved))
	}
	if f.IsBlocked != nil {
		where = append(where, "n.blocked = ?")
		args = append(args, boolToInt(*f.IsBlocked))
	}
	if f.Text != "" {
		where = append(where, "n.summary LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(f.Text)+"%")
	}
	if f.Ancestor != "" {
		where = append(where, `n.id IN (
			WITH RECURSIVE sub(id) AS (
				SELECT id FROM nodes WHERE parent = ?
				UNION ALL
				SELECT nn.id FROM nodes nn JOIN sub ON nn.parent = sub.id
			) SELECT id FROM sub
		)`)
		args = append(args, f.Ancestor)
	}
	if f.IsLeaf != nil {
		leafPredicate := "NOT EXISTS (SELECT 1 FROM nodes c WHERE c.parent = n.id)"
		if *f.IsLeaf {
			where = append(where, leafPredicate)
		} else {
			where = append(where, "NOT ("+leafPredicate+")")
		}
	}
	if f.IsActionable != nil {
		actionablePredicate := `(
			n.resolved = 0 AND n.blocked = 0
			AND NOT EXISTS (SELECT 1 FROM nodes c WHERE c.parent = n.id AND c.resolved = 0)
			AND NOT EXISTS (
				SELECT 1 FROM edges e JOIN nodes d ON d.id = e.to_node
				WHERE e.from_node = n.id AND e.type = 'depends_on' AND d.resolved = 0
			)
		)`
		if *f.IsActionable {
			where = append(where, actionablePredicate)
		} else {
			where = append(where, "NOT "+actionablePredicate)
		}
	}
	if f.HasEvidenceType != "" {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(n.evidence) e WHERE json_extract(e.value, '$.type') = ?)")
		args = append(args, f.HasEvidenceType)
	}
	if f.ClaimedBy != nil {
		if *f.ClaimedBy == "" {
			where = append(where, "json_extract(n.properties, '$._claimed_by') IS NULL")
		} else {
			where = append(where, "json_extract(n.properties, '$._claimed_by') = ?")
			args = append(args, *f.ClaimedBy)
		}
	}
	for key, val := range f.Properties {
		where = append(where, "json_extract(n.properties, '$.' || ?) = json_extract(?, '$.v')")
		args = append(args, key, val.SQLJSONLiteral())
	}

	keys := sortKeys(sortMode)
	if cur.valid {
		if len(cur.keys) != len(keys) {
			return nil, gerr.Validation("cursor", "cursor does not match sort %q", sortMode)
		}
		predicate, predicateArgs := keysetPredicate(keys, cur.keys, cur.id)
		where = append(where, predicate)
		args = append(args, predicateArgs...)
	}

	sqlQuery := fmt.Sprintf(`
		SELECT n.id FROM nodes n
		WHERE %s
		ORDER BY %s, n.id ASC
		LIMIT ?
	`, strings.Join(where, " AND "), orderByClause(keys))
	args = append(args, limit+1)

	rows, err := q.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("query: run: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	repo := nodes.New()
	result := make([]*types.Node, 0, len(ids))
	for _, id := range ids {
		n, err := repo.GetOrThrow(ctx, q, id)
		if err != nil {
			return nil, err
		}
		result = append(result, n)
	}

	page := &Page{}
	if len(result) > limit {
		page.Nodes = result[:limit]
		last := page.Nodes[len(page.Nodes)-1]
		page.NextCursor = encodeCursor(sortKeyValues(sortMode, last), last.ID)
	} else {
		page.Nodes = result
	}
	return page, nil
}

// sortKey is one column of a (possibly composite) ORDER BY, carrying the
// direction needed to build both the ORDER BY clause and the keyset
// resumption predicate for it.
type sortKey struct {
	expr string
	desc bool
}

// sortKeys returns mode's ORDER BY columns in priority order. readiness is
// composite (actionable, then depth, then recency); every other mode sorts
// on a single column. The cursor must carry one value per key here, or a
// row that only differs from an already-returned one on a higher-priority
// key (e.g. same updated_at, different depth) would wrongly be skipped or
// repeated across pages.
func sortKeys(mode SortMode) []sortKey {
	switch mode {
	case SortDepth:
		return []sortKey{{expr: "n.depth", desc: false}}
	case SortRecent:
		return []sortKey{{expr: "n.updated_at", desc: true}}
	case SortCreated:
		return []sortKey{{expr: "n.created_at", desc: false}}
	default: // readiness
		return []sortKey{
			{expr: "(CASE WHEN n.resolved = 0 AND n.blocked = 0 THEN '1' ELSE '0' END)", desc: true},
			{expr: "n.depth", desc: true},
			{expr: "n.updated_at", desc: false},
		}
	}
}

func orderByClause(keys []sortKey) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		dir := "ASC"
		if k.desc {
			dir = "DESC"
		}
		parts[i] = k.expr + " " + dir
	}
	return strings.Join(parts, ", ")
}

// keysetPredicate builds the standard multi-column keyset-pagination OR-chain:
// a row resumes the page if it differs from the cursor on the first key it's
// not tied on, in that key's direction, falling back to n.id as the final
// tiebreaker. This is required (rather than comparing only the last column)
// whenever the sort has more than one key.
func keysetPredicate(keys []sortKey, curKeys []string, curID string) (string, []any) {
	var parts []string
	var args []any
	for i := range keys {
		var clauses []string
		for j := 0; j < i; j++ {
			clauses = append(clauses, keys[j].expr+" = ?")
			args = append(args, curKeys[j])
		}
		op := ">"
		if keys[i].desc {
			op = "<"
		}
		clauses = append(clauses, keys[i].expr+" "+op+" ?")
		args = append(args, curKeys[i])
		parts = append(parts, "("+strings.Join(clauses, " AND ")+")")
	}

	var tieClauses []string
	for i, k := range keys {
		tieClauses = append(tieClauses, k.expr+" = ?")
		args = append(args, curKeys[i])
	}
	tieClauses = append(tieClauses, "n.id > ?")
	args = append(args, curID)
	parts = append(parts, "("+strings.Join(tieClauses, " AND ")+")")

	return "(" + strings.Join(parts, " OR ") + ")", args
}

func sortKeyValues(mode SortMode, n *types.Node) []string {
	switch mode {
	case SortDepth:
		return []string{strconv.Itoa(n.Depth)}
	case SortRecent:
		return []string{n.UpdatedAt.Format("2006-01-02T15:04:05Z07:00")}
	case SortCreated:
		return []string{n.CreatedAt.Format("2006-01-02T15:04:05Z07:00")}
	default: // readiness
		actionable := "0"
		if !n.Resolved && !n.Blocked {
			actionable = "1"
		}
		return []string{actionable, strconv.Itoa(n.Depth), n.UpdatedAt.Format("2006-01-02T15:04:05Z07:00")}
	}
}

type cursor struct {
	keys  []string
	id    string
	valid bool
}

func encodeCursor(keys []string, id string) string {
	raw := strings.Join(append(append([]string{}, keys...), id), "|")
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(s string) (cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return cursor{}, err
	}
	parts := strings.Split(string(raw), "|")
	if len(parts) < 2 {
		return cursor{}, fmt.Errorf("malformed cursor")
	}
	return cursor{keys: parts[:len(parts)-1], id: parts[len(parts)-1], valid: true}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func escapeLike(s string) string {
	r := strings.NewReplacer("\\", "\\\\", "%", "\\%", "_", "\\_")
	return r.Replace(s)
}
