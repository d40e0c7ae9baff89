// Package continuity computes the continuity confidence score and runs the
// integrity audit: a deduction-from-100 health score generalized to the
// full invariant set a task graph needs to track.
package continuity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskgraph/graphd/internal/graph/types"
)

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Bucket is the coarse confidence tier scores are bucketed into.
type Bucket string

const (
	BucketHigh   Bucket = "high"
	BucketMedium Bucket = "medium"
	BucketLow    Bucket = "low"
)

// Score is the continuity confidence result.
type Score struct {
	Value       int
	Bucket      Bucket
	Deductions  []Deduction
}

// Deduction records one applied penalty and why.
type Deduction struct {
	Reason string
	Points int
}

// Confidence computes the 0-100 continuity score for project using the
// deduction table below.
func Confidence(ctx context.Context, q querier, project string) (*Score, error) {
	score := 100
	var deductions []Deduction

	deduct := func(points int, reason string) {
		score -= points
		deductions = append(deductions, Deduction{Reason: reason, Points: points})
	}

	var resolvedNonRoot, withEvidence int
	row := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes WHERE project = ? AND resolved = 1 AND parent IS NOT NULL`, project)
	if err := row.Scan(&resolvedNonRoot); err != nil {
		return nil, fmt.Errorf("continuity: resolved count: %w", err)
	}
	row = q.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes WHERE project = ? AND resolved = 1 AND parent IS NOT NULL AND json_array_length(evidence) > 0`, project)
	if err := row.Scan(&withEvidence); err != nil {
		return nil, fmt.Errorf("continuity: evidence count: %w", err)
	}
	if resolvedNonRoot > 0 {
		coverage := float64(withEvidence) / float64(resolvedNonRoot)
		if coverage < 0.5 {
			deduct(40, "evidence coverage below 50%")
		} else if coverage < 0.8 {
			deduct(20, "evidence coverage below 80%")
		}
	}

	var lastActivity sql.NullString
	row = q.QueryRowContext(ctx, `SELECT MAX(updated_at) FROM nodes WHERE project = ?`, project)
	if err := row.Scan(&lastActivity); err != nil {
		return nil, fmt.Errorf("continuity: last activity: %w", err)
	}
	if lastActivity.Valid {
		if t, err := time.Parse(time.RFC3339, lastActivity.String); err == nil {
			idle := time.Since(t)
			if idle > 14*24*time.Hour {
				deduct(25, "no mutation in 14 days")
			} else if idle > 7*24*time.Hour {
				deduct(15, "no mutation in 7 days")
			}
		}
	}

	var knowledgeCount int
	row = q.QueryRowContext(ctx, `SELECT COUNT(*) FROM knowledge WHERE project = ?`, project)
	if err := row.Scan(&knowledgeCount); err != nil {
		return nil, fmt.Errorf("continuity: knowledge count: %w", err)
	}
	if resolvedNonRoot >= 5 && knowledgeCount == 0 {
		deduct(15, "mature project with no knowledge entries")
	}

	var staleBlockers int
	cutoff := time.Now().Add(-7 * 24 * time.Hour).UTC().Format(time.RFC3339)
	row = q.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes WHERE project = ? AND blocked = 1 AND updated_at < ?`, project, cutoff)
	if err := row.Scan(&staleBlockers); err != nil {
		return nil, fmt.Errorf("continuity: stale blockers: %w", err)
	}
	if staleBlockers > 0 {
		deduct(10, "blockers open for more than 7 days")
	}

	if score < 0 {
		score = 0
	}
	bucket := BucketHigh
	if score < 50 {
		bucket = BucketLow
	} else if score < 80 {
		bucket = BucketMedium
	}
	return &Score{Value: score, Bucket: bucket, Deductions: deductions}, nil
}

// IssueType is the closed set of integrity audit findings.
type IssueType string

const (
	IssueWeakEvidence IssueType = "weak_evidence"
	IssueStaleClaim   IssueType = "stale_claim"
	IssueOrphan       IssueType = "orphan"
	IssueStaleTask    IssueType = "stale_task"
	IssueQualityKPI   IssueType = "quality_kpi"
)

// Issue is one integrity audit finding.
type Issue struct {
	Type        IssueType
	NodeID      string
	Remediation string
}

// Audit runs the integrity audit against project.
func Audit(ctx context.Context, q querier, project string, claimTTL time.Duration) ([]Issue, error) {
	var issues []Issue

	weak, err := weakEvidenceIssues(ctx, q, project)
	if err != nil {
		return nil, err
	}
	issues = append(issues, weak...)

	stale, err := staleClaimIssues(ctx, q, project)
	if err != nil {
		return nil, err
	}
	issues = append(issues, stale...)

	orphans, err := orphanIssues(ctx, q, project)
	if err != nil {
		return nil, err
	}
	issues = append(issues, orphans...)

	staleTasks, err := staleTaskIssues(ctx, q, project)
	if err != nil {
		return nil, err
	}
	issues = append(issues, staleTasks...)

	kpi, err := qualityKPIIssue(ctx, q, project)
	if err != nil {
		return nil, err
	}
	if kpi != nil {
		issues = append(issues, *kpi)
	}

	return issues, nil
}

func weakEvidenceIssues(ctx context.Context, q querier, project string) ([]Issue, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, evidence, context_links FROM nodes
		WHERE project = ? AND resolved = 1 AND parent IS NOT NULL
			AND NOT EXISTS (SELECT 1 FROM nodes c WHERE c.parent = nodes.id)
	`, project)
	if err != nil {
		return nil, fmt.Errorf("continuity: weak evidence scan: %w", err)
	}
	defer rows.Close()

	var issues []Issue
	for rows.Next() {
		var id, evidenceJSON, linksJSON string
		if err := rows.Scan(&id, &evidenceJSON, &linksJSON); err != nil {
			return nil, err
		}
		if onlyNoteEvidence(evidenceJSON) && linksJSON == "[]" {
			issues = append(issues, Issue{
				Type: IssueWeakEvidence, NodeID: id,
				Remediation: "attach git/test evidence or a context_link before treating this as done",
			})
		}
	}
	return issues, rows.Err()
}

func onlyNoteEvidence(evidenceJSON string) bool {
	var ev []types.Evidence
	if err := json.Unmarshal([]byte(evidenceJSON), &ev); err != nil || len(ev) == 0 {
		return len(ev) == 0
	}
	for _, e := range ev {
		if e.Type.SatisfiesStrict() {
			return false
		}
	}
	return true
}

func staleClaimIssues(ctx context.Context, q querier, project string) ([]Issue, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, json_extract(properties, '$._claimed_at') FROM nodes
		WHERE project = ? AND resolved = 0 AND json_extract(properties, '$._claimed_at') IS NOT NULL
	`, project)
	if err != nil {
		return nil, fmt.Errorf("continuity: stale claim scan: %w", err)
	}
	defer rows.Close()

	var issues []Issue
	for rows.Next() {
		var id, claimedAt string
		if err := rows.Scan(&id, &claimedAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, claimedAt)
		if err != nil {
			continue
		}
		if time.Since(t) > 24*time.Hour {
			issues = append(issues, Issue{
				Type: IssueStaleClaim, NodeID: id,
				Remediation: "claim is older than 24h; release it or confirm the agent is still active",
			})
		}
	}
	return issues, rows.Err()
}

func orphanIssues(ctx context.Context, q querier, project string) ([]Issue, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT c.id FROM nodes c JOIN nodes p ON p.id = c.parent
		WHERE c.project = ? AND c.resolved = 0 AND p.resolved = 1
	`, project)
	if err != nil {
		return nil, fmt.Errorf("continuity: orphan scan: %w", err)
	}
	defer rows.Close()

	var issues []Issue
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		issues = append(issues, Issue{
			Type: IssueOrphan, NodeID: id,
			Remediation: "reopen the resolved parent or resolve this child",
		})
	}
	return issues, rows.Err()
}

func staleTaskIssues(ctx context.Context, q querier, project string) ([]Issue, error) {
	cutoff := time.Now().Add(-7 * 24 * time.Hour).UTC().Format(time.RFC3339)
	rows, err := q.QueryContext(ctx, `
		SELECT id FROM nodes
		WHERE project = ? AND resolved = 0 AND updated_at < ?
			AND json_extract(properties, '$._claimed_by') IS NULL
	`, project, cutoff)
	if err != nil {
		return nil, fmt.Errorf("continuity: stale task scan: %w", err)
	}
	defer rows.Close()

	var issues []Issue
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		issues = append(issues, Issue{
			Type: IssueStaleTask, NodeID: id,
			Remediation: "unclaimed and untouched for over a week; reprioritize or drop it",
		})
	}
	return issues, rows.Err()
}

func qualityKPIIssue(ctx context.Context, q querier, project string) (*Issue, error) {
	var total, qualified int
	row := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes WHERE project = ? AND resolved = 1 AND parent IS NOT NULL`, project)
	if err := row.Scan(&total); err != nil {
		return nil, fmt.Errorf("continuity: kpi total: %w", err)
	}
	if total == 0 {
		return nil, nil
	}
	row = q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM nodes
		WHERE project = ? AND resolved = 1 AND parent IS NOT NULL
			AND json_array_length(context_links) > 0
			AND EXISTS (SELECT 1 FROM json_each(evidence) e WHERE json_extract(e.value, '$.type') IN ('git','test'))
	`, project)
	if err := row.Scan(&qualified); err != nil {
		return nil, fmt.Errorf("continuity: kpi qualified: %w", err)
	}
	pct := float64(qualified) / float64(total) * 100
	return &Issue{
		Type:        IssueQualityKPI,
		NodeID:      "",
		Remediation: fmt.Sprintf("%.0f%% of resolved tasks carry git/test evidence and a context_link", pct),
	}, nil
}
