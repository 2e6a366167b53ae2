// Package permissions maintains the directed agent-to-agent call graph.
// Edges are persisted and mirrored in memory so MayCall stays on the hot
// path of every mediated call without touching the database.
package permissions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/webmixgamer/trinity/internal/common/logger"
	"github.com/webmixgamer/trinity/internal/db"
	v1 "github.com/webmixgamer/trinity/pkg/api/v1"
)

// Graph is the permission graph service.
type Graph struct {
	pool   *db.Pool
	logger *logger.Logger

	mu    sync.RWMutex
	edges map[string]map[string]bool // source -> set of targets
}

type edgeRow struct {
	Source    string    `db:"source"`
	Target    string    `db:"target"`
	GrantedBy string    `db:"granted_by"`
	GrantedAt time.Time `db:"granted_at"`
}

// NewGraph creates the graph, its schema, and loads existing edges into the
// in-memory mirror.
func NewGraph(pool *db.Pool, log *logger.Logger) (*Graph, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS permission_edges (
		source TEXT NOT NULL,
		target TEXT NOT NULL,
		granted_by TEXT NOT NULL,
		granted_at TIMESTAMP NOT NULL,
		PRIMARY KEY (source, target)
	);
	CREATE INDEX IF NOT EXISTS idx_permission_edges_target ON permission_edges(target);
	`
	if _, err := pool.Writer().Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize permissions schema: %w", err)
	}

	g := &Graph{
		pool:   pool,
		logger: log,
		edges:  make(map[string]map[string]bool),
	}
	if err := g.reload(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) reload() error {
	var rows []edgeRow
	if err := g.pool.Reader().Select(&rows, "SELECT * FROM permission_edges"); err != nil {
		return fmt.Errorf("failed to load permission edges: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.edges = make(map[string]map[string]bool, len(rows))
	for _, row := range rows {
		g.addLocked(row.Source, row.Target)
	}
	return nil
}

func (g *Graph) addLocked(source, target string) {
	if g.edges[source] == nil {
		g.edges[source] = make(map[string]bool)
	}
	g.edges[source][target] = true
}

// Grant adds a directed edge allowing source to call target. Granting an
// existing edge is a no-op.
func (g *Graph) Grant(ctx context.Context, source, target, grantedBy string) error {
	if source == target {
		return v1.NewError(v1.KindPermissionDenied, "agent %s cannot be granted an edge to itself", source)
	}
	_, err := g.pool.Writer().ExecContext(ctx, `
		INSERT OR IGNORE INTO permission_edges (source, target, granted_by, granted_at)
		VALUES (?, ?, ?, ?)`,
		source, target, grantedBy, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to grant edge %s -> %s: %w", source, target, err)
	}

	g.mu.Lock()
	g.addLocked(source, target)
	g.mu.Unlock()

	g.logger.Debug("permission granted",
		zap.String("source", source), zap.String("target", target), zap.String("by", grantedBy))
	return nil
}

// Revoke removes a directed edge. Revoking a missing edge is a no-op.
func (g *Graph) Revoke(ctx context.Context, source, target string) error {
	_, err := g.pool.Writer().ExecContext(ctx,
		"DELETE FROM permission_edges WHERE source = ? AND target = ?", source, target)
	if err != nil {
		return fmt.Errorf("failed to revoke edge %s -> %s: %w", source, target, err)
	}

	g.mu.Lock()
	if targets, ok := g.edges[source]; ok {
		delete(targets, target)
		if len(targets) == 0 {
			delete(g.edges, source)
		}
	}
	g.mu.Unlock()

	g.logger.Debug("permission revoked",
		zap.String("source", source), zap.String("target", target))
	return nil
}

// MayCall reports whether source may call target. Edges are directed; a
// grant from A to B says nothing about B calling A.
func (g *Graph) MayCall(source, target string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edges[source][target]
}

// Peers returns the targets source may call, sorted by the store.
func (g *Graph) Peers(ctx context.Context, source string) ([]string, error) {
	var targets []string
	err := g.pool.Reader().SelectContext(ctx, &targets,
		"SELECT target FROM permission_edges WHERE source = ? ORDER BY target", source)
	if err != nil {
		return nil, fmt.Errorf("failed to list peers for %s: %w", source, err)
	}
	return targets, nil
}

// Edges returns every edge, for the control plane.
func (g *Graph) Edges(ctx context.Context) ([]*v1.PermissionEdge, error) {
	var rows []edgeRow
	err := g.pool.Reader().SelectContext(ctx, &rows,
		"SELECT * FROM permission_edges ORDER BY source, target")
	if err != nil {
		return nil, fmt.Errorf("failed to list permission edges: %w", err)
	}
	edges := make([]*v1.PermissionEdge, 0, len(rows))
	for _, row := range rows {
		edges = append(edges, &v1.PermissionEdge{
			Source:    row.Source,
			Target:    row.Target,
			GrantedBy: row.GrantedBy,
			GrantedAt: row.GrantedAt,
		})
	}
	return edges, nil
}

// DeleteForAgentTx removes every edge touching the agent inside an ongoing
// transaction, then drops them from the mirror.
func (g *Graph) DeleteForAgentTx(tx *sqlx.Tx, name string) error {
	if _, err := tx.Exec("DELETE FROM permission_edges WHERE source = ? OR target = ?", name, name); err != nil {
		return fmt.Errorf("failed to delete edges for %s: %w", name, err)
	}

	g.mu.Lock()
	delete(g.edges, name)
	for _, targets := range g.edges {
		delete(targets, name)
	}
	g.mu.Unlock()
	return nil
}
