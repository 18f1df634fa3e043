package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hyperengineering/undertow/internal/storage"
)

// SnapshotFileName is the stable name snapshots are written and uploaded
// under; each run replaces the previous one.
const SnapshotFileName = "undertow-snapshot.db"

// Generator produces consistent copies of a live database. VACUUM INTO
// runs inside SQLite's own locking, so snapshots never block or tear
// concurrent writes.
type Generator struct {
	db  *storage.SQLite
	dir string
}

// NewGenerator writes snapshots of db into dir.
func NewGenerator(db *storage.SQLite, dir string) *Generator {
	return &Generator{db: db, dir: dir}
}

// Generate writes a fresh snapshot and returns its path. Any previous
// snapshot file is replaced.
func (g *Generator) Generate(ctx context.Context) (string, error) {
	if err := os.MkdirAll(g.dir, 0755); err != nil {
		return "", fmt.Errorf("create snapshot directory: %w", err)
	}
	target := filepath.Join(g.dir, SnapshotFileName)

	// VACUUM INTO refuses to overwrite an existing file.
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("remove previous snapshot: %w", err)
	}

	if _, err := g.db.DB().ExecContext(ctx, "VACUUM INTO ?", target); err != nil {
		return "", fmt.Errorf("vacuum into snapshot: %w", err)
	}
	return target, nil
}
