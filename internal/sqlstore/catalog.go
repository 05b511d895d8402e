package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ChuLiYu/cube-builder/internal/catalog"
	"github.com/ChuLiYu/cube-builder/pkg/types"
)

// Catalog is a catalog.Catalog backed by the store's catalog table.
type Catalog struct {
	s *Store
}

var _ catalog.Catalog = (*Catalog)(nil)

// Catalog returns the catalog view of the store.
func (s *Store) Catalog() *Catalog {
	return &Catalog{s: s}
}

// RegisterAsset upserts the tile entry. Idempotent via ON CONFLICT.
func (c *Catalog) RegisterAsset(ctx context.Context, cube string, tile types.TileID, md catalog.Metadata) error {
	if cube == "" || tile == "" {
		return fmt.Errorf("%w: cube and tile are required", catalog.ErrInvalid)
	}
	body, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("%w: %v", catalog.ErrInvalid, err)
	}
	return retryOnContention(ctx, func(ctx context.Context) error {
		_, err := c.s.db.ExecContext(ctx,
			`INSERT INTO catalog (cube, tile, published_at, body) VALUES (?, ?, ?, ?)
			 ON CONFLICT(cube, tile) DO UPDATE SET published_at = excluded.published_at, body = excluded.body`,
			cube, tile, md.PublishedAt, string(body))
		return err
	})
}

// Lookup returns the entry of a published tile.
func (c *Catalog) Lookup(ctx context.Context, cube string, tile types.TileID) (catalog.Metadata, error) {
	var body string
	err := c.s.db.QueryRowContext(ctx,
		`SELECT body FROM catalog WHERE cube = ? AND tile = ?`, cube, tile).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Metadata{}, fmt.Errorf("%w: %s/%s", catalog.ErrNotFound, cube, tile)
	}
	if err != nil {
		return catalog.Metadata{}, err
	}
	var md catalog.Metadata
	if err := json.Unmarshal([]byte(body), &md); err != nil {
		return catalog.Metadata{}, fmt.Errorf("failed to decode catalog entry %s/%s: %w", cube, tile, err)
	}
	return md, nil
}
