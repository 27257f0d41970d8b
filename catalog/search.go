package catalog

import (
	"context"

	"github.com/pkg/errors"

	"github.com/layerforensics/layerpeek"
)

// SearchResult is one hit returned by SearchEntries, carrying full provenance (spec §4.8
// search_entries).
type SearchResult struct {
	Namespace  string
	Repo       string
	Tag        string
	LayerIndex int
	Name       string
	Size       int64
	IsDir      bool
	Mode       string
}

// SearchScope optionally narrows SearchEntries to a namespace/repo/tag/layer. Zero-value fields
// are unfiltered.
type SearchScope struct {
	Namespace  string
	Repo       string
	Tag        string
	LayerIndex *int
}

// SearchEntries substring-matches pattern against every cataloged entry's normalised name,
// optionally narrowed by scope (spec §4.8 search_entries).
func (c *Catalog) SearchEntries(ctx context.Context, pattern string, scope SearchScope) ([]SearchResult, error) {
	query := `
		SELECT namespace, repo, tag, layer_index, name, size, is_dir, mode
		FROM layer_entries
		WHERE name LIKE ?
	`
	args := []interface{}{"%" + pattern + "%"}

	if scope.Namespace != "" {
		query += " AND namespace = ?"
		args = append(args, scope.Namespace)
	}
	if scope.Repo != "" {
		query += " AND repo = ?"
		args = append(args, scope.Repo)
	}
	if scope.Tag != "" {
		query += " AND tag = ?"
		args = append(args, scope.Tag)
	}
	if scope.LayerIndex != nil {
		query += " AND layer_index = ?"
		args = append(args, *scope.LayerIndex)
	}
	query += " ORDER BY namespace, repo, tag, layer_index, name"

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(layerpeek.ErrCacheError, err.Error())
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var isDir int
		if err := rows.Scan(&r.Namespace, &r.Repo, &r.Tag, &r.LayerIndex, &r.Name, &r.Size, &isDir, &r.Mode); err != nil {
			return nil, errors.Wrap(layerpeek.ErrCacheError, err.Error())
		}
		r.IsDir = isDir != 0
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(layerpeek.ErrCacheError, err.Error())
	}
	return results, nil
}
