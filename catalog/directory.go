package catalog

import (
	"context"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/layerforensics/layerpeek"
)

// DirEntry is one row of a ListEntries or MergedDirectory listing.
type DirEntry struct {
	Name       string
	Size       int64
	IsDir      bool
	Mode       string
	LayerIndex int
	Overridden bool
}

// parentOf returns the normalised parent directory of name ("" for a top-level entry), trimming
// a trailing "/" on directory names before splitting, so "etc/" reports "" and "etc/hostname"
// reports "etc".
func parentOf(name string) string {
	trimmed := strings.TrimSuffix(name, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 {
		return ""
	}
	return trimmed[:idx]
}

// ListEntries returns the direct children of parentPath within one layer — no transitive
// descendants — directories first, then by name ascending (spec §4.8 list_entries).
func (c *Catalog) ListEntries(ctx context.Context, layerDigest string, parentPath string) ([]DirEntry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT name, size, is_dir, mode, layer_index FROM layer_entries WHERE layer_digest = ?
	`, layerDigest)
	if err != nil {
		return nil, errors.Wrap(layerpeek.ErrCacheError, err.Error())
	}
	defer rows.Close()

	parentPath = strings.TrimSuffix(parentPath, "/")
	var children []DirEntry
	for rows.Next() {
		var e DirEntry
		var isDir int
		if err := rows.Scan(&e.Name, &e.Size, &isDir, &e.Mode, &e.LayerIndex); err != nil {
			return nil, errors.Wrap(layerpeek.ErrCacheError, err.Error())
		}
		e.IsDir = isDir != 0
		if parentOf(e.Name) == parentPath {
			children = append(children, e)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(layerpeek.ErrCacheError, err.Error())
	}

	sort.SliceStable(children, func(i, j int) bool {
		if children[i].IsDir != children[j].IsDir {
			return children[i].IsDir
		}
		return children[i].Name < children[j].Name
	})
	return children, nil
}

// MergedDirectory lists the direct children of path across every layer of (namespace, repo, tag),
// overlaying shadowed paths the way a unioned container filesystem would (spec §4.8
// merged_directory, glossary "overlay"): for each name present in more than one layer, the
// highest-indexed layer's entry is active (Overridden=false); the rest are returned too, marked
// Overridden=true, in descending layer order, so a caller can show "shadowed by layer N" history.
func (c *Catalog) MergedDirectory(ctx context.Context, namespace, repo, tag string, path string) ([]DirEntry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT name, size, is_dir, mode, layer_index FROM layer_entries
		WHERE namespace = ? AND repo = ? AND tag = ?
		ORDER BY layer_index DESC
	`, namespace, repo, tag)
	if err != nil {
		return nil, errors.Wrap(layerpeek.ErrCacheError, err.Error())
	}
	defer rows.Close()

	path = strings.TrimSuffix(path, "/")
	byName := map[string][]DirEntry{}
	seen := layerpeek.NewStringSet()
	var order []string
	for rows.Next() {
		var e DirEntry
		var isDir int
		if err := rows.Scan(&e.Name, &e.Size, &isDir, &e.Mode, &e.LayerIndex); err != nil {
			return nil, errors.Wrap(layerpeek.ErrCacheError, err.Error())
		}
		e.IsDir = isDir != 0
		if parentOf(e.Name) != path {
			continue
		}
		if !seen.Contains(e.Name) {
			seen.Add(e.Name)
			order = append(order, e.Name)
		}
		byName[e.Name] = append(byName[e.Name], e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(layerpeek.ErrCacheError, err.Error())
	}

	sort.Strings(order)
	var result []DirEntry
	for _, name := range order {
		group := byName[name] // already layer_index DESC from the query
		for i, e := range group {
			e.Overridden = i != 0
			result = append(result, e)
		}
	}
	return result, nil
}
