package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/layerforensics/layerpeek"
)

// sortableColumns whitelists list_history's sort_by values (spec §4.8) so user input never
// reaches a query string unescaped.
var sortableColumns = map[string]string{
	"scraped_at":  "scraped_at",
	"namespace":   "namespace",
	"repo":        "repo",
	"tag":         "tag",
	"layer_index": "layer_index",
	"layer_size":  "layer_size",
}

// HistoryEntry is one row of a ListHistory page.
type HistoryEntry struct {
	LayerDigest        string
	Namespace          string
	Repo               string
	Tag                string
	LayerIndex         int
	LayerSize          int64
	EntriesCount       int
	BytesDownloaded    int64
	BytesDecompressed  int64
	ScrapedAt          string
	ExportFilename     string
}

// HistoryPage is ListHistory's result: the rows for the requested page plus the total row count
// matching q, for the caller to compute page counts.
type HistoryPage struct {
	Entries []HistoryEntry
	Total   int
}

// ListHistory paginates layer_metadata, optionally filtered by a substring match on
// namespace/repo/tag (spec §4.8 list_history). page is 1-indexed.
func (c *Catalog) ListHistory(ctx context.Context, q string, page, pageSize int, sortBy, order string) (HistoryPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	col, ok := sortableColumns[sortBy]
	if !ok {
		col = "scraped_at"
	}
	dir := "ASC"
	if strings.EqualFold(order, "desc") {
		dir = "DESC"
	}

	var where string
	var args []interface{}
	if q != "" {
		where = `WHERE namespace LIKE ? OR repo LIKE ? OR tag LIKE ?`
		like := "%" + q + "%"
		args = append(args, like, like, like)
	}

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(1) FROM layer_metadata %s`, where)
	if err := c.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return HistoryPage{}, errors.Wrap(layerpeek.ErrCacheError, err.Error())
	}

	query := fmt.Sprintf(`
		SELECT layer_digest, namespace, repo, tag, layer_index, layer_size, entries_count,
		       bytes_downloaded, bytes_decompressed, scraped_at, COALESCE(export_filename, '')
		FROM layer_metadata %s
		ORDER BY %s %s
		LIMIT ? OFFSET ?
	`, where, col, dir)
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return HistoryPage{}, errors.Wrap(layerpeek.ErrCacheError, err.Error())
	}
	defer rows.Close()

	var result HistoryPage
	result.Total = total
	for rows.Next() {
		var h HistoryEntry
		if err := rows.Scan(&h.LayerDigest, &h.Namespace, &h.Repo, &h.Tag, &h.LayerIndex, &h.LayerSize,
			&h.EntriesCount, &h.BytesDownloaded, &h.BytesDecompressed, &h.ScrapedAt, &h.ExportFilename); err != nil {
			return HistoryPage{}, errors.Wrap(layerpeek.ErrCacheError, err.Error())
		}
		result.Entries = append(result.Entries, h)
	}
	if err := rows.Err(); err != nil {
		return HistoryPage{}, errors.Wrap(layerpeek.ErrCacheError, err.Error())
	}
	return result, nil
}
