package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"webintel/internal/logging"
	"webintel/internal/types"
)

// SavePage upserts a page and its content in one transaction. The page
// id is derived from the URL, so refetching the same URL updates in
// place. content may be nil when only the page row is known (e.g. a
// candidate discovered via a link).
func (s *Store) SavePage(page *types.Page, content *types.PageContent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if page.ID == "" {
		page.ID = types.PageIDForURL(page.URL)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO pages (id, url, domain, depth, priority, page_type, fetch_status, fetched_at, text_length)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			domain = excluded.domain,
			depth = MIN(pages.depth, excluded.depth),
			priority = MAX(pages.priority, excluded.priority),
			page_type = CASE WHEN excluded.page_type != '' THEN excluded.page_type ELSE pages.page_type END,
			fetch_status = CASE WHEN excluded.fetch_status != '' THEN excluded.fetch_status ELSE pages.fetch_status END,
			fetched_at = CASE WHEN excluded.fetched_at != '' THEN excluded.fetched_at ELSE pages.fetched_at END,
			text_length = CASE WHEN excluded.text_length > 0 THEN excluded.text_length ELSE pages.text_length END`,
		page.ID, page.URL, page.Domain, page.Depth, page.Priority, page.PageType,
		page.FetchStatus, formatTime(page.FetchedAt), page.TextLength)
	if err != nil {
		return fmt.Errorf("failed to save page: %w", err)
	}

	if content != nil {
		content.PageID = page.ID
		metaJSON, err := json.Marshal(content.Metadata)
		if err != nil {
			return fmt.Errorf("failed to serialize page metadata: %w", err)
		}
		structJSON, err := json.Marshal(content.Structured)
		if err != nil {
			return fmt.Errorf("failed to serialize structured extraction: %w", err)
		}
		_, err = tx.Exec(`
			INSERT OR REPLACE INTO page_content (page_id, raw_html, text, metadata, structured)
			VALUES (?, ?, ?, ?, ?)`,
			content.PageID, content.RawHTML, content.Text, string(metaJSON), string(structJSON))
		if err != nil {
			return fmt.Errorf("failed to save page content: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logging.StoreDebug("saved page %s (%s)", page.URL, page.ID)
	return nil
}

// GetPageByURL returns the page for a URL, or nil when unknown.
func (s *Store) GetPageByURL(url string) (*types.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanPage(s.db.QueryRow(
		`SELECT id, url, domain, depth, priority, page_type, fetch_status, fetched_at, text_length
		 FROM pages WHERE url = ?`, url))
}

// GetPage returns the page by id, or nil when unknown.
func (s *Store) GetPage(id string) (*types.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanPage(s.db.QueryRow(
		`SELECT id, url, domain, depth, priority, page_type, fetch_status, fetched_at, text_length
		 FROM pages WHERE id = ?`, id))
}

func (s *Store) scanPage(row *sql.Row) (*types.Page, error) {
	var p types.Page
	var fetchedAt string
	err := row.Scan(&p.ID, &p.URL, &p.Domain, &p.Depth, &p.Priority, &p.PageType,
		&p.FetchStatus, &fetchedAt, &p.TextLength)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.FetchedAt = parseTime(fetchedAt)
	return &p, nil
}

// GetPageContent returns the content row for a page id, or nil.
func (s *Store) GetPageContent(pageID string) (*types.PageContent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c types.PageContent
	var metaJSON, structJSON string
	err := s.db.QueryRow(
		`SELECT page_id, raw_html, text, metadata, structured FROM page_content WHERE page_id = ?`,
		pageID).Scan(&c.PageID, &c.RawHTML, &c.Text, &metaJSON, &structJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(metaJSON), &c.Metadata)
	json.Unmarshal([]byte(structJSON), &c.Structured)
	return &c, nil
}

// PageFilter narrows ListPages. Zero values mean "any".
type PageFilter struct {
	Domain      string
	PageType    string
	FetchStatus string
	Limit       int
}

// ListPages returns pages matching the filter, newest fetch first.
func (s *Store) ListPages(filter PageFilter) ([]types.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, url, domain, depth, priority, page_type, fetch_status, fetched_at, text_length FROM pages WHERE 1=1`
	var args []any
	if filter.Domain != "" {
		query += " AND domain = ?"
		args = append(args, filter.Domain)
	}
	if filter.PageType != "" {
		query += " AND page_type = ?"
		args = append(args, filter.PageType)
	}
	if filter.FetchStatus != "" {
		query += " AND fetch_status = ?"
		args = append(args, filter.FetchStatus)
	}
	query += " ORDER BY fetched_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pages []types.Page
	for rows.Next() {
		var p types.Page
		var fetchedAt string
		if err := rows.Scan(&p.ID, &p.URL, &p.Domain, &p.Depth, &p.Priority, &p.PageType,
			&p.FetchStatus, &fetchedAt, &p.TextLength); err != nil {
			return nil, err
		}
		p.FetchedAt = parseTime(fetchedAt)
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// MarkVisited records a successful fetch on an existing page row.
func (s *Store) MarkVisited(pageID string, status string, fetchedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE pages SET fetch_status = ?, fetched_at = ? WHERE id = ?`,
		status, formatTime(fetchedAt), pageID)
	return err
}

// PagesPendingRefresh returns pages whose last fetch is older than the
// cutoff, oldest first, up to limit. The refresher walks this cursor.
func (s *Store) PagesPendingRefresh(olderThan time.Time, limit int) ([]types.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, url, domain, depth, priority, page_type, fetch_status, fetched_at, text_length
		 FROM pages WHERE fetched_at != '' AND fetched_at < ? ORDER BY fetched_at ASC LIMIT ?`,
		formatTime(olderThan), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pages []types.Page
	for rows.Next() {
		var p types.Page
		var fetchedAt string
		if err := rows.Scan(&p.ID, &p.URL, &p.Domain, &p.Depth, &p.Priority, &p.PageType,
			&p.FetchStatus, &fetchedAt, &p.TextLength); err != nil {
			return nil, err
		}
		p.FetchedAt = parseTime(fetchedAt)
		pages = append(pages, p)
	}
	return pages, rows.Err()
}
