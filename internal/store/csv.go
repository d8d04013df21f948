package store

import (
	"database/sql"
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
)

/*
ExportCSV mirrors crawler/exportCsv.py from the original implementation:
a lightweight side-export alongside the SQLite store so the frontier and
pages tables can be inspected without a SQL client. It runs on every
coordinator shutdown (bounded to the most recent rows) and, with
full=true, as a full pages-table export on request.

encoding/csv is used directly: no package in the pack wraps CSV writing
in a third-party library, and the stdlib writer is the natural fit for
a flat denormalized side file.
*/
func (s *Store) ExportCSV(dir string, full bool) *StoreError {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &StoreError{Message: err.Error(), Cause: ErrCauseExportFailed}
	}

	frontierLimit, pagesLimit := 10, 100
	if full {
		pagesLimit = -1
	}

	if err := s.exportFrontierCSV(filepath.Join(dir, "frontier.csv"), frontierLimit); err != nil {
		return err
	}
	if err := s.exportPagesCSV(filepath.Join(dir, "pages.csv"), pagesLimit); err != nil {
		return err
	}
	return nil
}

func (s *Store) exportFrontierCSV(path string, limit int) *StoreError {
	query := `SELECT url, schedule, priority, linking_depth, domain_linking_depth, parent_url FROM frontier ORDER BY rowid DESC LIMIT ?`
	rows, err := s.db.Query(query, limit)
	if err != nil {
		return &StoreError{Message: err.Error(), Cause: ErrCauseExportFailed}
	}
	defer rows.Close()

	f, err := os.Create(path)
	if err != nil {
		return &StoreError{Message: err.Error(), Cause: ErrCauseExportFailed}
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{"url", "schedule", "priority", "linking_depth", "domain_linking_depth", "parent_url"}); err != nil {
		return &StoreError{Message: err.Error(), Cause: ErrCauseExportFailed}
	}

	for rows.Next() {
		var url, schedule, parentURL string
		var priority float64
		var linkingDepth, domainLinkingDepth int
		if err := rows.Scan(&url, &schedule, &priority, &linkingDepth, &domainLinkingDepth, &parentURL); err != nil {
			continue
		}
		_ = w.Write([]string{
			url, schedule, strconv.FormatFloat(priority, 'f', 4, 64),
			strconv.Itoa(linkingDepth), strconv.Itoa(domainLinkingDepth), parentURL,
		})
	}
	return nil
}

func (s *Store) exportPagesCSV(path string, limit int) *StoreError {
	query := `SELECT url, last_fetch, title, score, status FROM pages ORDER BY last_fetch DESC`

	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.Query(query+` LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(query)
	}
	if err != nil {
		return &StoreError{Message: err.Error(), Cause: ErrCauseExportFailed}
	}
	defer rows.Close()

	f, createErr := os.Create(path)
	if createErr != nil {
		return &StoreError{Message: createErr.Error(), Cause: ErrCauseExportFailed}
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{"url", "last_fetch", "title", "score", "status"}); err != nil {
		return &StoreError{Message: err.Error(), Cause: ErrCauseExportFailed}
	}

	for rows.Next() {
		var url, lastFetch, title string
		var score float64
		var status int
		if err := rows.Scan(&url, &lastFetch, &title, &score, &status); err != nil {
			continue
		}
		_ = w.Write([]string{url, lastFetch, title, strconv.FormatFloat(score, 'f', 4, 64), strconv.Itoa(status)})
	}
	return nil
}
