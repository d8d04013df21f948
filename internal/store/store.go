package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rohmanhakim/docs-crawler/internal/metadata"
	"github.com/rohmanhakim/docs-crawler/pkg/hashutil"
	_ "modernc.org/sqlite"
)

/*
Store is the durable counterpart to the Coordinator's in-memory state:
every table in schema.go mirrors one of the logical tables the CLI's
--db flag promises downstream consumers. Writes are single-statement
upserts; a write failure is reported to the caller as a boolean rather
than propagated as fatal, since in-memory crawl state remains correct
even when a row fails to persist — only durability of that row is lost.
*/

type Store struct {
	db   *sql.DB
	sink metadata.MetadataSink
	mu   sync.Mutex
}

// Open creates or attaches to the SQLite file at path, migrating its
// schema if an older layout is detected.
func Open(path string, sink metadata.MetadataSink) (*Store, *StoreError) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &StoreError{Message: err.Error(), Cause: ErrCauseOpenFailed}
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite has no concurrent-writer story; the Store is single-writer.

	s := &Store{db: db, sink: sink}
	if storeErr := s.migrate(); storeErr != nil {
		db.Close()
		return nil, storeErr
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies a copy-drop-recreate-restore contract: any table
// missing from the schema is created fresh; any table whose column set
// has drifted from the current schema is rebuilt in place, preserving
// rows (new columns default to NULL), all in one transaction.
func (s *Store) migrate() *StoreError {
	tx, err := s.db.Begin()
	if err != nil {
		return &StoreError{Message: err.Error(), Cause: ErrCauseMigrateFailed}
	}
	defer tx.Rollback()

	if _, err := tx.Exec(schemaMetaDDL); err != nil {
		return &StoreError{Message: err.Error(), Cause: ErrCauseMigrateFailed}
	}

	for _, t := range tables {
		if err := migrateTable(tx, t); err != nil {
			return &StoreError{Message: err.Error(), Cause: ErrCauseMigrateFailed}
		}
	}

	if _, err := tx.Exec(`INSERT INTO schema_meta(key, value) VALUES ('version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, schemaVersion); err != nil {
		return &StoreError{Message: err.Error(), Cause: ErrCauseMigrateFailed}
	}

	if err := tx.Commit(); err != nil {
		return &StoreError{Message: err.Error(), Cause: ErrCauseMigrateFailed}
	}
	return nil
}

func migrateTable(tx *sql.Tx, t tableDef) error {
	existingCols, err := tableColumns(tx, t.name)
	if err != nil {
		return err
	}
	if existingCols == nil {
		_, err := tx.Exec(t.ddl)
		return err
	}
	if sameColumns(existingCols, t.columns) {
		return nil
	}

	sideTable := t.name + "_old_migration"
	if _, err := tx.Exec(fmt.Sprintf("ALTER TABLE %s RENAME TO %s", t.name, sideTable)); err != nil {
		return err
	}
	if _, err := tx.Exec(t.ddl); err != nil {
		return err
	}

	shared := intersect(existingCols, t.columns)
	if len(shared) > 0 {
		cols := strings.Join(shared, ", ")
		copySQL := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s", t.name, cols, cols, sideTable)
		if _, err := tx.Exec(copySQL); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(fmt.Sprintf("DROP TABLE %s", sideTable)); err != nil {
		return err
	}
	return nil
}

func tableColumns(tx *sql.Tx, name string) ([]string, error) {
	rows, err := tx.Query(fmt.Sprintf("PRAGMA table_info(%s)", name))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var cid int
		var colName, colType string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &colName, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, colName)
	}
	return cols, rows.Err()
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, c := range a {
		set[c] = struct{}{}
	}
	for _, c := range b {
		if _, ok := set[c]; !ok {
			return false
		}
	}
	return true
}

func intersect(a, b []string) []string {
	set := make(map[string]struct{}, len(a))
	for _, c := range a {
		set[c] = struct{}{}
	}
	var out []string
	for _, c := range b {
		if _, ok := set[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// UpsertPage persists a page's latest fetch, hashing its text with
// BLAKE3 for cheap change detection on re-fetch.
func (s *Store) UpsertPage(p Page) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash, hashErr := hashutil.HashBytes([]byte(p.Text), hashutil.HashAlgoBLAKE3)
	if hashErr == nil {
		p.ContentHash = hash
	}

	_, err := s.db.Exec(`INSERT INTO pages
		(url, last_fetch, text, title, score, linking_depth, domain_linking_depth, parent_url, status, content_type, last_modified, etag, content_hash)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(url) DO UPDATE SET
			last_fetch=excluded.last_fetch, text=excluded.text, title=excluded.title,
			score=excluded.score, linking_depth=excluded.linking_depth,
			domain_linking_depth=excluded.domain_linking_depth, parent_url=excluded.parent_url,
			status=excluded.status, content_type=excluded.content_type,
			last_modified=excluded.last_modified, etag=excluded.etag, content_hash=excluded.content_hash`,
		p.URL, p.LastFetch.Format(time.RFC3339), p.Text, p.Title, p.Score, p.LinkingDepth,
		p.DomainLinkingDepth, p.ParentURL, p.Status, p.ContentType, p.LastModified, p.ETag, p.ContentHash,
	)
	return s.reportWrite(err, "UpsertPage", p.URL)
}

func (s *Store) GetPage(url string) (Page, bool) {
	row := s.db.QueryRow(`SELECT url, last_fetch, text, title, score, linking_depth, domain_linking_depth, parent_url, status, content_type, last_modified, etag, content_hash FROM pages WHERE url = ?`, url)

	var p Page
	var lastFetch string
	if err := row.Scan(&p.URL, &lastFetch, &p.Text, &p.Title, &p.Score, &p.LinkingDepth, &p.DomainLinkingDepth, &p.ParentURL, &p.Status, &p.ContentType, &p.LastModified, &p.ETag, &p.ContentHash); err != nil {
		return Page{}, false
	}
	p.LastFetch, _ = time.Parse(time.RFC3339, lastFetch)
	return p, true
}

func (s *Store) IsCrawled(url string) bool {
	var count int
	_ = s.db.QueryRow(`SELECT COUNT(1) FROM pages WHERE url = ?`, url).Scan(&count)
	return count > 0
}

func (s *Store) AddFrontier(e FrontierEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	incomingJSON, err := json.Marshal(e.Incoming)
	if err != nil {
		incomingJSON = []byte("[]")
	}

	_, execErr := s.db.Exec(`INSERT INTO frontier
		(url, schedule, delay, priority, incoming_links, linking_depth, domain_linking_depth, parent_url)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(url) DO UPDATE SET
			schedule=excluded.schedule, delay=excluded.delay, priority=excluded.priority,
			incoming_links=excluded.incoming_links, linking_depth=excluded.linking_depth,
			domain_linking_depth=excluded.domain_linking_depth, parent_url=excluded.parent_url`,
		e.URL, e.Scheduled.Format(time.RFC3339), int64(e.Delay), e.Priority, string(incomingJSON),
		e.LinkingDepth, e.DomainLinkingDepth, e.ParentURL,
	)
	return s.reportWrite(execErr, "AddFrontier", e.URL)
}

func (s *Store) LoadFrontier() ([]FrontierEntry, bool) {
	rows, err := s.db.Query(`SELECT url, schedule, delay, priority, incoming_links, linking_depth, domain_linking_depth, parent_url FROM frontier`)
	if err != nil {
		s.recordError("LoadFrontier", err)
		return nil, false
	}
	defer rows.Close()

	var out []FrontierEntry
	for rows.Next() {
		var e FrontierEntry
		var schedule, incomingJSON string
		var delay int64
		if err := rows.Scan(&e.URL, &schedule, &delay, &e.Priority, &incomingJSON, &e.LinkingDepth, &e.DomainLinkingDepth, &e.ParentURL); err != nil {
			continue
		}
		e.Scheduled, _ = time.Parse(time.RFC3339, schedule)
		e.Delay = time.Duration(delay)
		_ = json.Unmarshal([]byte(incomingJSON), &e.Incoming)
		out = append(out, e)
	}
	return out, true
}

func (s *Store) RemoveFrontier(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM frontier WHERE url = ?`, url)
	return s.reportWrite(err, "RemoveFrontier", url)
}

func (s *Store) ClearFrontier() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM frontier`)
	return s.reportWrite(err, "ClearFrontier", "")
}

func (s *Store) AddDisallowedURL(rec DisallowedURL) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO disallowed_urls (url, reason, received) VALUES (?,?,?)
		ON CONFLICT(url) DO UPDATE SET reason=excluded.reason, received=excluded.received`,
		rec.URL, rec.Reason, rec.Received.Format(time.RFC3339))
	return s.reportWrite(err, "AddDisallowedURL", rec.URL)
}

func (s *Store) AddDisallowedDomain(rec DisallowedDomain) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO disallowed_domains (host, data, received) VALUES (?,?,?)
		ON CONFLICT(host) DO UPDATE SET data=excluded.data, received=excluded.received`,
		rec.Host, rec.Data, rec.Received.Format(time.RFC3339))
	return s.reportWrite(err, "AddDisallowedDomain", rec.Host)
}

func (s *Store) IsDisallowed(urlOrHost string) bool {
	var count int
	_ = s.db.QueryRow(`SELECT COUNT(1) FROM disallowed_urls WHERE url = ?`, urlOrHost).Scan(&count)
	if count > 0 {
		return true
	}
	_ = s.db.QueryRow(`SELECT COUNT(1) FROM disallowed_domains WHERE host = ?`, urlOrHost).Scan(&count)
	return count > 0
}

func (s *Store) LogError(e ErrorEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO errors (url, type, message, status, timestamp) VALUES (?,?,?,?,?)`,
		e.URL, e.Type, e.Message, e.Status, e.Timestamp.Format(time.RFC3339))
	return s.reportWrite(err, "LogError", e.URL)
}

func (s *Store) SetDomainDelay(host string, delay time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO domain_delays (host, delay) VALUES (?,?)
		ON CONFLICT(host) DO UPDATE SET delay=excluded.delay`, host, int64(delay))
	return s.reportWrite(err, "SetDomainDelay", host)
}

func (s *Store) DomainDelay(host string) (time.Duration, bool) {
	var delay int64
	if err := s.db.QueryRow(`SELECT delay FROM domain_delays WHERE host = ?`, host).Scan(&delay); err != nil {
		return 0, false
	}
	return time.Duration(delay), true
}

// CountPagesByHost buckets every crawled page by hostname, used to
// rebuild the frontier's per-domain counters on startup.
func (s *Store) CountPagesByHost() map[string]int {
	rows, err := s.db.Query(`SELECT url FROM pages`)
	if err != nil {
		s.recordError("CountPagesByHost", err)
		return nil
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var rawURL string
		if err := rows.Scan(&rawURL); err != nil {
			continue
		}
		if u, parseErr := url.Parse(rawURL); parseErr == nil && u.Host != "" {
			counts[u.Host]++
		}
	}
	return counts
}

func (s *Store) Stats() Stats {
	var st Stats
	_ = s.db.QueryRow(`SELECT COUNT(1) FROM pages`).Scan(&st.Pages)
	_ = s.db.QueryRow(`SELECT COUNT(1) FROM frontier`).Scan(&st.Frontier)
	_ = s.db.QueryRow(`SELECT COUNT(1) FROM disallowed_urls`).Scan(&st.DisallowedURLs)
	_ = s.db.QueryRow(`SELECT COUNT(1) FROM disallowed_domains`).Scan(&st.DisallowedDomains)
	_ = s.db.QueryRow(`SELECT COUNT(1) FROM errors`).Scan(&st.Errors)
	return st
}

func (s *Store) reportWrite(err error, action, url string) bool {
	if err == nil {
		return true
	}
	s.recordError(action, err)
	_ = url
	return false
}

func (s *Store) recordError(action string, err error) {
	if s.sink == nil {
		return
	}
	storeErr := &StoreError{Message: err.Error(), Cause: ErrCauseWriteFailed}
	s.sink.RecordError(
		time.Now(),
		"store",
		action,
		mapStoreErrorToMetadataCause(storeErr),
		err.Error(),
		nil,
	)
}
