package store

const schemaVersion = "1"

// tableDef names one logical table's current-schema DDL and the ordered
// column list used by the copy-drop-recreate-restore migration.
type tableDef struct {
	name    string
	columns []string
	ddl     string
}

var tables = []tableDef{
	{
		name: "pages",
		columns: []string{
			"url", "last_fetch", "text", "title", "score", "linking_depth",
			"domain_linking_depth", "parent_url", "status", "content_type",
			"last_modified", "etag", "content_hash",
		},
		ddl: `CREATE TABLE pages (
			url TEXT PRIMARY KEY,
			last_fetch TEXT,
			text TEXT,
			title TEXT,
			score REAL,
			linking_depth INTEGER,
			domain_linking_depth INTEGER,
			parent_url TEXT,
			status INTEGER,
			content_type TEXT,
			last_modified TEXT,
			etag TEXT,
			content_hash TEXT
		)`,
	},
	{
		name: "frontier",
		columns: []string{
			"url", "schedule", "delay", "priority", "incoming_links",
			"linking_depth", "domain_linking_depth", "parent_url",
		},
		ddl: `CREATE TABLE frontier (
			url TEXT PRIMARY KEY,
			schedule TEXT,
			delay INTEGER,
			priority REAL,
			incoming_links TEXT,
			linking_depth INTEGER,
			domain_linking_depth INTEGER,
			parent_url TEXT
		)`,
	},
	{
		name:    "disallowed_urls",
		columns: []string{"url", "reason", "received"},
		ddl: `CREATE TABLE disallowed_urls (
			url TEXT PRIMARY KEY,
			reason TEXT,
			received TEXT
		)`,
	},
	{
		name:    "disallowed_domains",
		columns: []string{"host", "data", "received"},
		ddl: `CREATE TABLE disallowed_domains (
			host TEXT PRIMARY KEY,
			data TEXT,
			received TEXT
		)`,
	},
	{
		name:    "errors",
		columns: []string{"id", "url", "type", "message", "status", "timestamp"},
		ddl: `CREATE TABLE errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			url TEXT,
			type TEXT,
			message TEXT,
			status INTEGER,
			timestamp TEXT
		)`,
	},
	{
		name:    "domain_delays",
		columns: []string{"host", "delay"},
		ddl: `CREATE TABLE domain_delays (
			host TEXT PRIMARY KEY,
			delay INTEGER
		)`,
	},
	{
		name:    "error_storage",
		columns: []string{"host", "data", "url_data"},
		ddl: `CREATE TABLE error_storage (
			host TEXT PRIMARY KEY,
			data TEXT,
			url_data TEXT
		)`,
	},
}

const schemaMetaDDL = `CREATE TABLE IF NOT EXISTS schema_meta (
	key TEXT PRIMARY KEY,
	value TEXT
)`
