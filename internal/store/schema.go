package store

// schema defines the embedded SQLite schema for the task graph store: the
// generic nodes/edges/events/knowledge/knowledge_log tables.
const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	id          TEXT PRIMARY KEY,
	project     TEXT NOT NULL,
	parent      TEXT,
	summary     TEXT NOT NULL DEFAULT '',
	resolved    INTEGER NOT NULL DEFAULT 0,
	blocked     INTEGER NOT NULL DEFAULT 0,
	blocked_reason TEXT NOT NULL DEFAULT '',
	discovery   TEXT NOT NULL DEFAULT 'done',
	properties  TEXT NOT NULL DEFAULT '{}',
	context_links TEXT NOT NULL DEFAULT '[]',
	evidence    TEXT NOT NULL DEFAULT '[]',
	plan        TEXT NOT NULL DEFAULT '[]',
	depth       INTEGER NOT NULL DEFAULT 0,
	rev         INTEGER NOT NULL DEFAULT 1,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL,
	FOREIGN KEY (parent) REFERENCES nodes(id)
);

CREATE INDEX IF NOT EXISTS idx_nodes_project ON nodes(project);
CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(parent);
CREATE INDEX IF NOT EXISTS idx_nodes_project_resolved ON nodes(project, resolved);
CREATE INDEX IF NOT EXISTS idx_nodes_project_updated ON nodes(project, updated_at);

CREATE TABLE IF NOT EXISTS edges (
	from_node  TEXT NOT NULL,
	to_node    TEXT NOT NULL,
	type       TEXT NOT NULL,
	agent      TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	PRIMARY KEY (from_node, to_node, type),
	FOREIGN KEY (from_node) REFERENCES nodes(id),
	FOREIGN KEY (to_node) REFERENCES nodes(id)
);

CREATE INDEX IF NOT EXISTS idx_edges_from_type ON edges(from_node, type);
CREATE INDEX IF NOT EXISTS idx_edges_to_type ON edges(to_node, type);

CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	node_id    TEXT NOT NULL,
	agent      TEXT NOT NULL DEFAULT '',
	action     TEXT NOT NULL,
	changes    TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_node ON events(node_id);
CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);

CREATE TABLE IF NOT EXISTS knowledge (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	project     TEXT NOT NULL,
	key         TEXT NOT NULL,
	content     TEXT NOT NULL DEFAULT '',
	category    TEXT NOT NULL DEFAULT 'general',
	source_node TEXT,
	created_by  TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL,
	UNIQUE (project, key)
);

CREATE INDEX IF NOT EXISTS idx_knowledge_project ON knowledge(project);

CREATE TABLE IF NOT EXISTS knowledge_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	project    TEXT NOT NULL,
	key        TEXT NOT NULL,
	action     TEXT NOT NULL,
	agent      TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_knowledge_log_project ON knowledge_log(project, created_at);

CREATE TABLE IF NOT EXISTS schema_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`
