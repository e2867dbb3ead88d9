package catalog

const schema = `
CREATE TABLE IF NOT EXISTS projects (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    generated_at TIMESTAMP,
    total_count INTEGER NOT NULL DEFAULT 0,
    synced_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS tests (
    project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    id TEXT NOT NULL,
    position INTEGER NOT NULL,
    title TEXT NOT NULL,
    automation TEXT,
    PRIMARY KEY (project_id, id)
);

CREATE INDEX IF NOT EXISTS idx_tests_position ON tests(project_id, position);

CREATE TABLE IF NOT EXISTS folders (
    project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    id TEXT NOT NULL,
    position INTEGER NOT NULL,
    name TEXT NOT NULL,
    parent_id TEXT,
    PRIMARY KEY (project_id, id)
);

CREATE INDEX IF NOT EXISTS idx_folders_position ON folders(project_id, position);

CREATE TABLE IF NOT EXISTS memberships (
    project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    position INTEGER NOT NULL,
    test_id TEXT NOT NULL,
    folder_id TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memberships_project ON memberships(project_id, position);
`
