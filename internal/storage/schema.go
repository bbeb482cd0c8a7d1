package storage

// schema is portable between PostgreSQL and SQLite. Timestamps are unix
// microseconds so ordering survives both engines unchanged.
const schema = `
CREATE TABLE IF NOT EXISTS workspaces (
    id VARCHAR(64) PRIMARY KEY,
    name TEXT NOT NULL,
    owner_user_id VARCHAR(64) NOT NULL,
    created_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_workspaces_owner ON workspaces (owner_user_id);

CREATE TABLE IF NOT EXISTS optimization_tasks (
    id VARCHAR(64) PRIMARY KEY,
    workspace_id VARCHAR(64) NOT NULL REFERENCES workspaces(id),
    name TEXT NOT NULL,
    initial_prompt TEXT NOT NULL,
    target_config TEXT NOT NULL,
    optimization_config TEXT NOT NULL,
    created_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_optimization_tasks_workspace ON optimization_tasks (workspace_id);

CREATE TABLE IF NOT EXISTS test_cases (
    id VARCHAR(64) NOT NULL,
    task_id VARCHAR(64) NOT NULL REFERENCES optimization_tasks(id),
    position INTEGER NOT NULL,
    input TEXT NOT NULL,
    reference TEXT,
    split VARCHAR(32),
    PRIMARY KEY (task_id, id)
);

CREATE TABLE IF NOT EXISTS checkpoints (
    id VARCHAR(64) PRIMARY KEY,
    task_id VARCHAR(64) NOT NULL,
    iteration INTEGER NOT NULL,
    state VARCHAR(32) NOT NULL,
    run_control_state VARCHAR(16) NOT NULL,
    prompt TEXT NOT NULL,
    rule_system TEXT NOT NULL,
    artifacts TEXT,
    pass_rate_summary TEXT,
    branch_id VARCHAR(64) NOT NULL,
    parent_id VARCHAR(64),
    lineage_type VARCHAR(32) NOT NULL,
    branch_description TEXT,
    checksum VARCHAR(32) NOT NULL,
    created_at BIGINT NOT NULL,
    archived_at BIGINT,
    archive_reason TEXT
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_task_created ON checkpoints (task_id, created_at, iteration);

CREATE INDEX IF NOT EXISTS idx_checkpoints_branch ON checkpoints (task_id, branch_id);

CREATE TABLE IF NOT EXISTS recovery_markers (
    task_id VARCHAR(64) PRIMARY KEY,
    status VARCHAR(16) NOT NULL,
    checkpoint_id VARCHAR(64),
    updated_at BIGINT NOT NULL
)
`
