package storage

import "strings"

// ManagementSchema contains the SQL statements for the management
// database. It stores the partition registry — which tenant database
// backs each partition.
const ManagementSchema = `
-- partitions: each row represents a tenant/isolation boundary hosted by
-- this sync server. A partition's commits, changes, cursors, and
-- snapshot chunks all live in its own tenant database named db_name.
CREATE TABLE IF NOT EXISTS partitions (
    id          SERIAL PRIMARY KEY,
    partition_id VARCHAR(253) UNIQUE NOT NULL,
    db_name     VARCHAR(253) NOT NULL,
    status      VARCHAR(20) NOT NULL DEFAULT 'active',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_partitions_status ON partitions(status);
`

// PartitionSchema contains the SQL statements bootstrapped into every
// per-partition tenant database.
const PartitionSchema = `
-- sync_commits: the authoritative append-only commit log.
CREATE TABLE IF NOT EXISTS sync_commits (
    commit_seq       BIGSERIAL PRIMARY KEY,
    partition_id     VARCHAR(253) NOT NULL,
    actor_id         VARCHAR(255) NOT NULL,
    client_id        VARCHAR(255) NOT NULL,
    client_commit_id VARCHAR(255) NOT NULL,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    meta             JSONB,
    result_json      JSONB,
    change_count     INTEGER NOT NULL DEFAULT 0,
    affected_tables  TEXT[] NOT NULL DEFAULT '{}',
    UNIQUE (partition_id, client_id, client_commit_id)
);

CREATE INDEX IF NOT EXISTS idx_sync_commits_partition_seq
    ON sync_commits(partition_id, commit_seq);

-- sync_changes: one row per row-level effect inside a commit.
CREATE TABLE IF NOT EXISTS sync_changes (
    change_id    UUID PRIMARY KEY,
    commit_seq   BIGINT NOT NULL REFERENCES sync_commits(commit_seq) ON DELETE CASCADE,
    partition_id VARCHAR(253) NOT NULL,
    table_name   VARCHAR(255) NOT NULL,
    row_id       VARCHAR(255) NOT NULL,
    op           VARCHAR(10) NOT NULL,
    row_json     JSONB,
    row_version  BIGINT,
    scopes       JSONB NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_sync_changes_commit ON sync_changes(commit_seq);
CREATE INDEX IF NOT EXISTS idx_sync_changes_row
    ON sync_changes(partition_id, table_name, row_id, commit_seq);

-- sync_table_commits: denormalized (commit_seq, table) index used by the
-- pull pipeline to intersect "commits above cursor" with "tables in
-- subscription set" without scanning sync_changes.
CREATE TABLE IF NOT EXISTS sync_table_commits (
    commit_seq   BIGINT NOT NULL REFERENCES sync_commits(commit_seq) ON DELETE CASCADE,
    partition_id VARCHAR(253) NOT NULL,
    table_name   VARCHAR(255) NOT NULL,
    PRIMARY KEY (partition_id, table_name, commit_seq)
);

CREATE INDEX IF NOT EXISTS idx_sync_table_commits_lookup
    ON sync_table_commits(partition_id, table_name, commit_seq);

-- sync_client_cursors: how far a client has caught up.
CREATE TABLE IF NOT EXISTS sync_client_cursors (
    partition_id      VARCHAR(253) NOT NULL,
    client_id         VARCHAR(255) NOT NULL,
    actor_id          VARCHAR(255) NOT NULL,
    cursor            BIGINT NOT NULL,
    effective_scopes  JSONB,
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (partition_id, client_id)
);

CREATE INDEX IF NOT EXISTS idx_sync_client_cursors_cursor
    ON sync_client_cursors(partition_id, cursor);

-- sync_snapshot_chunks: content-addressed bootstrap snapshot pages
--. body is NULL when the chunk was offloaded to a blob
-- backend instead of stored inline.
CREATE TABLE IF NOT EXISTS sync_snapshot_chunks (
    chunk_id        VARCHAR(255) PRIMARY KEY,
    partition_id    VARCHAR(253) NOT NULL,
    scope_key       VARCHAR(512) NOT NULL,
    scope           VARCHAR(255) NOT NULL,
    as_of_commit_seq BIGINT NOT NULL,
    row_cursor      VARCHAR(255),
    row_limit       INTEGER NOT NULL,
    encoding        VARCHAR(50) NOT NULL,
    compression     VARCHAR(20) NOT NULL,
    sha256          VARCHAR(71) NOT NULL,
    byte_length     BIGINT NOT NULL,
    blob_hash       VARCHAR(71),
    body            BYTEA,
    expires_at      TIMESTAMPTZ NOT NULL,
    UNIQUE (partition_id, scope_key, scope, as_of_commit_seq, row_cursor, row_limit, encoding, compression)
);

CREATE INDEX IF NOT EXISTS idx_sync_snapshot_chunks_expiry ON sync_snapshot_chunks(expires_at);

-- sync_request_events / sync_operation_events / sync_request_payloads:
-- audit trail bounded by the maintenance loop's audit-prune task.
CREATE TABLE IF NOT EXISTS sync_request_events (
    id           UUID PRIMARY KEY,
    partition_id VARCHAR(253) NOT NULL,
    client_id    VARCHAR(255) NOT NULL,
    kind         VARCHAR(20) NOT NULL,
    status       VARCHAR(20) NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_sync_request_events_age ON sync_request_events(created_at);

CREATE TABLE IF NOT EXISTS sync_request_payloads (
    request_id UUID PRIMARY KEY REFERENCES sync_request_events(id) ON DELETE CASCADE,
    payload    JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_operation_events (
    id           UUID PRIMARY KEY,
    request_id   UUID NOT NULL REFERENCES sync_request_events(id) ON DELETE CASCADE,
    op_index     INTEGER NOT NULL,
    table_name   VARCHAR(255) NOT NULL,
    status       VARCHAR(20) NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_sync_operation_events_age ON sync_operation_events(created_at);
`

// SanitizePartitionDBName converts a partition identifier to a tenant
// database name. Format: syncd_ + partition id with non-alphanumeric
// characters replaced by underscores.
func SanitizePartitionDBName(partitionID string) string {
	var b strings.Builder
	b.WriteString("syncd_")
	for _, r := range partitionID {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
