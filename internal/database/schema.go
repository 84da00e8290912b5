// Package database manages the PostgreSQL connection pool and
// bootstraps the schema on startup.
package database

// Schema contains the SQL statements bootstrapped on every start. All
// statements are idempotent.
const Schema = `
-- repo_seq: Single-row global sequence counter. Writers take the next
-- value with UPDATE ... RETURNING inside their transaction, so the row
-- lock serializes commits and sequence order equals commit order with
-- no gaps (a rolled back transaction rolls back its increment too).
CREATE TABLE IF NOT EXISTS repo_seq (
    id   BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (id),
    seq  BIGINT NOT NULL DEFAULT 0
);
INSERT INTO repo_seq (id, seq) VALUES (TRUE, 0) ON CONFLICT DO NOTHING;

-- repo_roots: Per-identity head of the commit chain. Locked FOR UPDATE
-- by every write to that identity.
CREATE TABLE IF NOT EXISTS repo_roots (
    did         VARCHAR(255) PRIMARY KEY,
    commit_cid  VARCHAR(128) NOT NULL,
    local_seq   BIGINT NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- commits: Immutable, append-only log. seq is the global order, local_seq
-- the per-identity order. record holds the canonical body for
-- create/update; JSON (not JSONB) keeps the hashed bytes verbatim.
CREATE TABLE IF NOT EXISTS commits (
    seq          BIGINT PRIMARY KEY,
    did          VARCHAR(255) NOT NULL,
    local_seq    BIGINT NOT NULL,
    operation    VARCHAR(10) NOT NULL,
    collection   VARCHAR(317) NOT NULL,
    rkey         VARCHAR(512) NOT NULL,
    record_cid   VARCHAR(128) NOT NULL,
    prev_cid     VARCHAR(128),
    record       JSON,
    commit_cid   VARCHAR(128) NOT NULL,
    prev_commit  VARCHAR(128),
    created_at   TIMESTAMPTZ NOT NULL,
    UNIQUE (did, local_seq)
);
CREATE INDEX IF NOT EXISTS idx_commits_record ON commits(did, collection, rkey, seq);

-- records: Current state of each record. Deleted records keep their row
-- as a tombstone. invalidated_at hides a record from reads without a
-- commit (moderation).
CREATE TABLE IF NOT EXISTS records (
    did             VARCHAR(255) NOT NULL,
    collection      VARCHAR(317) NOT NULL,
    rkey            VARCHAR(512) NOT NULL,
    cid             VARCHAR(128) NOT NULL,
    body            JSON,
    deleted         BOOLEAN NOT NULL DEFAULT FALSE,
    commit_seq      BIGINT NOT NULL,
    invalidated_at  TIMESTAMPTZ,
    invalid_reason  TEXT,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (did, collection, rkey)
);

-- identities: Identities hosted by this instance.
--   kind: instance (did:web:<host>) or member (did:web:<host>:u:<name>).
CREATE TABLE IF NOT EXISTS identities (
    did         VARCHAR(255) PRIMARY KEY,
    name        VARCHAR(64) UNIQUE,
    kind        VARCHAR(20) NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- signing_keys: secp256k1 keys sealed with XChaCha20-Poly1305. Exactly
-- one active key (retired_at IS NULL) per identity; rotated keys are
-- retained with retired_at set.
CREATE TABLE IF NOT EXISTS signing_keys (
    id                 BIGSERIAL PRIMARY KEY,
    did                VARCHAR(255) NOT NULL REFERENCES identities(did) ON DELETE CASCADE,
    sealed_key         BYTEA NOT NULL,
    public_multibase   VARCHAR(128) NOT NULL,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    retired_at         TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_signing_keys_active ON signing_keys(did) WHERE retired_at IS NULL;

-- outbox_messages: Durable queue of outbound federation calls.
--   status: pending -> sending -> sent | failed; failed -> sending while
--   attempts remain, otherwise dead.
CREATE TABLE IF NOT EXISTS outbox_messages (
    id               BIGSERIAL PRIMARY KEY,
    sender_did       VARCHAR(255) NOT NULL,
    target_did       VARCHAR(255) NOT NULL,
    target_url       TEXT NOT NULL,
    endpoint         TEXT NOT NULL,
    payload          JSONB NOT NULL,
    idempotency_key  VARCHAR(255) UNIQUE,
    status           VARCHAR(10) NOT NULL DEFAULT 'pending',
    attempts         INT NOT NULL DEFAULT 0,
    max_attempts     INT NOT NULL DEFAULT 5,
    next_attempt_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    last_error       TEXT,
    claimed_at       TIMESTAMPTZ,
    sent_at          TIMESTAMPTZ,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_outbox_due ON outbox_messages(next_attempt_at) WHERE status IN ('pending', 'failed');
CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox_messages(status);

-- saga_runs: Journal of multi-step operations and their compensation.
CREATE TABLE IF NOT EXISTS saga_runs (
    id                   UUID PRIMARY KEY,
    saga                 VARCHAR(100) NOT NULL,
    status               VARCHAR(20) NOT NULL,
    failed_step          VARCHAR(100),
    error                TEXT,
    compensation_errors  TEXT[] NOT NULL DEFAULT '{}',
    started_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    finished_at          TIMESTAMPTZ
);
`
