// Package identity manages the identities hosted by this instance and
// resolves remote ones.
//
// Local identities are did:web identifiers under the instance hostname:
// the instance itself (did:web:<host>) and its members
// (did:web:<host>:u:<name>). Each has exactly one active secp256k1
// signing key, sealed at rest. Remote identities are resolved by
// fetching their DID documents, which are cached with a TTL.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/primal-host/primal-coop/internal/database"
)

var (
	ErrNotFound   = errors.New("identity: not found")
	ErrExists     = errors.New("identity: already exists")
	ErrInvalidDID = errors.New("identity: invalid did")
	ErrNoKey      = errors.New("identity: no signing key")
	ErrResolve    = errors.New("identity: resolution failed")
)

// Identity is a locally hosted DID.
type Identity struct {
	DID             string    `json:"did"`
	Name            string    `json:"name,omitempty"`
	Kind            string    `json:"kind"`
	PublicMultibase string    `json:"publicKeyMultibase"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Store provides identity and signing key operations backed by
// PostgreSQL.
type Store struct {
	pool     *pgxpool.Pool
	sealer   *Sealer
	hostname string
	logger   *zap.SugaredLogger
}

// NewStore creates an identity Store for the instance at hostname.
func NewStore(pool *pgxpool.Pool, sealer *Sealer, hostname string, logger *zap.SugaredLogger) *Store {
	return &Store{pool: pool, sealer: sealer, hostname: hostname, logger: logger}
}

// InstanceDID returns this instance's DID.
func (s *Store) InstanceDID() string {
	return InstanceDID(s.hostname)
}

// ServiceEndpoint is the base URL other instances call.
func (s *Store) ServiceEndpoint() string {
	return "https://" + s.hostname
}

// EnsureInstance creates the instance identity on first start. It is a
// no-op when the identity already exists.
func (s *Store) EnsureInstance(ctx context.Context) (*Identity, error) {
	id, err := s.Get(ctx, s.InstanceDID())
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	id, err = s.create(ctx, s.InstanceDID(), "", KindInstance)
	if errors.Is(err, ErrExists) {
		return s.Get(ctx, s.InstanceDID())
	}
	if err == nil {
		s.logger.Infof("Created instance identity %s", id.DID)
	}
	return id, err
}

// CreateMember creates a member identity with a fresh signing key.
func (s *Store) CreateMember(ctx context.Context, name string) (*Identity, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("%w: member name %q", ErrInvalidDID, name)
	}
	return s.create(ctx, MemberDID(s.hostname, name), name, KindMember)
}

func (s *Store) create(ctx context.Context, did, name, kind string) (*Identity, error) {
	priv, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	pub, err := priv.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("identity: derive public key: %w", err)
	}
	sealed, err := s.sealer.Seal(did, priv)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("identity: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var nameArg any
	if name != "" {
		nameArg = name
	}
	id := Identity{DID: did, Name: name, Kind: kind, PublicMultibase: pub.Multibase()}
	err = tx.QueryRow(ctx,
		`INSERT INTO identities (did, name, kind) VALUES ($1, $2, $3) RETURNING created_at`,
		did, nameArg, kind,
	).Scan(&id.CreatedAt)
	if database.IsUniqueViolation(err) {
		return nil, fmt.Errorf("%w: %s", ErrExists, did)
	}
	if err != nil {
		return nil, fmt.Errorf("identity: create %s: %w", did, err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO signing_keys (did, sealed_key, public_multibase) VALUES ($1, $2, $3)`,
		did, sealed, id.PublicMultibase,
	); err != nil {
		return nil, fmt.Errorf("identity: store key for %s: %w", did, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("identity: commit: %w", err)
	}
	return &id, nil
}

const selectIdentity = `SELECT i.did, COALESCE(i.name, ''), i.kind, k.public_multibase, i.created_at
	FROM identities i JOIN signing_keys k ON k.did = i.did AND k.retired_at IS NULL`

// Get returns a hosted identity with its active public key.
func (s *Store) Get(ctx context.Context, did string) (*Identity, error) {
	var id Identity
	err := s.pool.QueryRow(ctx, selectIdentity+` WHERE i.did = $1`, did).
		Scan(&id.DID, &id.Name, &id.Kind, &id.PublicMultibase, &id.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, did)
	}
	if err != nil {
		return nil, fmt.Errorf("identity: get %s: %w", did, err)
	}
	return &id, nil
}

// GetByName returns a member identity by name.
func (s *Store) GetByName(ctx context.Context, name string) (*Identity, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return s.Get(ctx, MemberDID(s.hostname, name))
}

// List returns all hosted identities, oldest first.
func (s *Store) List(ctx context.Context) ([]Identity, error) {
	rows, err := s.pool.Query(ctx, selectIdentity+` ORDER BY i.created_at, i.did`)
	if err != nil {
		return nil, fmt.Errorf("identity: list: %w", err)
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		var id Identity
		if err := rows.Scan(&id.DID, &id.Name, &id.Kind, &id.PublicMultibase, &id.CreatedAt); err != nil {
			return nil, fmt.Errorf("identity: scan: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// SigningKey loads and unseals the active private key of did.
func (s *Store) SigningKey(ctx context.Context, did string) (atcrypto.PrivateKey, error) {
	var sealed []byte
	err := s.pool.QueryRow(ctx,
		`SELECT sealed_key FROM signing_keys WHERE did = $1 AND retired_at IS NULL`, did,
	).Scan(&sealed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNoKey, did)
	}
	if err != nil {
		return nil, fmt.Errorf("identity: load key for %s: %w", did, err)
	}
	return s.sealer.Open(did, sealed)
}

// RotateKey retires the active key of did and installs a new one in a
// single transaction. It returns the identity with its new public key.
func (s *Store) RotateKey(ctx context.Context, did string) (*Identity, error) {
	priv, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	pub, err := priv.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("identity: derive public key: %w", err)
	}
	sealed, err := s.sealer.Seal(did, priv)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("identity: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE signing_keys SET retired_at = NOW() WHERE did = $1 AND retired_at IS NULL`, did)
	if err != nil {
		return nil, fmt.Errorf("identity: retire key for %s: %w", did, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, did)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO signing_keys (did, sealed_key, public_multibase) VALUES ($1, $2, $3)`,
		did, sealed, pub.Multibase(),
	); err != nil {
		return nil, fmt.Errorf("identity: store key for %s: %w", did, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("identity: commit: %w", err)
	}

	s.logger.Infof("Rotated signing key for %s", did)
	return s.Get(ctx, did)
}

// Document builds the DID document of a hosted identity.
func (s *Store) Document(ctx context.Context, did string) (*DIDDocument, error) {
	id, err := s.Get(ctx, did)
	if err != nil {
		return nil, err
	}
	return BuildDocument(id.DID, id.PublicMultibase, s.ServiceEndpoint()), nil
}
