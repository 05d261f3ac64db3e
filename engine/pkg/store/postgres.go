package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/supplierpool/engine/pkg/dberror"
	"github.com/malbeclabs/supplierpool/engine/pkg/keys"
)

const DefaultLockTimeout = 5 * time.Second

type PostgresConfig struct {
	Logger      *slog.Logger
	Pool        *pgxpool.Pool
	Clock       clockwork.Clock
	LockTimeout time.Duration
}

func (cfg *PostgresConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("pool is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	return nil
}

// Postgres is the pgx-backed Store.
type Postgres struct {
	log *slog.Logger
	cfg PostgresConfig
}

func NewPostgres(cfg PostgresConfig) (*Postgres, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Postgres{log: cfg.Logger, cfg: cfg}, nil
}

const groupColumns = `g.id, g.name, g.region, g.relay_miner_id, g.domain, g.private,
	g.linked_addresses, g.services, g.created_at, g.updated_at,
	(SELECT count(*) FROM keys k WHERE k.address_group_id = g.id AND k.state <> 'available')`

const keyColumns = `id, address, public_key, private_key, owner_address, address_group_id, state,
	stake_owner, stake_amount, balance, last_updated_height, delivered_at, delivered_to,
	delegator_rewards_address, delegator_rev_share_percentage, created_at, updated_at`

func scanGroup(row pgx.Row) (keys.AddressGroup, error) {
	var g keys.AddressGroup
	var services []byte
	var count int64
	if err := row.Scan(&g.ID, &g.Name, &g.Region, &g.RelayMinerID, &g.Domain, &g.Private,
		&g.LinkedAddresses, &services, &g.CreatedAt, &g.UpdatedAt, &count); err != nil {
		return keys.AddressGroup{}, err
	}
	if err := json.Unmarshal(services, &g.Services); err != nil {
		return keys.AddressGroup{}, fmt.Errorf("failed to decode services of group %s: %w", g.ID, err)
	}
	g.KeysCount = int(count)
	return g, nil
}

func scanKey(row pgx.Row) (keys.Key, error) {
	var k keys.Key
	var state string
	if err := row.Scan(&k.ID, &k.Address, &k.PublicKey, &k.PrivateKey, &k.OwnerAddress, &k.AddressGroupID, &state,
		&k.StakeOwner, &k.StakeAmount, &k.Balance, &k.LastUpdatedHeight, &k.DeliveredAt, &k.DeliveredTo,
		&k.DelegatorRewardsAddress, &k.DelegatorRevSharePercentage, &k.CreatedAt, &k.UpdatedAt); err != nil {
		return keys.Key{}, err
	}
	k.State = keys.State(state)
	return k, nil
}

func collectKeys(rows pgx.Rows) ([]keys.Key, error) {
	defer rows.Close()
	out := []keys.Key{}
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return fmt.Errorf("failed to get %s: %w", what, err)
}

func (s *Postgres) ListEligibleGroups(ctx context.Context, region, owner string) ([]keys.AddressGroup, error) {
	rows, err := s.cfg.Pool.Query(ctx, `SELECT `+groupColumns+` FROM address_groups g WHERE g.region = $1 ORDER BY g.name, g.id`, region)
	if err != nil {
		return nil, fmt.Errorf("failed to list address groups: %w", err)
	}
	defer rows.Close()

	var groups []keys.AddressGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan address group: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list address groups: %w", err)
	}
	return EligibleGroups(groups, owner), nil
}

func (s *Postgres) GetGroup(ctx context.Context, id uuid.UUID) (keys.AddressGroup, error) {
	g, err := scanGroup(s.cfg.Pool.QueryRow(ctx, `SELECT `+groupColumns+` FROM address_groups g WHERE g.id = $1`, id))
	if err != nil {
		return keys.AddressGroup{}, notFound(err, "address group "+id.String())
	}
	return g, nil
}

func (s *Postgres) SaveGroup(ctx context.Context, g keys.AddressGroup) error {
	services, err := json.Marshal(g.Services)
	if err != nil {
		return fmt.Errorf("failed to encode services: %w", err)
	}
	linked := g.LinkedAddresses
	if linked == nil {
		linked = []string{}
	}
	now := s.cfg.Clock.Now().UTC()
	_, err = s.cfg.Pool.Exec(ctx, `
		INSERT INTO address_groups (id, name, region, relay_miner_id, domain, private, linked_addresses, services, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, region = EXCLUDED.region, relay_miner_id = EXCLUDED.relay_miner_id,
			domain = EXCLUDED.domain, private = EXCLUDED.private, linked_addresses = EXCLUDED.linked_addresses,
			services = EXCLUDED.services, updated_at = EXCLUDED.updated_at`,
		g.ID, g.Name, g.Region, g.RelayMinerID, g.Domain, g.Private, linked, services, now)
	if err != nil {
		return wrapWrite(err, "failed to save address group")
	}
	return nil
}

func (s *Postgres) GetDelegator(ctx context.Context, identity string) (keys.Delegator, error) {
	var d keys.Delegator
	err := s.cfg.Pool.QueryRow(ctx, `SELECT identity, name, rewards_address, created_at FROM delegators WHERE identity = $1`, identity).
		Scan(&d.Identity, &d.Name, &d.RewardsAddress, &d.CreatedAt)
	if err != nil {
		return keys.Delegator{}, notFound(err, "delegator "+identity)
	}
	return d, nil
}

func (s *Postgres) SaveDelegator(ctx context.Context, d keys.Delegator) error {
	_, err := s.cfg.Pool.Exec(ctx, `
		INSERT INTO delegators (identity, name, rewards_address, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (identity) DO UPDATE SET name = EXCLUDED.name, rewards_address = EXCLUDED.rewards_address`,
		d.Identity, d.Name, d.RewardsAddress, s.cfg.Clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save delegator: %w", err)
	}
	return nil
}

func (s *Postgres) GetKey(ctx context.Context, id uuid.UUID) (keys.Key, error) {
	k, err := scanKey(s.cfg.Pool.QueryRow(ctx, `SELECT `+keyColumns+` FROM keys WHERE id = $1`, id))
	if err != nil {
		return keys.Key{}, keyNotFound(err, id.String())
	}
	return k, nil
}

func (s *Postgres) GetKeyByAddress(ctx context.Context, address string) (keys.Key, error) {
	k, err := scanKey(s.cfg.Pool.QueryRow(ctx, `SELECT `+keyColumns+` FROM keys WHERE address = $1`, address))
	if err != nil {
		return keys.Key{}, keyNotFound(err, address)
	}
	return k, nil
}

func keyNotFound(err error, ref string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %w: %s", ErrNotFound, keys.ErrNotFound, ref)
	}
	return fmt.Errorf("failed to get key %s: %w", ref, err)
}

func (s *Postgres) ListKeysByStates(ctx context.Context, states []keys.State, limit int) ([]keys.Key, error) {
	if limit <= 0 {
		limit = 10000
	}
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}
	rows, err := s.cfg.Pool.Query(ctx, `SELECT `+keyColumns+` FROM keys WHERE state = ANY($1) ORDER BY id LIMIT $2`, names, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	return collectKeys(rows)
}

func (s *Postgres) History(ctx context.Context, keyID uuid.UUID) ([]keys.RemediationHistoryEntry, error) {
	rows, err := s.cfg.Pool.Query(ctx, `
		SELECT key_id, height, timestamp, reason, message, details, tx_result, tx_result_details
		FROM key_remediation_history WHERE key_id = $1 ORDER BY height, timestamp, id`, keyID)
	if err != nil {
		return nil, fmt.Errorf("failed to read remediation history: %w", err)
	}
	defer rows.Close()

	out := []keys.RemediationHistoryEntry{}
	for rows.Next() {
		var e keys.RemediationHistoryEntry
		var reason string
		var details []byte
		if err := rows.Scan(&e.KeyID, &e.Height, &e.Timestamp, &reason, &e.Message, &details, &e.TxResult, &e.TxResultDetails); err != nil {
			return nil, fmt.Errorf("failed to scan remediation entry: %w", err)
		}
		e.Reason = keys.Reason(reason)
		if len(details) > 0 {
			e.Details = json.RawMessage(details)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Postgres) WithTx(ctx context.Context, fn func(KeyStore) error) error {
	tx, err := s.cfg.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// No-op after a successful commit.
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.cfg.LockTimeout.Milliseconds())); err != nil {
		return fmt.Errorf("failed to set lock timeout: %w", err)
	}

	if err := fn(&pgKeyStore{tx: tx, clock: s.cfg.Clock}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type pgKeyStore struct {
	tx    pgx.Tx
	clock clockwork.Clock
}

func (ks *pgKeyStore) LockAvailable(ctx context.Context, groupID uuid.UUID, limit int) ([]keys.Key, error) {
	if limit <= 0 {
		return []keys.Key{}, nil
	}
	rows, err := ks.tx.Query(ctx, `
		SELECT `+keyColumns+` FROM keys
		WHERE address_group_id = $1 AND state = 'available'
		ORDER BY created_at, id
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, groupID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to lock available keys: %w", err)
	}
	return collectKeys(rows)
}

func (ks *pgKeyStore) LockKey(ctx context.Context, id uuid.UUID) (keys.Key, error) {
	k, err := scanKey(ks.tx.QueryRow(ctx, `SELECT `+keyColumns+` FROM keys WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return keys.Key{}, keyNotFound(err, id.String())
	}
	return k, nil
}

func (ks *pgKeyStore) MarkDelivered(ctx context.Context, deliveries []Delivery) error {
	now := ks.clock.Now().UTC()
	for _, d := range deliveries {
		at := d.At
		if at.IsZero() {
			at = now
		}
		tag, err := ks.tx.Exec(ctx, `
			UPDATE keys SET state = 'delivered', delivered_to = $2, delivered_at = $3, owner_address = $4,
				stake_amount = $5, delegator_rewards_address = $6, delegator_rev_share_percentage = $7, updated_at = $8
			WHERE id = $1 AND state = 'available'`,
			d.KeyID, d.Delegator, at, d.Owner, d.StakeAmount, d.RewardsAddress, d.RevSharePct, now)
		if err != nil {
			return fmt.Errorf("failed to mark key %s delivered: %w", d.KeyID, err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("%w: key %s is no longer available", ErrConflict, d.KeyID)
		}
	}
	return nil
}

func (ks *pgKeyStore) MarkAvailable(ctx context.Context, addresses []string, delegator string) (int, error) {
	if len(addresses) == 0 {
		return 0, nil
	}
	tag, err := ks.tx.Exec(ctx, `
		UPDATE keys SET state = 'available', delivered_to = NULL, delivered_at = NULL, stake_amount = 0,
			delegator_rewards_address = '', delegator_rev_share_percentage = 0, updated_at = $3
		WHERE address = ANY($1) AND state = 'delivered' AND delivered_to = $2`,
		addresses, delegator, ks.clock.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to release keys: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (ks *pgKeyStore) Insert(ctx context.Context, k keys.Key) error {
	if !k.State.Valid() {
		return fmt.Errorf("invalid key state %q", k.State)
	}
	now := ks.clock.Now().UTC()
	if k.CreatedAt.IsZero() {
		k.CreatedAt = now
	}
	_, err := ks.tx.Exec(ctx, `
		INSERT INTO keys (`+keyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		k.ID, k.Address, k.PublicKey, k.PrivateKey, k.OwnerAddress, k.AddressGroupID, string(k.State),
		k.StakeOwner, k.StakeAmount, k.Balance, k.LastUpdatedHeight, k.DeliveredAt, k.DeliveredTo,
		k.DelegatorRewardsAddress, k.DelegatorRevSharePercentage, k.CreatedAt, now)
	if err != nil {
		return wrapWrite(err, "failed to insert key "+k.Address)
	}
	return nil
}

func (ks *pgKeyStore) UpdateWithHeightFloor(ctx context.Context, u HeightUpdate) (bool, error) {
	if err := keys.ValidateTransition(u.From, u.To); err != nil {
		return false, err
	}
	var owner, stakeOwner *string
	var stakeAmount, balance *uint64
	if o := u.Observed; o != nil {
		stakeOwner, stakeAmount, balance = &o.StakeOwner, &o.StakeAmount, &o.Balance
		if o.OwnerAddress != "" {
			owner = &o.OwnerAddress
		}
	}
	tag, err := ks.tx.Exec(ctx, `
		UPDATE keys SET state = $3, last_updated_height = $4, updated_at = $5,
			owner_address = CASE WHEN owner_address = '' THEN COALESCE($6, owner_address) ELSE owner_address END,
			stake_owner = COALESCE($7, stake_owner),
			stake_amount = COALESCE($8, stake_amount),
			balance = COALESCE($9, balance)
		WHERE id = $1 AND state = $2 AND last_updated_height <= $4`,
		u.KeyID, string(u.From), string(u.To), u.Height, ks.clock.Now().UTC(),
		owner, stakeOwner, stakeAmount, balance)
	if err != nil {
		return false, fmt.Errorf("failed to update key %s: %w", u.KeyID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (ks *pgKeyStore) AppendRemediation(ctx context.Context, e keys.RemediationHistoryEntry) (bool, error) {
	var details []byte
	if len(e.Details) > 0 {
		details = e.Details
	}
	tag, err := ks.tx.Exec(ctx, `
		INSERT INTO key_remediation_history (key_id, height, timestamp, reason, message, details, tx_result, tx_result_details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (key_id, height, reason) DO NOTHING`,
		e.KeyID, e.Height, e.Timestamp.UTC(), string(e.Reason), e.Message, details, e.TxResult, e.TxResultDetails)
	if err != nil {
		return false, fmt.Errorf("failed to append remediation entry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func wrapWrite(err error, msg string) error {
	if dberror.IsUniqueViolation(err) {
		return fmt.Errorf("%s: %w: %w", msg, ErrConflict, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
