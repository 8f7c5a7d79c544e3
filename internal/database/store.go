package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("database: not found")

// Store is the PostgreSQL query layer. Consumers depend on narrow interfaces
// they declare themselves; Store satisfies all of them.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pgx pool and verifies connectivity.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// --- api keys ---

func (s *Store) GetAPIKey(ctx context.Context, key string) (*APIKey, error) {
	k := &APIKey{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, key, description, active, created_at
		 FROM api_keys WHERE key = $1 AND active`, key,
	).Scan(&k.ID, &k.Key, &k.Description, &k.Active, &k.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return k, nil
}

func (s *Store) CreateAPIKey(ctx context.Context, key, description string) (*APIKey, error) {
	k := &APIKey{Key: key, Active: true}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO api_keys (key, description, active)
		 VALUES ($1, $2, TRUE)
		 RETURNING id, description, created_at`, key, description,
	).Scan(&k.ID, &k.Description, &k.CreatedAt)
	if err != nil {
		return nil, err
	}
	return k, nil
}

// --- services ---

func (s *Store) GetServiceByCode(ctx context.Context, code string) (*Service, error) {
	svc := &Service{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, code, daily_limit, allowed_senders
		 FROM services WHERE code = $1`, code,
	).Scan(&svc.ID, &svc.Name, &svc.Code, &svc.DailyLimit, &svc.AllowedSenders)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return svc, nil
}

// Services lists every configured service.
func (s *Store) Services(ctx context.Context) ([]Service, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, code, daily_limit, allowed_senders FROM services ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Service
	for rows.Next() {
		var svc Service
		if err := rows.Scan(&svc.ID, &svc.Name, &svc.Code, &svc.DailyLimit, &svc.AllowedSenders); err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

// --- providers and IP rules ---

func (s *Store) ActiveProviders(ctx context.Context) ([]Provider, error) {
	return s.providers(ctx,
		`SELECT id, name, role, host, port, system_id, password, active, daily_limit
		 FROM providers WHERE active ORDER BY id`)
}

// ActiveDialProviders lists providers the gateway must connect out to.
func (s *Store) ActiveDialProviders(ctx context.Context) ([]Provider, error) {
	return s.providers(ctx,
		`SELECT id, name, role, host, port, system_id, password, active, daily_limit
		 FROM providers WHERE active AND role = 'dialer' ORDER BY id`)
}

func (s *Store) providers(ctx context.Context, query string) ([]Provider, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Provider
	for rows.Next() {
		var p Provider
		if err := rows.Scan(&p.ID, &p.Name, &p.Role, &p.Host, &p.Port,
			&p.SystemID, &p.Password, &p.Active, &p.DailyLimit); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ActiveIPRules lists whitelist CIDRs for all active providers.
func (s *Store) ActiveIPRules(ctx context.Context) ([]IPRule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT r.provider_id, r.cidr
		 FROM provider_ip_rules r
		 JOIN providers p ON p.id = r.provider_id
		 WHERE p.active AND r.active
		 UNION
		 SELECT p.id, p.host FROM providers p
		 WHERE p.active AND p.host <> ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IPRule
	for rows.Next() {
		var r IPRule
		if err := rows.Scan(&r.ProviderID, &r.CIDR); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- phone numbers ---

func (s *Store) GetPhoneByNumber(ctx context.Context, number string) (*PhoneNumber, error) {
	n := &PhoneNumber{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, number, provider_id, country_id, operator, active, in_use, rank
		 FROM phone_numbers WHERE number = $1`, number,
	).Scan(&n.ID, &n.Number, &n.ProviderID, &n.CountryID, &n.Operator,
		&n.Active, &n.InUse, &n.Rank)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

// NumberIDBounds returns the min and max phone_numbers.id for an active,
// free pool slice, optionally narrowed to one operator. ErrNotFound when the
// slice is empty.
func (s *Store) NumberIDBounds(ctx context.Context, providerID, countryID int32, operator *string) (minID, maxID int64, err error) {
	var lo, hi *int64
	err = s.pool.QueryRow(ctx,
		`SELECT MIN(id), MAX(id) FROM phone_numbers
		 WHERE provider_id = $1 AND country_id = $2 AND active AND NOT in_use
		   AND ($3::text IS NULL OR operator = $3)`,
		providerID, countryID, operator,
	).Scan(&lo, &hi)
	if err != nil {
		return 0, 0, err
	}
	if lo == nil || hi == nil {
		return 0, 0, ErrNotFound
	}
	return *lo, *hi, nil
}

// NextFreeNumber finds the first active free number with id >= fromID inside
// the provider/country slice. Relies on the (provider_id, country_id, id)
// index so the scan starts at fromID instead of walking the table.
func (s *Store) NextFreeNumber(ctx context.Context, providerID, countryID int32, operator *string, fromID int64) (*PhoneNumber, error) {
	n := &PhoneNumber{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, number, provider_id, country_id, operator, active, in_use, rank
		 FROM phone_numbers
		 WHERE provider_id = $1 AND country_id = $2 AND id >= $4
		   AND active AND NOT in_use
		   AND ($3::text IS NULL OR operator = $3)
		 ORDER BY id
		 LIMIT 1`,
		providerID, countryID, operator, fromID,
	).Scan(&n.ID, &n.Number, &n.ProviderID, &n.CountryID, &n.Operator,
		&n.Active, &n.InUse, &n.Rank)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

// TryReserveNumber flips in_use on, but only if the row is still free and
// active. Returns false when another request won the race.
func (s *Store) TryReserveNumber(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE phone_numbers SET in_use = TRUE
		 WHERE id = $1 AND NOT in_use AND active`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseNumber flips in_use off, used when lease creation fails after a
// successful reservation.
func (s *Store) ReleaseNumber(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE phone_numbers SET in_use = FALSE WHERE id = $1`, id)
	return err
}

// FreeNumberCounts returns available number counts keyed by country id,
// considering only active providers.
func (s *Store) FreeNumberCounts(ctx context.Context) (map[int32]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT n.country_id, COUNT(*)
		 FROM phone_numbers n
		 JOIN providers p ON p.id = n.provider_id
		 WHERE n.active AND NOT n.in_use AND p.active
		 GROUP BY n.country_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[int32]int{}
	for rows.Next() {
		var country int32
		var count int
		if err := rows.Scan(&country, &count); err != nil {
			return nil, err
		}
		out[country] = count
	}
	return out, rows.Err()
}

// --- leases ---

func (s *Store) CreateLease(ctx context.Context, number string, serviceID int32, phoneNumberID int64, apiKeyID int32) (*Lease, error) {
	l := &Lease{
		Number:        number,
		ServiceID:     serviceID,
		PhoneNumberID: phoneNumberID,
		APIKeyID:      apiKeyID,
		Status:        LeaseAwaitingCode,
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO leases (number, service_id, phone_number_id, api_key_id, status)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		number, serviceID, phoneNumberID, apiKeyID, LeaseAwaitingCode,
	).Scan(&l.ID, &l.CreatedAt)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// GetLeaseForKey fetches a lease only if it belongs to the given API key, so
// one tenant cannot poll another tenant's activation.
func (s *Store) GetLeaseForKey(ctx context.Context, leaseID int64, apiKeyID int32) (*Lease, error) {
	l := &Lease{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, number, service_id, phone_number_id, api_key_id, status, created_at
		 FROM leases WHERE id = $1 AND api_key_id = $2`, leaseID, apiKeyID,
	).Scan(&l.ID, &l.Number, &l.ServiceID, &l.PhoneNumberID, &l.APIKeyID,
		&l.Status, &l.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

// SetLeaseStatus updates the status without touching the number reservation.
func (s *Store) SetLeaseStatus(ctx context.Context, leaseID int64, status int16) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE leases SET status = $2 WHERE id = $1`, leaseID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ConcludeLease ends a lease (completed or cancelled) and frees its number
// in one transaction. Returns the lease for cooldown bookkeeping.
func (s *Store) ConcludeLease(ctx context.Context, leaseID int64, status int16) (*Lease, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	l := &Lease{}
	err = tx.QueryRow(ctx,
		`UPDATE leases SET status = $2
		 WHERE id = $1
		 RETURNING id, number, service_id, phone_number_id, api_key_id, status, created_at`,
		leaseID, status,
	).Scan(&l.ID, &l.Number, &l.ServiceID, &l.PhoneNumberID, &l.APIKeyID,
		&l.Status, &l.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE phone_numbers SET in_use = FALSE WHERE id = $1`, l.PhoneNumberID); err != nil {
		return nil, err
	}
	return l, tx.Commit(ctx)
}

// OpenLeasesForNumber lists leases still waiting on a code for the given
// number, newest first, joined with the service needed for sender checks.
func (s *Store) OpenLeasesForNumber(ctx context.Context, number string) ([]LeaseCandidate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT l.id, l.number, l.service_id, l.phone_number_id, l.api_key_id,
		        l.status, l.created_at, s.code, s.name, s.allowed_senders
		 FROM leases l
		 JOIN services s ON s.id = l.service_id
		 WHERE l.number = $1 AND l.status IN ($2, $3)
		 ORDER BY l.created_at DESC`,
		number, LeaseAwaitingCode, LeaseAwaitingRetry)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LeaseCandidate
	for rows.Next() {
		var c LeaseCandidate
		if err := rows.Scan(&c.ID, &c.Number, &c.ServiceID, &c.PhoneNumberID,
			&c.APIKeyID, &c.Status, &c.CreatedAt,
			&c.ServiceCode, &c.ServiceName, &c.AllowedSenders); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- inbound and orphan messages ---

// RecordInbound stores the message and marks the lease as served in one
// transaction.
func (s *Store) RecordInbound(ctx context.Context, leaseID int64, sourceAddr, text string, code *string) (*InboundMessage, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	m := &InboundMessage{LeaseID: leaseID, SourceAddr: sourceAddr, Text: text, Code: code}
	err = tx.QueryRow(ctx,
		`INSERT INTO inbound_messages (lease_id, source_addr, text, code)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, received_at`,
		leaseID, sourceAddr, text, code,
	).Scan(&m.ID, &m.ReceivedAt)
	if err != nil {
		return nil, err
	}

	// The lease may have been concluded between the dispatcher's match and
	// this commit. The message is still kept, but a completed or cancelled
	// lease must not come back to life (its number is already free).
	if _, err := tx.Exec(ctx,
		`UPDATE leases SET status = $2
		 WHERE id = $1 AND status IN ($3, $4)`,
		leaseID, LeaseCodeReceived, LeaseAwaitingCode, LeaseAwaitingRetry); err != nil {
		return nil, err
	}
	return m, tx.Commit(ctx)
}

// LatestCode returns the code of the newest message for a lease. Only the
// newest message counts: a code-less follow-up SMS puts the activation back
// into the waiting state.
func (s *Store) LatestCode(ctx context.Context, leaseID int64) (string, error) {
	var code *string
	err := s.pool.QueryRow(ctx,
		`SELECT code FROM inbound_messages
		 WHERE lease_id = $1
		 ORDER BY received_at DESC, id DESC LIMIT 1`, leaseID,
	).Scan(&code)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && code == nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return *code, nil
}

func (s *Store) SaveOrphan(ctx context.Context, o *OrphanMessage) error {
	return s.pool.QueryRow(ctx,
		`INSERT INTO orphan_messages (number, source_addr, text, provider_id, country_id, operator)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, received_at`,
		o.Number, o.SourceAddr, o.Text, o.ProviderID, o.CountryID, o.Operator,
	).Scan(&o.ID, &o.ReceivedAt)
}

// EnrichOrphans backfills provider/country/operator attribution on orphan
// rows whose number later appeared in the pool. Returns rows updated.
func (s *Store) EnrichOrphans(ctx context.Context, batch int) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orphan_messages o
		 SET provider_id = n.provider_id,
		     country_id  = n.country_id,
		     operator    = n.operator
		 FROM phone_numbers n
		 WHERE o.id IN (
		     SELECT id FROM orphan_messages
		     WHERE provider_id IS NULL
		     ORDER BY id
		     LIMIT $1
		 )
		 AND n.number = o.number`, batch)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- usage ---

// UsageLimitFor returns the per-combination override, ErrNotFound when none
// is configured.
func (s *Store) UsageLimitFor(ctx context.Context, serviceID, providerID, countryID int32) (int32, error) {
	var limit int32
	err := s.pool.QueryRow(ctx,
		`SELECT daily_limit FROM usage_limits
		 WHERE service_id = $1 AND provider_id = $2 AND country_id = $3`,
		serviceID, providerID, countryID,
	).Scan(&limit)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return limit, nil
}

// TodayUsageByProvider counts served activations per provider for one
// service/country since local midnight. Used to warm the usage cache.
func (s *Store) TodayUsageByProvider(ctx context.Context, serviceID, countryID int32) (map[int32]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT n.provider_id, COUNT(DISTINCT m.lease_id)
		 FROM inbound_messages m
		 JOIN leases l        ON l.id = m.lease_id
		 JOIN phone_numbers n ON n.id = l.phone_number_id
		 WHERE l.service_id = $1 AND n.country_id = $2
		   AND m.received_at >= date_trunc('day', now())
		 GROUP BY n.provider_id`,
		serviceID, countryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[int32]int64{}
	for rows.Next() {
		var provider int32
		var count int64
		if err := rows.Scan(&provider, &count); err != nil {
			return nil, err
		}
		out[provider] = count
	}
	return out, rows.Err()
}

// --- bulk import tooling ---

// ExistingNumbers reports which of the given numbers are already in the pool.
func (s *Store) ExistingNumbers(ctx context.Context, numbers []string) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT number FROM phone_numbers WHERE number = ANY($1)`, numbers)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out[n] = true
	}
	return out, rows.Err()
}

// InsertNumbers bulk-inserts new pool rows, skipping duplicates.
func (s *Store) InsertNumbers(ctx context.Context, batch []NewNumber) (int64, error) {
	var inserted int64
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	for _, n := range batch {
		tag, err := tx.Exec(ctx,
			`INSERT INTO phone_numbers (number, provider_id, country_id, operator, active, in_use, rank)
			 VALUES ($1, $2, $3, $4, TRUE, FALSE, floor(random() * 1000000)::int)
			 ON CONFLICT (number) DO NOTHING`,
			n.Number, n.ProviderID, n.CountryID, n.Operator)
		if err != nil {
			return 0, err
		}
		inserted += tag.RowsAffected()
	}
	return inserted, tx.Commit(ctx)
}

// ShuffleRanks rerolls the selection rank of every pool row.
func (s *Store) ShuffleRanks(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE phone_numbers SET rank = floor(random() * 1000000)::int`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
