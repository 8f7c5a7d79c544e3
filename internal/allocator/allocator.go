package allocator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/andrsolo/numgate/internal/config"
	"github.com/andrsolo/numgate/internal/database"
	"github.com/andrsolo/numgate/internal/logging"
	"github.com/andrsolo/numgate/internal/usage"
)

var (
	// ErrBadService means the service code is unknown.
	ErrBadService = errors.New("allocator: unknown service")
	// ErrNoNumbers means no number within caps could be reserved.
	ErrNoNumbers = errors.New("allocator: no numbers available")
	// ErrBadNumber means the requested number is not in the pool.
	ErrBadNumber = errors.New("allocator: unknown number")
	// ErrNumberBusy means the requested number is already reserved.
	ErrNumberBusy = errors.New("allocator: number in use")
)

// Store is the slice of the database layer the allocator needs.
type Store interface {
	GetServiceByCode(ctx context.Context, code string) (*database.Service, error)
	ActiveProviders(ctx context.Context) ([]database.Provider, error)
	UsageLimitFor(ctx context.Context, serviceID, providerID, countryID int32) (int32, error)
	TodayUsageByProvider(ctx context.Context, serviceID, countryID int32) (map[int32]int64, error)
	NumberIDBounds(ctx context.Context, providerID, countryID int32, operator *string) (int64, int64, error)
	NextFreeNumber(ctx context.Context, providerID, countryID int32, operator *string, fromID int64) (*database.PhoneNumber, error)
	TryReserveNumber(ctx context.Context, id int64) (bool, error)
	ReleaseNumber(ctx context.Context, id int64) error
	CreateLease(ctx context.Context, number string, serviceID int32, phoneNumberID int64, apiKeyID int32) (*database.Lease, error)
	GetPhoneByNumber(ctx context.Context, number string) (*database.PhoneNumber, error)
}

// Cache covers the usage counters and race markers, normally usage.Tracker.
type Cache interface {
	ProviderUsage(ctx context.Context, serviceID, countryID, providerID int32) (int64, error)
	TryWarm(ctx context.Context, serviceID, countryID int32, counts map[int32]int64) (bool, error)
	InCooldown(ctx context.Context, serviceID int32, number string) bool
	MarkPending(ctx context.Context, number string, leaseID int64, ttl time.Duration)
}

type boundsEntry struct {
	min, max int64
	empty    bool
	at       time.Time
}

// Allocator picks, rate-checks and exclusively reserves a free number for a
// lease request. All waiting happens in the store; the allocator itself only
// does bounded probing.
type Allocator struct {
	store  Store
	cache  Cache
	cfg    config.AllocatorConfig
	logger *slog.Logger

	boundsMu sync.Mutex
	bounds   map[string]boundsEntry
}

func New(store Store, cache Cache, cfg config.AllocatorConfig, logger *slog.Logger) *Allocator {
	return &Allocator{
		store:  store,
		cache:  cache,
		cfg:    cfg,
		logger: logger,
		bounds: map[string]boundsEntry{},
	}
}

// Allocate reserves a free number for the service in the given country and
// creates the lease. operator narrows the pool when non-empty.
func (a *Allocator) Allocate(ctx context.Context, serviceCode string, countryID int32, operator string, apiKeyID int32) (*database.Lease, error) {
	svc, err := a.store.GetServiceByCode(ctx, serviceCode)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrBadService
	}
	if err != nil {
		return nil, err
	}

	providers, err := a.store.ActiveProviders(ctx)
	if err != nil {
		return nil, err
	}
	if len(providers) == 0 {
		return nil, ErrNoNumbers
	}

	usageByProvider, err := a.usageCounts(ctx, svc.ID, countryID, providers)
	if err != nil {
		return nil, err
	}

	// Service-wide daily cap checks the total across providers.
	if svc.DailyLimit != nil {
		var total int64
		for _, n := range usageByProvider {
			total += n
		}
		if total >= int64(*svc.DailyLimit) {
			a.logger.InfoContext(ctx, "service daily cap reached",
				"service", svc.Code, "country_id", countryID, "used", total, "cap", *svc.DailyLimit)
			return nil, ErrNoNumbers
		}
	}

	eligible := a.providersWithinCap(ctx, svc, countryID, providers, usageByProvider)
	if len(eligible) == 0 {
		a.logger.InfoContext(ctx, "all providers at cap",
			"service", svc.Code, "country_id", countryID)
		return nil, ErrNoNumbers
	}

	rand.Shuffle(len(eligible), func(i, j int) {
		eligible[i], eligible[j] = eligible[j], eligible[i]
	})
	if len(eligible) > a.cfg.ProviderSample {
		eligible = eligible[:a.cfg.ProviderSample]
	}

	var op *string
	if operator != "" {
		op = &operator
	}

	// First pass honors cooldowns; candidates skipped only for cooldown are
	// remembered for the fallback.
	var cooled []*database.PhoneNumber
	sawBusy := false
	attempts := 0

	for _, p := range eligible {
		lo, hi, ok, err := a.idBounds(ctx, p.ID, countryID, op)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		for attempts < a.cfg.MaxAttempts {
			attempts++
			fromID := lo
			if hi > lo {
				fromID = lo + rand.Int63n(hi-lo+1)
			}
			n, err := a.store.NextFreeNumber(ctx, p.ID, countryID, op, fromID)
			if errors.Is(err, database.ErrNotFound) {
				break
			}
			if err != nil {
				return nil, err
			}
			if a.cache.InCooldown(ctx, svc.ID, n.Number) {
				cooled = append(cooled, n)
				continue
			}
			lease, reserved, err := a.reserveAndLease(ctx, svc.ID, n, apiKeyID)
			if err != nil {
				return nil, err
			}
			if lease != nil {
				return lease, nil
			}
			if !reserved {
				sawBusy = true
			}
		}
	}

	// One cooldown-ignoring pass, but only when cooldowns were the sole
	// reason nothing was reserved. A busy row means real contention and the
	// caller should just get NO_NUMBERS.
	if !sawBusy {
		for _, n := range cooled {
			lease, _, err := a.reserveAndLease(ctx, svc.ID, n, apiKeyID)
			if err != nil {
				return nil, err
			}
			if lease != nil {
				a.logger.InfoContext(ctx, "cooldown fallback used",
					"service", svc.Code, "msisdn", n.Number)
				return lease, nil
			}
		}
	}

	a.logger.WarnContext(ctx, "allocation exhausted",
		"service", svc.Code, "country_id", countryID,
		"attempts", attempts, "cooldown_skips", len(cooled), "saw_busy", sawBusy)
	return nil, ErrNoNumbers
}

// Reallocate reserves one specific, already-known number for the service.
func (a *Allocator) Reallocate(ctx context.Context, serviceCode, number string, apiKeyID int32) (*database.Lease, error) {
	svc, err := a.store.GetServiceByCode(ctx, serviceCode)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrBadService
	}
	if err != nil {
		return nil, err
	}

	n, err := a.store.GetPhoneByNumber(ctx, number)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrBadNumber
	}
	if err != nil {
		return nil, err
	}
	if !n.Active {
		return nil, ErrBadNumber
	}
	if n.InUse {
		return nil, ErrNumberBusy
	}

	// Same cap rules, scoped to this number's provider.
	providers, err := a.store.ActiveProviders(ctx)
	if err != nil {
		return nil, err
	}
	usageByProvider, err := a.usageCounts(ctx, svc.ID, n.CountryID, providers)
	if err != nil {
		return nil, err
	}
	for _, p := range providers {
		if p.ID != n.ProviderID {
			continue
		}
		if limit, bounded := a.effectiveCap(ctx, svc, p, n.CountryID); bounded && usageByProvider[p.ID] >= int64(limit) {
			return nil, ErrNoNumbers
		}
	}

	lease, reserved, err := a.reserveAndLease(ctx, svc.ID, n, apiKeyID)
	if err != nil {
		return nil, err
	}
	if lease == nil {
		if !reserved {
			return nil, ErrNumberBusy
		}
		return nil, ErrNoNumbers
	}
	return lease, nil
}

// reserveAndLease attempts the conditional in_use flip and, on success,
// creates the lease and sets the pending marker. lease == nil with
// reserved == false means the row was taken by someone else.
func (a *Allocator) reserveAndLease(ctx context.Context, serviceID int32, n *database.PhoneNumber, apiKeyID int32) (lease *database.Lease, reserved bool, err error) {
	reserved, err = a.store.TryReserveNumber(ctx, n.ID)
	if err != nil {
		return nil, false, err
	}
	if !reserved {
		return nil, false, nil
	}

	lease, err = a.store.CreateLease(ctx, n.Number, serviceID, n.ID, apiKeyID)
	if err != nil {
		// Undo the reservation rather than stranding the number.
		if relErr := a.store.ReleaseNumber(ctx, n.ID); relErr != nil {
			a.logger.ErrorContext(ctx, "releasing number after failed lease insert",
				"msisdn", n.Number, "error", relErr)
		}
		return nil, true, err
	}

	ctx = logging.ContextWithLeaseID(ctx, lease.ID)
	a.cache.MarkPending(ctx, n.Number, lease.ID, a.cfg.PendingTTL)
	a.logger.InfoContext(ctx, "number leased", "msisdn", n.Number, "service_id", serviceID)
	return lease, true, nil
}

// usageCounts reads today's per-provider counts from the cache, warming it
// from the store when cold. When another request holds the warm lock the
// database numbers are used directly for this one decision.
func (a *Allocator) usageCounts(ctx context.Context, serviceID, countryID int32, providers []database.Provider) (map[int32]int64, error) {
	counts := map[int32]int64{}
	cold := false
	for _, p := range providers {
		n, err := a.cache.ProviderUsage(ctx, serviceID, countryID, p.ID)
		if errors.Is(err, usage.ErrUnknown) {
			cold = true
			break
		}
		if err != nil {
			// Cache down. Fall back to the store; unknown must never read
			// as zero.
			cold = true
			break
		}
		counts[p.ID] = n
	}
	if !cold {
		return counts, nil
	}

	dbCounts, err := a.store.TodayUsageByProvider(ctx, serviceID, countryID)
	if err != nil {
		return nil, fmt.Errorf("usage fallback: %w", err)
	}
	// Zero-fill so warmed-but-idle providers read as zero later.
	counts = map[int32]int64{}
	for _, p := range providers {
		counts[p.ID] = dbCounts[p.ID]
	}
	if _, err := a.cache.TryWarm(ctx, serviceID, countryID, counts); err != nil {
		a.logger.WarnContext(ctx, "usage cache warm failed", "error", err)
	}
	return counts, nil
}

func (a *Allocator) providersWithinCap(ctx context.Context, svc *database.Service, countryID int32, providers []database.Provider, used map[int32]int64) []database.Provider {
	var out []database.Provider
	for _, p := range providers {
		if limit, bounded := a.effectiveCap(ctx, svc, p, countryID); bounded && used[p.ID] >= int64(limit) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// effectiveCap resolves the most specific cap: an explicit usage_limits row,
// else the service cap, else the provider cap. bounded=false means
// unbounded.
func (a *Allocator) effectiveCap(ctx context.Context, svc *database.Service, p database.Provider, countryID int32) (int32, bool) {
	limit, err := a.store.UsageLimitFor(ctx, svc.ID, p.ID, countryID)
	if err == nil {
		return limit, true
	}
	if !errors.Is(err, database.ErrNotFound) {
		a.logger.WarnContext(ctx, "usage limit lookup failed",
			"service_id", svc.ID, "provider_id", p.ID, "error", err)
	}
	if svc.DailyLimit != nil {
		return *svc.DailyLimit, true
	}
	if p.DailyLimit != nil {
		return *p.DailyLimit, true
	}
	return 0, false
}

func boundsKey(providerID, countryID int32, operator *string) string {
	op := ""
	if operator != nil {
		op = *operator
	}
	return fmt.Sprintf("%d:%d:%s", providerID, countryID, op)
}

// idBounds returns the cached (min, max) id window for a pool slice.
// ok=false means the slice is currently empty.
func (a *Allocator) idBounds(ctx context.Context, providerID, countryID int32, operator *string) (int64, int64, bool, error) {
	key := boundsKey(providerID, countryID, operator)

	a.boundsMu.Lock()
	e, hit := a.bounds[key]
	a.boundsMu.Unlock()
	if hit && time.Since(e.at) < a.cfg.BoundsTTL {
		return e.min, e.max, !e.empty, nil
	}

	lo, hi, err := a.store.NumberIDBounds(ctx, providerID, countryID, operator)
	entry := boundsEntry{at: time.Now()}
	switch {
	case errors.Is(err, database.ErrNotFound):
		entry.empty = true
	case err != nil:
		return 0, 0, false, err
	default:
		entry.min, entry.max = lo, hi
	}

	a.boundsMu.Lock()
	a.bounds[key] = entry
	a.boundsMu.Unlock()
	return entry.min, entry.max, !entry.empty, nil
}
