package sms

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrsolo/numgate/internal/database"
	"github.com/andrsolo/numgate/pkg/smpp"
)

type fakeStore struct {
	leases       map[string][]database.LeaseCandidate
	phones       map[string]*database.PhoneNumber
	statuses     map[int64]int16
	leaseErr     error
	inbound      []database.InboundMessage
	orphans      []database.OrphanMessage
	leaseQueries int
	beforeRecord func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		leases: map[string][]database.LeaseCandidate{},
		phones: map[string]*database.PhoneNumber{},
	}
}

func (f *fakeStore) OpenLeasesForNumber(_ context.Context, number string) ([]database.LeaseCandidate, error) {
	f.leaseQueries++
	if f.leaseErr != nil {
		return nil, f.leaseErr
	}
	return f.leases[number], nil
}

func (f *fakeStore) RecordInbound(_ context.Context, leaseID int64, sourceAddr, text string, code *string) (*database.InboundMessage, error) {
	if f.beforeRecord != nil {
		f.beforeRecord()
		f.beforeRecord = nil
	}
	m := database.InboundMessage{ID: int64(len(f.inbound) + 1), LeaseID: leaseID, SourceAddr: sourceAddr, Text: text, Code: code}
	f.inbound = append(f.inbound, m)
	// Mirrors the store: the status flip only applies to still-open leases.
	if st, ok := f.statuses[leaseID]; ok && (st == database.LeaseAwaitingCode || st == database.LeaseAwaitingRetry) {
		f.statuses[leaseID] = database.LeaseCodeReceived
	}
	return &m, nil
}

func (f *fakeStore) SaveOrphan(_ context.Context, o *database.OrphanMessage) error {
	o.ID = int64(len(f.orphans) + 1)
	f.orphans = append(f.orphans, *o)
	return nil
}

func (f *fakeStore) GetPhoneByNumber(_ context.Context, number string) (*database.PhoneNumber, error) {
	if n, ok := f.phones[number]; ok {
		return n, nil
	}
	return nil, database.ErrNotFound
}

type fakeCache struct {
	pending map[string]bool
	incrs   int
}

func (f *fakeCache) HasPending(_ context.Context, number string) bool { return f.pending[number] }
func (f *fakeCache) ClearPending(_ context.Context, number string)    { delete(f.pending, number) }
func (f *fakeCache) Incr(context.Context, int32, int32, int32)        { f.incrs++ }

func newTestDispatcher(store *fakeStore, cache *fakeCache) *Dispatcher {
	d := NewDispatcher(store, cache, "RU", slog.New(slog.NewTextHandler(io.Discard, nil)))
	d.retryWait = time.Millisecond
	return d
}

func candidate(leaseID int64, number, serviceName string, senders *string) database.LeaseCandidate {
	c := database.LeaseCandidate{ServiceName: serviceName, ServiceCode: "svc", AllowedSenders: senders}
	c.ID = leaseID
	c.Number = number
	c.ServiceID = 1
	c.Status = database.LeaseAwaitingCode
	return c
}

func TestDispatchMatchesLeaseAndExtractsCode(t *testing.T) {
	store := newFakeStore()
	cache := &fakeCache{pending: map[string]bool{}}
	store.leases["+79991234567"] = []database.LeaseCandidate{
		candidate(42, "+79991234567", "Telegram", strPtr("*")),
	}
	op := "MTS"
	store.phones["+79991234567"] = &database.PhoneNumber{ID: 1, ProviderID: 3, CountryID: 7, Operator: &op}

	d := newTestDispatcher(store, cache)
	status := d.Dispatch(context.Background(), Message{Source: "Telegram", Dest: "79991234567", Text: "Your code is 482913"})

	assert.Equal(t, smpp.StatusOK, status)
	require.Len(t, store.inbound, 1)
	assert.Equal(t, int64(42), store.inbound[0].LeaseID)
	require.NotNil(t, store.inbound[0].Code)
	assert.Equal(t, "482913", *store.inbound[0].Code)
	assert.Equal(t, 1, cache.incrs)
	assert.Empty(t, store.orphans)
}

func TestDispatchDoesNotResurrectConcludedLease(t *testing.T) {
	store := newFakeStore()
	cache := &fakeCache{pending: map[string]bool{}}
	store.leases["+79991234567"] = []database.LeaseCandidate{
		candidate(42, "+79991234567", "Telegram", strPtr("*")),
	}
	store.statuses = map[int64]int16{42: database.LeaseAwaitingCode}
	// The client cancels the activation after the lease query but before
	// the inbound commit.
	store.beforeRecord = func() { store.statuses[42] = database.LeaseCancelled }

	d := newTestDispatcher(store, cache)
	status := d.Dispatch(context.Background(), Message{Source: "Telegram", Dest: "79991234567", Text: "code 4821"})

	assert.Equal(t, smpp.StatusOK, status)
	require.Len(t, store.inbound, 1)
	assert.Equal(t, database.LeaseCancelled, store.statuses[42])
}

func TestDispatchSenderMismatchIsOrphaned(t *testing.T) {
	store := newFakeStore()
	cache := &fakeCache{pending: map[string]bool{}}
	store.leases["+79991234567"] = []database.LeaseCandidate{
		candidate(42, "+79991234567", "Telegram", strPtr("Telegram")),
	}
	store.phones["+79991234567"] = &database.PhoneNumber{ID: 1, ProviderID: 3, CountryID: 7}

	d := newTestDispatcher(store, cache)
	status := d.Dispatch(context.Background(), Message{Source: "RandomBrand", Dest: "79991234567", Text: "spam"})

	assert.Equal(t, smpp.StatusInvSenderID, status)
	assert.Empty(t, store.inbound)
	require.Len(t, store.orphans, 1)
	require.NotNil(t, store.orphans[0].ProviderID)
	assert.Equal(t, int32(3), *store.orphans[0].ProviderID)
}

func TestDispatchNoLeaseIsOrphaned(t *testing.T) {
	store := newFakeStore()
	cache := &fakeCache{pending: map[string]bool{}}

	d := newTestDispatcher(store, cache)
	status := d.Dispatch(context.Background(), Message{Source: "X", Dest: "79991234567", Text: "hi"})

	assert.Equal(t, smpp.StatusInvSenderID, status)
	require.Len(t, store.orphans, 1)
	assert.Equal(t, "+79991234567", store.orphans[0].Number)
	assert.Nil(t, store.orphans[0].ProviderID)
	// No pending marker means no retry.
	assert.Equal(t, 1, store.leaseQueries)
}

func TestDispatchRetriesOncePendingMarker(t *testing.T) {
	store := newFakeStore()
	cache := &fakeCache{pending: map[string]bool{"+79991234567": true}}

	d := newTestDispatcher(store, cache)
	status := d.Dispatch(context.Background(), Message{Source: "X", Dest: "79991234567", Text: "hi"})

	assert.Equal(t, smpp.StatusInvSenderID, status)
	assert.Equal(t, 2, store.leaseQueries)
}

func TestDispatchStoreErrorIsSysErr(t *testing.T) {
	store := newFakeStore()
	store.leaseErr = assert.AnError
	cache := &fakeCache{pending: map[string]bool{}}

	d := newTestDispatcher(store, cache)
	status := d.Dispatch(context.Background(), Message{Source: "X", Dest: "79991234567", Text: "hi"})

	assert.Equal(t, smpp.StatusSysErr, status)
	assert.Empty(t, store.orphans)
}

func TestDispatchUnparseableDestination(t *testing.T) {
	store := newFakeStore()
	cache := &fakeCache{pending: map[string]bool{}}

	d := newTestDispatcher(store, cache)
	status := d.Dispatch(context.Background(), Message{Source: "X", Dest: "not-a-number", Text: "hi"})

	assert.Equal(t, smpp.StatusInvSenderID, status)
	require.Len(t, store.orphans, 1)
	assert.Equal(t, "not-a-number", store.orphans[0].Number)
}

func TestDispatchPicksAuthorizedAmongSeveral(t *testing.T) {
	store := newFakeStore()
	cache := &fakeCache{pending: map[string]bool{}}
	store.leases["+79991234567"] = []database.LeaseCandidate{
		candidate(2, "+79991234567", "WhatsApp", nil),  // newest, wrong sender
		candidate(1, "+79991234567", "Telegram", nil), // older, matches
	}

	d := newTestDispatcher(store, cache)
	status := d.Dispatch(context.Background(), Message{Source: "Telegram", Dest: "79991234567", Text: "code 1111"})

	assert.Equal(t, smpp.StatusOK, status)
	require.Len(t, store.inbound, 1)
	assert.Equal(t, int64(1), store.inbound[0].LeaseID)
}

func TestDispatchPartialStoresTaggedOrphan(t *testing.T) {
	store := newFakeStore()
	cache := &fakeCache{pending: map[string]bool{}}

	d := newTestDispatcher(store, cache)
	d.DispatchPartial(context.Background(), Message{Source: "Brand", Dest: "79991234567", Text: "[PART] half"})

	require.Len(t, store.orphans, 1)
	assert.Equal(t, "[PART] half", store.orphans[0].Text)
}
