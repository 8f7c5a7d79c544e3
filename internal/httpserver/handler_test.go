package httpserver

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrsolo/numgate/internal/allocator"
	"github.com/andrsolo/numgate/internal/database"
)

type fakeStore struct {
	keys      map[string]*database.APIKey
	leases    map[int64]*database.Lease
	msgs      map[int64][]*string // codes per lease, newest last, nil = code-less SMS
	services  []database.Service
	freeCount map[int32]int
	concluded []int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		keys:      map[string]*database.APIKey{"good-key": {ID: 9, Key: "good-key", Active: true}},
		leases:    map[int64]*database.Lease{},
		msgs:      map[int64][]*string{},
		freeCount: map[int32]int{},
	}
}

func (f *fakeStore) GetAPIKey(_ context.Context, key string) (*database.APIKey, error) {
	if k, ok := f.keys[key]; ok {
		return k, nil
	}
	return nil, database.ErrNotFound
}

func (f *fakeStore) GetLeaseForKey(_ context.Context, leaseID int64, apiKeyID int32) (*database.Lease, error) {
	l, ok := f.leases[leaseID]
	if !ok || l.APIKeyID != apiKeyID {
		return nil, database.ErrNotFound
	}
	return l, nil
}

// LatestCode mirrors the store: only the newest message counts.
func (f *fakeStore) LatestCode(_ context.Context, leaseID int64) (string, error) {
	msgs := f.msgs[leaseID]
	if len(msgs) == 0 || msgs[len(msgs)-1] == nil {
		return "", database.ErrNotFound
	}
	return *msgs[len(msgs)-1], nil
}

func (f *fakeStore) SetLeaseStatus(_ context.Context, leaseID int64, status int16) error {
	l, ok := f.leases[leaseID]
	if !ok {
		return database.ErrNotFound
	}
	l.Status = status
	return nil
}

func (f *fakeStore) ConcludeLease(_ context.Context, leaseID int64, status int16) (*database.Lease, error) {
	l, ok := f.leases[leaseID]
	if !ok {
		return nil, database.ErrNotFound
	}
	l.Status = status
	f.concluded = append(f.concluded, leaseID)
	return l, nil
}

func (f *fakeStore) Services(context.Context) ([]database.Service, error) {
	return f.services, nil
}

func (f *fakeStore) FreeNumberCounts(context.Context) (map[int32]int, error) {
	return f.freeCount, nil
}

type fakeAllocator struct {
	lease *database.Lease
	err   error
}

func (f *fakeAllocator) Allocate(context.Context, string, int32, string, int32) (*database.Lease, error) {
	return f.lease, f.err
}

func (f *fakeAllocator) Reallocate(context.Context, string, string, int32) (*database.Lease, error) {
	return f.lease, f.err
}

type fakeCooldowns struct {
	set     []string
	cleared []string
}

func (f *fakeCooldowns) SetCooldown(_ context.Context, _ int32, number string, _ time.Duration) {
	f.set = append(f.set, number)
}

func (f *fakeCooldowns) ClearPending(_ context.Context, number string) {
	f.cleared = append(f.cleared, number)
}

func newTestHandler(store *fakeStore, alloc Allocator, cd *fakeCooldowns) *APIHandler {
	return NewAPIHandler(store, alloc, cd, 90*time.Second, "RU",
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func call(t *testing.T, h *APIHandler, url string) string {
	t.Helper()
	req := httptest.NewRequest("GET", url, nil)
	rec := httptest.NewRecorder()
	h.Handle(rec, req)
	return rec.Body.String()
}

func TestBadKey(t *testing.T) {
	h := newTestHandler(newFakeStore(), &fakeAllocator{}, &fakeCooldowns{})
	assert.Equal(t, "BAD_KEY", call(t, h, "/stubs/handler_api.php?api_key=wrong&action=getBalance"))
	assert.Equal(t, "BAD_KEY", call(t, h, "/stubs/handler_api.php?action=getBalance"))
}

func TestGetBalance(t *testing.T) {
	h := newTestHandler(newFakeStore(), &fakeAllocator{}, &fakeCooldowns{})
	assert.Equal(t, "ACCESS_BALANCE:9999", call(t, h, "/stubs/handler_api.php?api_key=good-key&action=getBalance"))
}

func TestUnknownAction(t *testing.T) {
	h := newTestHandler(newFakeStore(), &fakeAllocator{}, &fakeCooldowns{})
	assert.Equal(t, "BAD_ACTION", call(t, h, "/stubs/handler_api.php?api_key=good-key&action=frobnicate"))
}

func TestGetNumber(t *testing.T) {
	lease := &database.Lease{ID: 321, Number: "+79991234567", APIKeyID: 9}
	h := newTestHandler(newFakeStore(), &fakeAllocator{lease: lease}, &fakeCooldowns{})

	got := call(t, h, "/stubs/handler_api.php?api_key=good-key&action=getNumber&service=tg&country=1")
	assert.Equal(t, "ACCESS_NUMBER:321:79991234567", got)
}

func TestGetNumberSentinels(t *testing.T) {
	base := "/stubs/handler_api.php?api_key=good-key&action=getNumber"
	cases := []struct {
		name string
		err  error
		url  string
		want string
	}{
		{"missing params", nil, base, "BAD_ACTION"},
		{"bad service", allocator.ErrBadService, base + "&service=x&country=1", "BAD_SERVICE"},
		{"exhausted", allocator.ErrNoNumbers, base + "&service=tg&country=1", "NO_NUMBERS"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandler(newFakeStore(), &fakeAllocator{err: tc.err}, &fakeCooldowns{})
			assert.Equal(t, tc.want, call(t, h, tc.url))
		})
	}
}

func TestGetRepeatNumberSentinels(t *testing.T) {
	base := "/stubs/handler_api.php?api_key=good-key&action=getRepeatNumber&service=tg"
	cases := []struct {
		name string
		err  error
		url  string
		want string
	}{
		{"missing number", nil, base, "BAD_ACTION"},
		{"unparseable number", nil, base + "&number=abc", "BAD_NUMBER"},
		{"unknown number", allocator.ErrBadNumber, base + "&number=79991234567", "BAD_NUMBER"},
		{"busy", allocator.ErrNumberBusy, base + "&number=79991234567", "NUMBER_BUSY"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandler(newFakeStore(), &fakeAllocator{err: tc.err}, &fakeCooldowns{})
			assert.Equal(t, tc.want, call(t, h, tc.url))
		})
	}
}

func TestGetStatusFlow(t *testing.T) {
	store := newFakeStore()
	store.leases[7] = &database.Lease{ID: 7, Number: "+79991234567", ServiceID: 1, APIKeyID: 9, Status: database.LeaseAwaitingCode}
	h := newTestHandler(store, &fakeAllocator{}, &fakeCooldowns{})
	base := "/stubs/handler_api.php?api_key=good-key&action=getStatus"

	assert.Equal(t, "STATUS_WAIT_CODE", call(t, h, base+"&id=7"))

	store.leases[7].Status = database.LeaseAwaitingRetry
	assert.Equal(t, "STATUS_WAIT_RETRY", call(t, h, base+"&id=7"))

	code := "482913"
	store.msgs[7] = append(store.msgs[7], &code)
	store.leases[7].Status = database.LeaseCodeReceived
	assert.Equal(t, "STATUS_OK:482913", call(t, h, base+"&id=7"))

	// A code-less follow-up SMS puts the activation back into waiting.
	store.msgs[7] = append(store.msgs[7], nil)
	assert.Equal(t, "STATUS_WAIT_CODE", call(t, h, base+"&id=7"))

	store.leases[7].Status = database.LeaseCompleted
	assert.Equal(t, "STATUS_CANCEL", call(t, h, base+"&id=7"))

	assert.Equal(t, "NO_ACTIVATION", call(t, h, base+"&id=999"))
	assert.Equal(t, "BAD_ACTION", call(t, h, base))
}

func TestGetStatusForeignKey(t *testing.T) {
	store := newFakeStore()
	store.leases[7] = &database.Lease{ID: 7, APIKeyID: 12345, Status: database.LeaseAwaitingCode}
	h := newTestHandler(store, &fakeAllocator{}, &fakeCooldowns{})

	// Another tenant's lease reads as missing.
	assert.Equal(t, "NO_ACTIVATION", call(t, h, "/stubs/handler_api.php?api_key=good-key&action=getStatus&id=7"))
}

func TestSetStatus(t *testing.T) {
	store := newFakeStore()
	store.leases[7] = &database.Lease{ID: 7, Number: "+79991234567", ServiceID: 1, APIKeyID: 9, Status: database.LeaseAwaitingCode}
	cd := &fakeCooldowns{}
	h := newTestHandler(store, &fakeAllocator{}, cd)
	base := "/stubs/handler_api.php?api_key=good-key&action=setStatus"

	assert.Equal(t, "ACCESS_RETRY_GET", call(t, h, base+"&id=7&status=3"))
	assert.Equal(t, database.LeaseAwaitingRetry, store.leases[7].Status)
	assert.Empty(t, cd.set)

	assert.Equal(t, "ACCESS_ACTIVATION", call(t, h, base+"&id=7&status=6"))
	assert.Equal(t, database.LeaseCompleted, store.leases[7].Status)
	require.Len(t, cd.set, 1)
	assert.Equal(t, "+79991234567", cd.set[0])
	assert.Equal(t, []string{"+79991234567"}, cd.cleared)

	assert.Equal(t, "ACCESS_CANCEL", call(t, h, base+"&id=7&status=8"))
	assert.Equal(t, "BAD_ACTION", call(t, h, base+"&id=7&status=4"))
	assert.Equal(t, "NO_ACTIVATION", call(t, h, base+"&id=99&status=6"))
}

func TestGetNumbersStatus(t *testing.T) {
	store := newFakeStore()
	store.services = []database.Service{{ID: 1, Code: "tg"}, {ID: 2, Code: "wa"}}
	store.freeCount[1] = 5
	h := newTestHandler(store, &fakeAllocator{}, &fakeCooldowns{})

	got := call(t, h, "/stubs/handler_api.php?api_key=good-key&action=getNumbersStatus&country=1")
	assert.JSONEq(t, `{"tg_0": 5, "wa_0": 5}`, got)

	assert.Equal(t, "BAD_ACTION", call(t, h, "/stubs/handler_api.php?api_key=good-key&action=getNumbersStatus"))
}
