package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/andrsolo/numgate/internal/allocator"
	"github.com/andrsolo/numgate/internal/database"
	"github.com/andrsolo/numgate/internal/logging"
	"github.com/andrsolo/numgate/pkg/phone"
)

// Sentinel responses. These strings are a compatibility contract with
// existing API clients and must be reproduced byte-exactly.
const (
	respBadKey        = "BAD_KEY"
	respBadAction     = "BAD_ACTION"
	respBadService    = "BAD_SERVICE"
	respBadNumber     = "BAD_NUMBER"
	respNumberBusy    = "NUMBER_BUSY"
	respNoNumbers     = "NO_NUMBERS"
	respNoActivation  = "NO_ACTIVATION"
	respBalance       = "ACCESS_BALANCE:9999"
	respWaitCode      = "STATUS_WAIT_CODE"
	respWaitRetry     = "STATUS_WAIT_RETRY"
	respStatusCancel  = "STATUS_CANCEL"
	respRetryGet      = "ACCESS_RETRY_GET"
	respActivationOK  = "ACCESS_ACTIVATION"
	respCancelOK      = "ACCESS_CANCEL"
	respInternalError = "ERROR_SQL"
)

// Store is the slice of the database layer the API needs.
type Store interface {
	GetAPIKey(ctx context.Context, key string) (*database.APIKey, error)
	GetLeaseForKey(ctx context.Context, leaseID int64, apiKeyID int32) (*database.Lease, error)
	LatestCode(ctx context.Context, leaseID int64) (string, error)
	SetLeaseStatus(ctx context.Context, leaseID int64, status int16) error
	ConcludeLease(ctx context.Context, leaseID int64, status int16) (*database.Lease, error)
	Services(ctx context.Context) ([]database.Service, error)
	FreeNumberCounts(ctx context.Context) (map[int32]int, error)
}

// Allocator reserves numbers, normally allocator.Allocator.
type Allocator interface {
	Allocate(ctx context.Context, serviceCode string, countryID int32, operator string, apiKeyID int32) (*database.Lease, error)
	Reallocate(ctx context.Context, serviceCode, number string, apiKeyID int32) (*database.Lease, error)
}

// Cooldowns quarantines a number when its lease concludes.
type Cooldowns interface {
	SetCooldown(ctx context.Context, serviceID int32, number string, d time.Duration)
	ClearPending(ctx context.Context, number string)
}

// APIHandler serves the handler_api.php protocol: one GET endpoint
// multiplexed on the action query parameter, answering with plain-text
// sentinels.
type APIHandler struct {
	store      Store
	alloc      Allocator
	cooldowns  Cooldowns
	cooldown   time.Duration
	regionHint string
	logger     *slog.Logger
}

func NewAPIHandler(store Store, alloc Allocator, cooldowns Cooldowns, cooldown time.Duration, regionHint string, logger *slog.Logger) *APIHandler {
	return &APIHandler{
		store:      store,
		alloc:      alloc,
		cooldowns:  cooldowns,
		cooldown:   cooldown,
		regionHint: regionHint,
		logger:     logger,
	}
}

func (h *APIHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	key, err := h.store.GetAPIKey(ctx, q.Get("api_key"))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeText(w, respBadKey)
			return
		}
		h.logger.ErrorContext(ctx, "api key lookup failed", "error", err)
		writeText(w, respInternalError)
		return
	}

	action := q.Get("action")
	switch action {
	case "getBalance":
		writeText(w, respBalance)
	case "getNumbersStatus":
		h.getNumbersStatus(ctx, w, q)
	case "getNumber":
		h.getNumber(ctx, w, q, key.ID)
	case "getRepeatNumber":
		h.getRepeatNumber(ctx, w, q, key.ID)
	case "getStatus":
		h.getStatus(ctx, w, q, key.ID)
	case "setStatus":
		h.setStatus(ctx, w, q, key.ID)
	default:
		writeText(w, respBadAction)
	}
}

// getNumbersStatus reports free-number counts per service code for one
// country, as {"<code>_0": n} JSON.
func (h *APIHandler) getNumbersStatus(ctx context.Context, w http.ResponseWriter, q urlValues) {
	country, ok := intParam(q, "country")
	if !ok {
		writeText(w, respBadAction)
		return
	}

	services, err := h.store.Services(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "service list failed", "error", err)
		writeText(w, respInternalError)
		return
	}
	counts, err := h.store.FreeNumberCounts(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "free number counts failed", "error", err)
		writeText(w, respInternalError)
		return
	}

	free := counts[int32(country)]
	out := make(map[string]int, len(services))
	for _, svc := range services {
		out[svc.Code+"_0"] = free
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (h *APIHandler) getNumber(ctx context.Context, w http.ResponseWriter, q urlValues, apiKeyID int32) {
	service := q.Get("service")
	country, ok := intParam(q, "country")
	if service == "" || !ok {
		writeText(w, respBadAction)
		return
	}
	operator := q.Get("operator")
	if operator == "any" {
		operator = ""
	}

	lease, err := h.alloc.Allocate(ctx, service, int32(country), operator, apiKeyID)
	switch {
	case errors.Is(err, allocator.ErrBadService):
		writeText(w, respBadService)
	case errors.Is(err, allocator.ErrNoNumbers):
		writeText(w, respNoNumbers)
	case err != nil:
		h.logger.ErrorContext(ctx, "allocation failed", "error", err)
		writeText(w, respInternalError)
	default:
		writeText(w, accessNumber(lease))
	}
}

func (h *APIHandler) getRepeatNumber(ctx context.Context, w http.ResponseWriter, q urlValues, apiKeyID int32) {
	service := q.Get("service")
	number := q.Get("number")
	if service == "" || number == "" {
		writeText(w, respBadAction)
		return
	}
	norm := phone.Normalize(number, h.regionHint)
	if norm == "" {
		writeText(w, respBadNumber)
		return
	}

	lease, err := h.alloc.Reallocate(ctx, service, norm, apiKeyID)
	switch {
	case errors.Is(err, allocator.ErrBadService):
		writeText(w, respBadService)
	case errors.Is(err, allocator.ErrBadNumber):
		writeText(w, respBadNumber)
	case errors.Is(err, allocator.ErrNumberBusy):
		writeText(w, respNumberBusy)
	case errors.Is(err, allocator.ErrNoNumbers):
		writeText(w, respNoNumbers)
	case err != nil:
		h.logger.ErrorContext(ctx, "reallocation failed", "error", err)
		writeText(w, respInternalError)
	default:
		writeText(w, accessNumber(lease))
	}
}

func (h *APIHandler) getStatus(ctx context.Context, w http.ResponseWriter, q urlValues, apiKeyID int32) {
	leaseID, ok := int64Param(q, "id")
	if !ok {
		writeText(w, respBadAction)
		return
	}

	lease, err := h.store.GetLeaseForKey(ctx, leaseID, apiKeyID)
	if errors.Is(err, database.ErrNotFound) {
		writeText(w, respNoActivation)
		return
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "lease lookup failed", "error", err)
		writeText(w, respInternalError)
		return
	}

	if lease.Status == database.LeaseCompleted || lease.Status == database.LeaseCancelled {
		writeText(w, respStatusCancel)
		return
	}

	code, err := h.store.LatestCode(ctx, leaseID)
	if err == nil {
		writeText(w, "STATUS_OK:"+code)
		return
	}
	if !errors.Is(err, database.ErrNotFound) {
		h.logger.ErrorContext(ctx, "code lookup failed", "error", err)
		writeText(w, respInternalError)
		return
	}

	if lease.Status == database.LeaseAwaitingRetry {
		writeText(w, respWaitRetry)
		return
	}
	writeText(w, respWaitCode)
}

func (h *APIHandler) setStatus(ctx context.Context, w http.ResponseWriter, q urlValues, apiKeyID int32) {
	leaseID, okID := int64Param(q, "id")
	status, okStatus := intParam(q, "status")
	if !okID || !okStatus {
		writeText(w, respBadAction)
		return
	}

	lease, err := h.store.GetLeaseForKey(ctx, leaseID, apiKeyID)
	if errors.Is(err, database.ErrNotFound) {
		writeText(w, respNoActivation)
		return
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "lease lookup failed", "error", err)
		writeText(w, respInternalError)
		return
	}
	ctx = logging.ContextWithLeaseID(ctx, lease.ID)

	switch int16(status) {
	case database.LeaseAwaitingRetry:
		if err := h.store.SetLeaseStatus(ctx, leaseID, database.LeaseAwaitingRetry); err != nil {
			h.logger.ErrorContext(ctx, "status update failed", "error", err)
			writeText(w, respInternalError)
			return
		}
		writeText(w, respRetryGet)

	case database.LeaseCompleted, database.LeaseCancelled:
		concluded, err := h.store.ConcludeLease(ctx, leaseID, int16(status))
		if err != nil {
			h.logger.ErrorContext(ctx, "lease conclusion failed", "error", err)
			writeText(w, respInternalError)
			return
		}
		h.cooldowns.SetCooldown(ctx, concluded.ServiceID, concluded.Number, h.cooldown)
		h.cooldowns.ClearPending(ctx, concluded.Number)
		h.logger.InfoContext(ctx, "lease concluded",
			"msisdn", concluded.Number, "status", status)
		if int16(status) == database.LeaseCompleted {
			writeText(w, respActivationOK)
		} else {
			writeText(w, respCancelOK)
		}

	default:
		writeText(w, respBadAction)
	}
}

func accessNumber(lease *database.Lease) string {
	return fmt.Sprintf("ACCESS_NUMBER:%d:%s", lease.ID, strings.TrimPrefix(lease.Number, "+"))
}

type urlValues interface {
	Get(key string) string
}

func intParam(q urlValues, name string) (int, bool) {
	v, err := strconv.Atoi(q.Get(name))
	if err != nil {
		return 0, false
	}
	return v, true
}

func int64Param(q urlValues, name string) (int64, bool) {
	v, err := strconv.ParseInt(q.Get(name), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func writeText(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(body))
}
