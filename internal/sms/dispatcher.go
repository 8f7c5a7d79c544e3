package sms

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/andrsolo/numgate/internal/database"
	"github.com/andrsolo/numgate/internal/logging"
	"github.com/andrsolo/numgate/pkg/phone"
	"github.com/andrsolo/numgate/pkg/smpp"
)

// LeaseStore is the slice of the database layer the dispatcher needs.
type LeaseStore interface {
	OpenLeasesForNumber(ctx context.Context, number string) ([]database.LeaseCandidate, error)
	RecordInbound(ctx context.Context, leaseID int64, sourceAddr, text string, code *string) (*database.InboundMessage, error)
	SaveOrphan(ctx context.Context, o *database.OrphanMessage) error
	GetPhoneByNumber(ctx context.Context, number string) (*database.PhoneNumber, error)
}

// DispatchCache covers the race markers and usage counters consulted on the
// inbound path, normally usage.Tracker.
type DispatchCache interface {
	HasPending(ctx context.Context, number string) bool
	ClearPending(ctx context.Context, number string)
	Incr(ctx context.Context, serviceID, countryID, providerID int32)
}

// Dispatcher decides what an inbound SMS is: a code for an open lease, or
// orphan traffic. Its return value is the SMPP status the session answers
// with.
type Dispatcher struct {
	store      LeaseStore
	cache      DispatchCache
	regionHint string
	retryWait  time.Duration
	logger     *slog.Logger
}

func NewDispatcher(store LeaseStore, cache DispatchCache, regionHint string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:      store,
		cache:      cache,
		regionHint: regionHint,
		retryWait:  200 * time.Millisecond,
		logger:     logger,
	}
}

// Dispatch matches one decoded message. Returns StatusOK on a successful
// lease match, StatusInvSenderID for orphaned traffic, StatusSysErr when
// the store fails.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) uint32 {
	source := strings.TrimSpace(msg.Source)
	dest := phone.Normalize(msg.Dest, d.regionHint)
	ctx = logging.ContextWithMSISDN(ctx, dest)

	if dest == "" {
		d.logger.WarnContext(ctx, "inbound SMS with unparseable destination",
			"dest_raw", msg.Dest, "source", source)
		d.saveOrphan(ctx, msg.Dest, source, msg.Text, nil)
		return smpp.StatusInvSenderID
	}

	candidates, err := d.store.OpenLeasesForNumber(ctx, dest)
	if err != nil {
		d.logger.ErrorContext(ctx, "lease lookup failed", "error", err)
		return smpp.StatusSysErr
	}

	// The SMS can outrun the lease commit. If the allocator left a pending
	// marker, wait once and look again.
	if len(candidates) == 0 && d.cache.HasPending(ctx, dest) {
		d.logger.InfoContext(ctx, "no lease yet but pending marker set, retrying once")
		select {
		case <-ctx.Done():
			return smpp.StatusSysErr
		case <-time.After(d.retryWait):
		}
		candidates, err = d.store.OpenLeasesForNumber(ctx, dest)
		if err != nil {
			d.logger.ErrorContext(ctx, "lease lookup retry failed", "error", err)
			return smpp.StatusSysErr
		}
	}

	if len(candidates) == 0 {
		d.logger.WarnContext(ctx, "no open lease for inbound SMS", "source", source)
		d.saveOrphanAttributed(ctx, dest, source, msg.Text)
		return smpp.StatusInvSenderID
	}

	var matched *database.LeaseCandidate
	for i := range candidates {
		c := &candidates[i]
		if senderAllowed(source, c.AllowedSenders, c.ServiceName) {
			matched = c
			break
		}
	}

	if matched == nil {
		d.logger.WarnContext(ctx, "sender not authorized for any open lease",
			"source", source, "candidates", len(candidates))
		d.saveOrphanAttributed(ctx, dest, source, msg.Text)
		return smpp.StatusInvSenderID
	}

	ctx = logging.ContextWithLeaseID(ctx, matched.ID)

	var codePtr *string
	if code := ParseCode(msg.Text); code != "" {
		codePtr = &code
	}

	if _, err := d.store.RecordInbound(ctx, matched.ID, source, msg.Text, codePtr); err != nil {
		d.logger.ErrorContext(ctx, "recording inbound message failed", "error", err)
		return smpp.StatusSysErr
	}
	d.cache.ClearPending(ctx, dest)

	if n, err := d.store.GetPhoneByNumber(ctx, dest); err == nil {
		d.cache.Incr(ctx, matched.ServiceID, n.CountryID, n.ProviderID)
	}

	d.logger.InfoContext(ctx, "inbound SMS matched",
		"source", source, "service", matched.ServiceCode, "has_code", codePtr != nil)
	return smpp.StatusOK
}

// DispatchPartial records an evicted, never-completed fragment.
func (d *Dispatcher) DispatchPartial(ctx context.Context, msg Message) {
	dest := phone.Normalize(msg.Dest, d.regionHint)
	if dest == "" {
		dest = msg.Dest
	}
	d.saveOrphanAttributed(ctx, dest, strings.TrimSpace(msg.Source), msg.Text)
}

// saveOrphanAttributed looks up the number row for best-effort
// provider/country/operator attribution before storing the orphan.
func (d *Dispatcher) saveOrphanAttributed(ctx context.Context, dest, source, text string) {
	n, err := d.store.GetPhoneByNumber(ctx, dest)
	if err != nil {
		d.saveOrphan(ctx, dest, source, text, nil)
		return
	}
	d.saveOrphan(ctx, dest, source, text, n)
}

func (d *Dispatcher) saveOrphan(ctx context.Context, dest, source, text string, n *database.PhoneNumber) {
	o := &database.OrphanMessage{Number: dest, SourceAddr: source, Text: text}
	if n != nil {
		o.ProviderID = &n.ProviderID
		o.CountryID = &n.CountryID
		o.Operator = n.Operator
	}
	if err := d.store.SaveOrphan(ctx, o); err != nil {
		d.logger.ErrorContext(ctx, "saving orphan failed", "error", err)
		return
	}
	d.logger.InfoContext(ctx, "orphan SMS stored", "orphan_id", o.ID, "source", source)
}
