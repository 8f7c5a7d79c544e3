package logging

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	providerIDKey contextKey = "provider_id"
	leaseIDKey    contextKey = "lease_id"
	systemIDKey   contextKey = "system_id"
	msisdnKey     contextKey = "msisdn"
	remoteAddrKey contextKey = "remote_addr"
	commandIDKey  contextKey = "cmd_id"
	sequenceKey   contextKey = "seq_num"
)

// ContextHandler wraps another slog.Handler and adds attributes carried in
// the context, so call sites only need slog.InfoContext(ctx, ...).
type ContextHandler struct {
	slog.Handler
}

// NewContextHandler creates a handler that extracts values from context.
func NewContextHandler(h slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: h}
}

// Handle adds context attributes before calling the wrapped handler.
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id, ok := ctx.Value(providerIDKey).(int32); ok {
		r.AddAttrs(slog.Int("provider_id", int(id)))
	}
	if id, ok := ctx.Value(leaseIDKey).(int64); ok {
		r.AddAttrs(slog.Int64("lease_id", id))
	}
	if sysID, ok := ctx.Value(systemIDKey).(string); ok {
		r.AddAttrs(slog.String("system_id", sysID))
	}
	if msisdn, ok := ctx.Value(msisdnKey).(string); ok {
		r.AddAttrs(slog.String("msisdn", msisdn))
	}
	if addr, ok := ctx.Value(remoteAddrKey).(string); ok {
		r.AddAttrs(slog.String("remote_addr", addr))
	}
	if cmd, ok := ctx.Value(commandIDKey).(uint32); ok {
		r.AddAttrs(slog.String("cmd_id", commandName(cmd)))
	}
	if seq, ok := ctx.Value(sequenceKey).(uint32); ok {
		r.AddAttrs(slog.Int64("seq_num", int64(seq)))
	}
	return h.Handler.Handle(ctx, r)
}

func ContextWithProviderID(ctx context.Context, id int32) context.Context {
	return context.WithValue(ctx, providerIDKey, id)
}

func ContextWithLeaseID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, leaseIDKey, id)
}

func ContextWithSystemID(ctx context.Context, systemID string) context.Context {
	return context.WithValue(ctx, systemIDKey, systemID)
}

func ContextWithMSISDN(ctx context.Context, msisdn string) context.Context {
	return context.WithValue(ctx, msisdnKey, msisdn)
}

func ContextWithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, remoteAddrKey, addr)
}

func ContextWithPDUInfo(ctx context.Context, commandID, sequence uint32) context.Context {
	ctx = context.WithValue(ctx, commandIDKey, commandID)
	return context.WithValue(ctx, sequenceKey, sequence)
}

func commandName(id uint32) string {
	switch id {
	case 0x00000001:
		return "bind_receiver"
	case 0x00000002:
		return "bind_transmitter"
	case 0x00000009:
		return "bind_transceiver"
	case 0x00000004:
		return "submit_sm"
	case 0x00000005:
		return "deliver_sm"
	case 0x00000006:
		return "unbind"
	case 0x00000015:
		return "enquire_link"
	default:
		return "0x" + hex32(id)
	}
}

func hex32(v uint32) string {
	const digits = "0123456789ABCDEF"
	var b [8]byte
	for i := 7; i >= 0; i-- {
		b[i] = digits[v&0xF]
		v >>= 4
	}
	return string(b[:])
}
