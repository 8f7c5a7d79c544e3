package smppserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/andrsolo/numgate/internal/logging"
	"github.com/andrsolo/numgate/internal/sms"
	"github.com/andrsolo/numgate/pkg/smpp"
)

// Decoder turns message PDUs into text, reassembling multipart messages.
type Decoder interface {
	Decode(p *smpp.PDU) (sms.Message, bool, error)
}

// Dispatcher routes a decoded message and returns the SMPP response status.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg sms.Message) uint32
}

type sessionPhase int

const (
	phaseConnected sessionPhase = iota
	phaseBound
	phaseClosed
)

// Session owns one accepted TCP connection: the bind state machine, the
// read loop and all responses. A session never outlives its connection.
type Session struct {
	conn         net.Conn
	systemID     string // ours, echoed in bind responses
	providerID   int32
	peerSystemID string
	phase        sessionPhase

	decoder    Decoder
	dispatcher Dispatcher
	logger     *slog.Logger

	readTimeout  time.Duration
	writeTimeout time.Duration

	seq uint32 // sequence numbers for PDUs we originate (DLRs)
}

func newSession(conn net.Conn, providerID int32, systemID string, decoder Decoder, dispatcher Dispatcher, readTimeout, writeTimeout time.Duration, logger *slog.Logger) *Session {
	return &Session{
		conn:         conn,
		providerID:   providerID,
		systemID:     systemID,
		phase:        phaseConnected,
		decoder:      decoder,
		dispatcher:   dispatcher,
		logger:       logger,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// serve runs the read loop until unbind, a framing error, connection loss or
// context cancellation. It always closes the connection on the way out.
func (s *Session) serve(ctx context.Context) {
	defer s.conn.Close()

	ctx = logging.ContextWithRemoteAddr(ctx, s.conn.RemoteAddr().String())
	if s.providerID != 0 {
		ctx = logging.ContextWithProviderID(ctx, s.providerID)
	}
	s.logger.InfoContext(ctx, "SMPP connection accepted")

	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	for s.phase != phaseClosed {
		if s.readTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		}
		p, err := smpp.ReadPDU(s.conn)
		if err != nil {
			s.logReadError(ctx, err)
			return
		}

		pduCtx := logging.ContextWithPDUInfo(ctx, p.Header.ID, p.Header.Sequence)
		if s.peerSystemID != "" {
			pduCtx = logging.ContextWithSystemID(pduCtx, s.peerSystemID)
		}
		s.handle(pduCtx, p)
	}
}

func (s *Session) logReadError(ctx context.Context, err error) {
	switch {
	case errors.Is(err, smpp.ErrFraming):
		// Stream is unrecoverable after a corrupt length. No response.
		s.logger.ErrorContext(ctx, "framing error, closing connection", "error", err)
	case errors.Is(err, io.EOF):
		s.logger.InfoContext(ctx, "peer closed connection")
	case s.phase == phaseClosed:
		// Expected after unbind.
	default:
		s.logger.WarnContext(ctx, "read failed, closing connection", "error", err)
	}
}

func (s *Session) handle(ctx context.Context, p *smpp.PDU) {
	if bind, ok := p.Body.(*smpp.BindRequest); ok {
		s.handleBind(ctx, p, bind)
		return
	}

	// Before the bind everything else is logged and ignored: a grace period
	// for slow binders, never a response.
	if s.phase != phaseBound {
		s.logger.WarnContext(ctx, "command before bind, ignoring")
		return
	}

	switch p.Body.(type) {
	case *smpp.EnquireLink:
		s.respond(ctx, smpp.NewResponse(p, smpp.StatusOK))
	case *smpp.Unbind:
		s.logger.InfoContext(ctx, "unbind received, closing")
		s.respond(ctx, smpp.NewResponse(p, smpp.StatusOK))
		s.phase = phaseClosed
	case *smpp.SubmitSM:
		s.handleMessage(ctx, p, true)
	case *smpp.DeliverSM:
		s.handleMessage(ctx, p, false)
	case *smpp.EnquireLinkResp, *smpp.UnbindResp, *smpp.SubmitSMResp, *smpp.DeliverSMResp, *smpp.BindResponse, *smpp.GenericNack:
		// Responses to PDUs we originated (DLRs) need no action.
	default:
		s.logger.WarnContext(ctx, "unsupported command")
		s.respond(ctx, smpp.NewResponse(p, smpp.StatusInvCmdID))
	}
}

func (s *Session) handleBind(ctx context.Context, p *smpp.PDU, bind *smpp.BindRequest) {
	if s.phase == phaseBound {
		s.logger.WarnContext(ctx, "duplicate bind, re-acknowledging", "system_id", bind.SystemID)
	}
	s.peerSystemID = bind.SystemID
	s.phase = phaseBound
	s.logger.InfoContext(logging.ContextWithSystemID(ctx, bind.SystemID), "bind successful")
	s.respond(ctx, smpp.NewBindResponse(p, bind, s.systemID, smpp.StatusOK))
}

// handleMessage serves submit_sm and deliver_sm. Business failures are
// answered with a status and never close the connection.
func (s *Session) handleMessage(ctx context.Context, p *smpp.PDU, isSubmit bool) {
	msg, complete, err := s.decoder.Decode(p)
	if err != nil {
		s.logger.ErrorContext(ctx, "decode failed", "error", err)
		s.respond(ctx, s.messageResponse(p, smpp.StatusSysErr, ""))
		return
	}

	if !complete {
		// Segment accepted and parked; a full message will follow (or the
		// sweep discards it).
		s.respond(ctx, s.messageResponse(p, smpp.StatusOK, uuid.NewString()))
		return
	}

	status := s.dispatch(ctx, msg)

	msgID := ""
	if status == smpp.StatusOK {
		msgID = uuid.NewString()
	}
	s.respond(ctx, s.messageResponse(p, status, msgID))

	if isSubmit && status == smpp.StatusOK {
		s.sendDeliveryReceipt(ctx, msg, msgID)
	}
}

// dispatch contains panics from the business layer: a broken message must
// cost one SYSERR response, not the connection or the process.
func (s *Session) dispatch(ctx context.Context, msg sms.Message) (status uint32) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "panic during dispatch", "panic", r)
			status = smpp.StatusSysErr
		}
	}()
	return s.dispatcher.Dispatch(ctx, msg)
}

func (s *Session) messageResponse(p *smpp.PDU, status uint32, msgID string) *smpp.PDU {
	h := smpp.Header{Status: status, Sequence: p.Header.Sequence}
	switch p.Body.(type) {
	case *smpp.SubmitSM:
		return &smpp.PDU{Header: h, Body: &smpp.SubmitSMResp{MessageID: msgID}}
	default:
		return &smpp.PDU{Header: h, Body: &smpp.DeliverSMResp{MessageID: msgID}}
	}
}

// sendDeliveryReceipt synthesizes an unsolicited deliver_sm confirming a
// submit_sm we just accepted, with source and destination swapped.
func (s *Session) sendDeliveryReceipt(ctx context.Context, msg sms.Message, msgID string) {
	s.seq++
	dlr := &smpp.DeliverSM{}
	dlr.SourceAddr = msg.Dest
	dlr.DestAddr = msg.Source
	dlr.EsmClass = smpp.EsmClassDeliveryReceipt
	dlr.ShortMessage = []byte(receiptBody(msgID, msg.Text, time.Now()))
	dlr.TLVs = []smpp.TLV{
		{Tag: smpp.TagReceiptedMessageID, Value: append([]byte(msgID), 0)},
		{Tag: smpp.TagMessageState, Value: []byte{smpp.MessageStateDelivered}},
	}

	s.respond(ctx, &smpp.PDU{Header: smpp.Header{Sequence: s.seq}, Body: dlr})
	s.logger.InfoContext(ctx, "delivery receipt sent", "message_id", msgID)
}

// receiptBody renders the conventional DLR text with a 20-character preview
// of the original message. Truncation counts runes, not bytes, so a UCS2
// source never yields broken UTF-8.
func receiptBody(msgID, text string, now time.Time) string {
	stamp := now.Format("0601021504")
	preview := text
	if runes := []rune(preview); len(runes) > 20 {
		preview = string(runes[:20])
	}
	var b strings.Builder
	b.WriteString("id:")
	b.WriteString(msgID)
	b.WriteString(" sub:001 dlvrd:001 submit date:")
	b.WriteString(stamp)
	b.WriteString(" done date:")
	b.WriteString(stamp)
	b.WriteString(" stat:DELIVRD err:000 text:")
	b.WriteString(preview)
	return b.String()
}

func (s *Session) respond(ctx context.Context, p *smpp.PDU) {
	raw, err := smpp.Marshal(p)
	if err != nil {
		s.logger.ErrorContext(ctx, "marshal response failed", "error", err)
		return
	}
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if _, err := s.conn.Write(raw); err != nil {
		s.logger.WarnContext(ctx, "write failed, closing connection", "error", err)
		s.phase = phaseClosed
	}
}
