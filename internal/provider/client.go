package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/andrsolo/numgate/internal/logging"
	"github.com/andrsolo/numgate/internal/sms"
	"github.com/andrsolo/numgate/pkg/smpp"
)

// client is the outbound counterpart of a server session: same PDUs, same
// dispatch, but this side initiates the bind and sends keepalives.
type client struct {
	conn         net.Conn
	decoder      Decoder
	dispatcher   Dispatcher
	logger       *slog.Logger
	readTimeout  time.Duration
	writeTimeout time.Duration

	writeMu sync.Mutex
	seq     uint32
}

func (c *client) nextSeq() uint32 {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.seq++
	return c.seq
}

func (c *client) write(p *smpp.PDU) error {
	raw, err := smpp.Marshal(p)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_, err = c.conn.Write(raw)
	return err
}

// bind sends bind_transceiver and waits for an OK response. Anything the
// provider sends before the bind response is unexpected and fails the bind.
func (c *client) bind(ctx context.Context, systemID, password string) error {
	req := &smpp.PDU{
		Header: smpp.Header{Sequence: c.nextSeq()},
		Body: &smpp.BindRequest{
			Kind:             smpp.CmdBindTransceiver,
			SystemID:         systemID,
			Password:         password,
			InterfaceVersion: smpp.InterfaceVersion,
		},
	}
	if err := c.write(req); err != nil {
		return fmt.Errorf("send bind: %w", err)
	}

	if c.readTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	resp, err := smpp.ReadPDU(c.conn)
	if err != nil {
		return fmt.Errorf("read bind response: %w", err)
	}
	if resp.Header.ID != smpp.CmdBindTransceiverResp {
		return fmt.Errorf("unexpected PDU 0x%08X before bind response", resp.Header.ID)
	}
	if resp.Header.Status != smpp.StatusOK {
		return &bindError{status: resp.Header.Status}
	}
	return nil
}

// serve reads until the connection drops, answering keepalives and routing
// deliver_sm through the shared dispatcher. A second goroutine sends our own
// enquire_link on a ticker.
func (c *client) serve(ctx context.Context, enquireInterval time.Duration) error {
	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go c.pingLoop(pingCtx, enquireInterval)

	for {
		if c.readTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		}
		p, err := smpp.ReadPDU(c.conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		pduCtx := logging.ContextWithPDUInfo(ctx, p.Header.ID, p.Header.Sequence)
		switch p.Body.(type) {
		case *smpp.DeliverSM:
			c.handleDeliver(pduCtx, p)
		case *smpp.EnquireLink:
			if err := c.write(smpp.NewResponse(p, smpp.StatusOK)); err != nil {
				return err
			}
		case *smpp.Unbind:
			_ = c.write(smpp.NewResponse(p, smpp.StatusOK))
			return fmt.Errorf("provider requested unbind")
		case *smpp.EnquireLinkResp, *smpp.DeliverSMResp, *smpp.SubmitSMResp, *smpp.UnbindResp, *smpp.GenericNack:
			// Keepalive and message acknowledgements.
		default:
			c.logger.WarnContext(pduCtx, "unsupported PDU from provider")
			if err := c.write(smpp.NewResponse(p, smpp.StatusInvCmdID)); err != nil {
				return err
			}
		}
	}
}

func (c *client) handleDeliver(ctx context.Context, p *smpp.PDU) {
	msg, complete, err := c.decoder.Decode(p)
	if err != nil {
		c.logger.ErrorContext(ctx, "decode failed", "error", err)
		_ = c.write(smpp.NewResponse(p, smpp.StatusSysErr))
		return
	}
	if !complete {
		_ = c.write(smpp.NewResponse(p, smpp.StatusOK))
		return
	}
	status := c.dispatch(ctx, msg)
	_ = c.write(smpp.NewResponse(p, status))
}

// dispatch contains panics from the business layer so one bad message
// cannot take down the provider link or the process.
func (c *client) dispatch(ctx context.Context, msg sms.Message) (status uint32) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.ErrorContext(ctx, "panic during dispatch", "panic", r)
			status = smpp.StatusSysErr
		}
	}()
	return c.dispatcher.Dispatch(ctx, msg)
}

func (c *client) pingLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p := &smpp.PDU{Header: smpp.Header{Sequence: c.nextSeq()}, Body: &smpp.EnquireLink{}}
			if err := c.write(p); err != nil {
				// The read loop will notice the broken connection.
				return
			}
		}
	}
}
