package smpp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrFraming reports a corrupt command_length. The byte stream cannot be
// resynchronized after it; callers must close the connection.
var ErrFraming = errors.New("smpp: invalid PDU length, stream corrupt")

// ReadPDU reads and decodes exactly one PDU from the stream.
//
// A command_length outside [16, 65536] yields ErrFraming. An unknown command
// id is not fatal: the body is preserved as a RawBody so the session can
// reply with generic_nack.
func ReadPDU(r io.Reader) (*PDU, error) {
	var head [headerLen]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}

	h := Header{
		Length:   binary.BigEndian.Uint32(head[0:4]),
		ID:       binary.BigEndian.Uint32(head[4:8]),
		Status:   binary.BigEndian.Uint32(head[8:12]),
		Sequence: binary.BigEndian.Uint32(head[12:16]),
	}
	if h.Length < headerLen || h.Length > MaxPDULen {
		return nil, fmt.Errorf("%w: command_length=%d", ErrFraming, h.Length)
	}

	body := make([]byte, h.Length-headerLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	b := newBody(h.ID)
	if err := b.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("decode 0x%08X: %w", h.ID, err)
	}
	return &PDU{Header: h, Body: b}, nil
}

// Marshal encodes the PDU, computing command_length and command_id from the
// body. Header status and sequence are taken as-is.
func Marshal(p *PDU) ([]byte, error) {
	body, err := p.Body.Marshal()
	if err != nil {
		return nil, err
	}
	p.Header.Length = uint32(headerLen + len(body))
	p.Header.ID = p.Body.CommandID()

	out := make([]byte, headerLen, headerLen+len(body))
	binary.BigEndian.PutUint32(out[0:4], p.Header.Length)
	binary.BigEndian.PutUint32(out[4:8], p.Header.ID)
	binary.BigEndian.PutUint32(out[8:12], p.Header.Status)
	binary.BigEndian.PutUint32(out[12:16], p.Header.Sequence)
	return append(out, body...), nil
}

func newBody(commandID uint32) Body {
	switch commandID {
	case CmdBindReceiver, CmdBindTransmitter, CmdBindTransceiver:
		return &BindRequest{Kind: commandID}
	case CmdBindReceiverResp, CmdBindTransmitterResp, CmdBindTransceiverResp:
		return &BindResponse{Kind: commandID}
	case CmdSubmitSM:
		return &SubmitSM{}
	case CmdSubmitSMResp:
		return &SubmitSMResp{}
	case CmdDeliverSM:
		return &DeliverSM{}
	case CmdDeliverSMResp:
		return &DeliverSMResp{}
	case CmdEnquireLink:
		return &EnquireLink{}
	case CmdEnquireLinkResp:
		return &EnquireLinkResp{}
	case CmdUnbind:
		return &Unbind{}
	case CmdUnbindResp:
		return &UnbindResp{}
	case CmdGenericNack:
		return &GenericNack{}
	default:
		return &RawBody{ID: commandID}
	}
}

// IsResponse reports whether the command id is a response id.
func IsResponse(commandID uint32) bool { return commandID&0x80000000 != 0 }

// ResponseID maps a request command id to its response id. Bind variants map
// to their fixed response ids; for everything else the high bit is set.
func ResponseID(requestID uint32) uint32 {
	switch requestID {
	case CmdBindReceiver:
		return CmdBindReceiverResp
	case CmdBindTransmitter:
		return CmdBindTransmitterResp
	case CmdBindTransceiver:
		return CmdBindTransceiverResp
	default:
		return requestID | 0x80000000
	}
}

// NewBindResponse builds the matching *_resp for a bind request, echoing the
// request sequence number.
func NewBindResponse(req *PDU, bind *BindRequest, systemID string, status uint32) *PDU {
	return &PDU{
		Header: Header{Status: status, Sequence: req.Header.Sequence},
		Body:   &BindResponse{Kind: ResponseID(bind.Kind), SystemID: systemID},
	}
}

// NewResponse builds an empty-bodied (or message-id-bearing) response for the
// given request, echoing its sequence number.
func NewResponse(req *PDU, status uint32) *PDU {
	h := Header{Status: status, Sequence: req.Header.Sequence}
	switch req.Body.(type) {
	case *SubmitSM:
		return &PDU{Header: h, Body: &SubmitSMResp{}}
	case *DeliverSM:
		return &PDU{Header: h, Body: &DeliverSMResp{}}
	case *EnquireLink:
		return &PDU{Header: h, Body: &EnquireLinkResp{}}
	case *Unbind:
		return &PDU{Header: h, Body: &UnbindResp{}}
	default:
		return &PDU{Header: h, Body: &GenericNack{}}
	}
}
