// Package smpp implements the subset of the SMPP 3.4 wire protocol the
// gateway speaks: the 16-byte PDU header framing and the bind, submit_sm,
// deliver_sm, enquire_link and unbind families. PDUs are decoded once at the
// frame boundary into typed bodies; the rest of the pipeline works against
// concrete fields.
package smpp

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Header is the fixed 16-byte PDU header, big-endian on the wire.
type Header struct {
	Length   uint32
	ID       uint32
	Status   uint32
	Sequence uint32
}

// Body is one decoded PDU body variant.
type Body interface {
	CommandID() uint32
	Marshal() ([]byte, error)
	Unmarshal(data []byte) error
}

// PDU is a decoded protocol data unit.
type PDU struct {
	Header Header
	Body   Body
}

// TLV is an optional parameter: 2-byte tag, 2-byte length, value.
type TLV struct {
	Tag   uint16
	Value []byte
}

func marshalTLVs(buf *bytes.Buffer, tlvs []TLV) {
	for _, t := range tlvs {
		_ = binary.Write(buf, binary.BigEndian, t.Tag)
		_ = binary.Write(buf, binary.BigEndian, uint16(len(t.Value)))
		buf.Write(t.Value)
	}
}

func unmarshalTLVs(r *bodyReader) ([]TLV, error) {
	var tlvs []TLV
	for r.remaining() > 0 {
		if r.remaining() < 4 {
			return nil, fmt.Errorf("truncated optional parameter: %d bytes left", r.remaining())
		}
		tag := r.uint16()
		length := int(r.uint16())
		if r.remaining() < length {
			return nil, fmt.Errorf("optional parameter 0x%04X: want %d bytes, have %d", tag, length, r.remaining())
		}
		tlvs = append(tlvs, TLV{Tag: tag, Value: r.bytes(length)})
	}
	return tlvs, nil
}

// bodyReader is a cursor over a PDU body with SMPP field accessors.
type bodyReader struct {
	data []byte
	off  int
	err  error
}

func (r *bodyReader) remaining() int { return len(r.data) - r.off }

func (r *bodyReader) byte() uint8 {
	if r.err != nil || r.off >= len(r.data) {
		r.err = fmt.Errorf("truncated PDU body at offset %d", r.off)
		return 0
	}
	b := r.data[r.off]
	r.off++
	return b
}

func (r *bodyReader) uint16() uint16 {
	hi, lo := r.byte(), r.byte()
	return uint16(hi)<<8 | uint16(lo)
}

// cstring reads a NUL-terminated octet string, consuming the terminator.
func (r *bodyReader) cstring() string {
	if r.err != nil {
		return ""
	}
	i := bytes.IndexByte(r.data[r.off:], 0)
	if i < 0 {
		r.err = fmt.Errorf("unterminated C-octet string at offset %d", r.off)
		return ""
	}
	s := string(r.data[r.off : r.off+i])
	r.off += i + 1
	return s
}

func (r *bodyReader) bytes(n int) []byte {
	if r.err != nil || r.remaining() < n {
		r.err = fmt.Errorf("truncated PDU body at offset %d", r.off)
		return nil
	}
	b := make([]byte, n)
	copy(b, r.data[r.off:r.off+n])
	r.off += n
	return b
}

func writeCString(buf *bytes.Buffer, s string) {
	buf.WriteString(s)
	buf.WriteByte(0)
}

// BindRequest is the body of bind_receiver, bind_transmitter and
// bind_transceiver; the three share one layout and differ only in command id.
type BindRequest struct {
	Kind             uint32 // one of the three bind command ids
	SystemID         string
	Password         string
	SystemType       string
	InterfaceVersion uint8
	AddrTON          uint8
	AddrNPI          uint8
	AddressRange     string
}

func (b *BindRequest) CommandID() uint32 { return b.Kind }

func (b *BindRequest) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	writeCString(buf, b.SystemID)
	writeCString(buf, b.Password)
	writeCString(buf, b.SystemType)
	buf.WriteByte(b.InterfaceVersion)
	buf.WriteByte(b.AddrTON)
	buf.WriteByte(b.AddrNPI)
	writeCString(buf, b.AddressRange)
	return buf.Bytes(), nil
}

func (b *BindRequest) Unmarshal(data []byte) error {
	r := &bodyReader{data: data}
	b.SystemID = r.cstring()
	b.Password = r.cstring()
	b.SystemType = r.cstring()
	b.InterfaceVersion = r.byte()
	b.AddrTON = r.byte()
	b.AddrNPI = r.byte()
	b.AddressRange = r.cstring()
	return r.err
}

// BindResponse is the body of the three bind_*_resp PDUs.
type BindResponse struct {
	Kind     uint32
	SystemID string
}

func (b *BindResponse) CommandID() uint32 { return b.Kind }

func (b *BindResponse) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	writeCString(buf, b.SystemID)
	return buf.Bytes(), nil
}

func (b *BindResponse) Unmarshal(data []byte) error {
	if len(data) == 0 { // rejected binds may omit the system_id
		b.SystemID = ""
		return nil
	}
	r := &bodyReader{data: data}
	b.SystemID = r.cstring()
	return r.err
}

// smFields is the mandatory field set shared by submit_sm and deliver_sm.
type smFields struct {
	ServiceType          string
	SourceAddrTON        uint8
	SourceAddrNPI        uint8
	SourceAddr           string
	DestAddrTON          uint8
	DestAddrNPI          uint8
	DestAddr             string
	EsmClass             uint8
	ProtocolID           uint8
	PriorityFlag         uint8
	ScheduleDeliveryTime string
	ValidityPeriod       string
	RegisteredDelivery   uint8
	ReplaceIfPresent     uint8
	DataCoding           uint8
	SMDefaultMsgID       uint8
	ShortMessage         []byte
	TLVs                 []TLV
}

func (f *smFields) Marshal() ([]byte, error) {
	if len(f.ShortMessage) > 255 {
		return nil, fmt.Errorf("short_message too long: %d bytes", len(f.ShortMessage))
	}
	buf := new(bytes.Buffer)
	writeCString(buf, f.ServiceType)
	buf.WriteByte(f.SourceAddrTON)
	buf.WriteByte(f.SourceAddrNPI)
	writeCString(buf, f.SourceAddr)
	buf.WriteByte(f.DestAddrTON)
	buf.WriteByte(f.DestAddrNPI)
	writeCString(buf, f.DestAddr)
	buf.WriteByte(f.EsmClass)
	buf.WriteByte(f.ProtocolID)
	buf.WriteByte(f.PriorityFlag)
	writeCString(buf, f.ScheduleDeliveryTime)
	writeCString(buf, f.ValidityPeriod)
	buf.WriteByte(f.RegisteredDelivery)
	buf.WriteByte(f.ReplaceIfPresent)
	buf.WriteByte(f.DataCoding)
	buf.WriteByte(f.SMDefaultMsgID)
	buf.WriteByte(uint8(len(f.ShortMessage)))
	buf.Write(f.ShortMessage)
	marshalTLVs(buf, f.TLVs)
	return buf.Bytes(), nil
}

func (f *smFields) Unmarshal(data []byte) error {
	r := &bodyReader{data: data}
	f.ServiceType = r.cstring()
	f.SourceAddrTON = r.byte()
	f.SourceAddrNPI = r.byte()
	f.SourceAddr = r.cstring()
	f.DestAddrTON = r.byte()
	f.DestAddrNPI = r.byte()
	f.DestAddr = r.cstring()
	f.EsmClass = r.byte()
	f.ProtocolID = r.byte()
	f.PriorityFlag = r.byte()
	f.ScheduleDeliveryTime = r.cstring()
	f.ValidityPeriod = r.cstring()
	f.RegisteredDelivery = r.byte()
	f.ReplaceIfPresent = r.byte()
	f.DataCoding = r.byte()
	f.SMDefaultMsgID = r.byte()
	smLen := int(r.byte())
	f.ShortMessage = r.bytes(smLen)
	if r.err != nil {
		return r.err
	}
	tlvs, err := unmarshalTLVs(r)
	if err != nil {
		return err
	}
	f.TLVs = tlvs
	return nil
}

// FindTLV returns the value of the first optional parameter with the tag.
func (f *smFields) FindTLV(tag uint16) ([]byte, bool) {
	for _, t := range f.TLVs {
		if t.Tag == tag {
			return t.Value, true
		}
	}
	return nil, false
}

// SubmitSM is a submit_sm request body.
type SubmitSM struct{ smFields }

func (*SubmitSM) CommandID() uint32 { return CmdSubmitSM }

// DeliverSM is a deliver_sm request body (inbound SMS or delivery receipt).
type DeliverSM struct{ smFields }

func (*DeliverSM) CommandID() uint32 { return CmdDeliverSM }

// SubmitSMResp carries a NUL-terminated message id on success; rejected
// submits have an empty body.
type SubmitSMResp struct {
	MessageID string
}

func (*SubmitSMResp) CommandID() uint32 { return CmdSubmitSMResp }

func (b *SubmitSMResp) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	writeCString(buf, b.MessageID)
	return buf.Bytes(), nil
}

func (b *SubmitSMResp) Unmarshal(data []byte) error {
	if len(data) == 0 {
		b.MessageID = ""
		return nil
	}
	r := &bodyReader{data: data}
	b.MessageID = r.cstring()
	return r.err
}

// DeliverSMResp acknowledges a deliver_sm; the message_id field is always
// the empty string on the wire.
type DeliverSMResp struct {
	MessageID string
}

func (*DeliverSMResp) CommandID() uint32 { return CmdDeliverSMResp }

func (b *DeliverSMResp) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	writeCString(buf, b.MessageID)
	return buf.Bytes(), nil
}

func (b *DeliverSMResp) Unmarshal(data []byte) error {
	if len(data) == 0 {
		b.MessageID = ""
		return nil
	}
	r := &bodyReader{data: data}
	b.MessageID = r.cstring()
	return r.err
}

// EnquireLink is the keepalive request; its body is empty.
type EnquireLink struct{}

func (*EnquireLink) CommandID() uint32       { return CmdEnquireLink }
func (*EnquireLink) Marshal() ([]byte, error) { return nil, nil }
func (*EnquireLink) Unmarshal([]byte) error   { return nil }

// EnquireLinkResp acknowledges an enquire_link.
type EnquireLinkResp struct{}

func (*EnquireLinkResp) CommandID() uint32       { return CmdEnquireLinkResp }
func (*EnquireLinkResp) Marshal() ([]byte, error) { return nil, nil }
func (*EnquireLinkResp) Unmarshal([]byte) error   { return nil }

// Unbind requests session teardown.
type Unbind struct{}

func (*Unbind) CommandID() uint32       { return CmdUnbind }
func (*Unbind) Marshal() ([]byte, error) { return nil, nil }
func (*Unbind) Unmarshal([]byte) error   { return nil }

// UnbindResp acknowledges an unbind.
type UnbindResp struct{}

func (*UnbindResp) CommandID() uint32       { return CmdUnbindResp }
func (*UnbindResp) Marshal() ([]byte, error) { return nil, nil }
func (*UnbindResp) Unmarshal([]byte) error   { return nil }

// GenericNack reports an unrecognized or unprocessable PDU.
type GenericNack struct{}

func (*GenericNack) CommandID() uint32       { return CmdGenericNack }
func (*GenericNack) Marshal() ([]byte, error) { return nil, nil }
func (*GenericNack) Unmarshal([]byte) error   { return nil }

// RawBody preserves the bytes of a command the gateway does not model, so a
// session can nack it without tearing the connection down.
type RawBody struct {
	ID   uint32
	Data []byte
}

func (b *RawBody) CommandID() uint32 { return b.ID }

func (b *RawBody) Marshal() ([]byte, error) { return b.Data, nil }

func (b *RawBody) Unmarshal(data []byte) error {
	b.Data = append([]byte(nil), data...)
	return nil
}
