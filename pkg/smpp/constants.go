package smpp

// Command IDs (SMPP 3.4). Responses carry the request id with bit 31 set.
const (
	CmdGenericNack         uint32 = 0x80000000
	CmdBindReceiver        uint32 = 0x00000001
	CmdBindReceiverResp    uint32 = 0x80000001
	CmdBindTransmitter     uint32 = 0x00000002
	CmdBindTransmitterResp uint32 = 0x80000002
	CmdSubmitSM            uint32 = 0x00000004
	CmdSubmitSMResp        uint32 = 0x80000004
	CmdDeliverSM           uint32 = 0x00000005
	CmdDeliverSMResp       uint32 = 0x80000005
	CmdUnbind              uint32 = 0x00000006
	CmdUnbindResp          uint32 = 0x80000006
	CmdBindTransceiver     uint32 = 0x00000009
	CmdBindTransceiverResp uint32 = 0x80000009
	CmdEnquireLink         uint32 = 0x00000015
	CmdEnquireLinkResp     uint32 = 0x80000015
)

// Command statuses used by the gateway.
const (
	StatusOK          uint32 = 0x00000000
	StatusInvCmdID    uint32 = 0x00000003
	StatusSysErr      uint32 = 0x00000008
	StatusInvSenderID uint32 = 0x00000045 // 69, unmatched/unauthorized inbound traffic
)

// esm_class bits.
const (
	EsmClassUDHI            uint8 = 0x40 // user data header present
	EsmClassDeliveryReceipt uint8 = 0x04
)

// data_coding values the decoder understands.
const (
	CodingDefault uint8 = 0x00 // GSM default / ASCII fallback
	CodingLatin1  uint8 = 0x03
	CodingUCS2    uint8 = 0x08 // UTF-16 big-endian
)

// Optional parameter tags.
const (
	TagReceiptedMessageID uint16 = 0x001E
	TagSarMsgRefNum       uint16 = 0x020C
	TagSarTotalSegments   uint16 = 0x020E
	TagSarSegmentSeqnum   uint16 = 0x020F
	TagMessagePayload     uint16 = 0x0424
	TagMessageState       uint16 = 0x0427
)

// MessageStateDelivered is the message_state TLV value for a delivered message.
const MessageStateDelivered uint8 = 2

const (
	headerLen = 16
	// MaxPDULen bounds command_length; anything larger means the stream is
	// corrupt and cannot be resynchronized.
	MaxPDULen = 65536
)

// InterfaceVersion is the SMPP protocol version advertised in binds.
const InterfaceVersion uint8 = 0x34
