package sms

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"
	"time"
	"unicode/utf16"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/andrsolo/numgate/pkg/smpp"
)

// Message is one decoded inbound SMS, possibly joined from several segments.
type Message struct {
	Source string
	Dest   string
	Text   string
}

type concatEntry struct {
	total   int
	parts   map[int]string
	addedAt time.Time
	done    bool
}

// Decoder turns submit_sm/deliver_sm bodies into text, reassembling
// concatenated messages. Segments wait in an arena keyed by
// (source, dest, reference); a background sweep evicts entries whose
// remaining segments never arrived.
type Decoder struct {
	arena  cmap.ConcurrentMap[string, *concatEntry]
	maxAge time.Duration
	logger *slog.Logger
}

func NewDecoder(maxAge time.Duration, logger *slog.Logger) *Decoder {
	return &Decoder{
		arena:  cmap.New[*concatEntry](),
		maxAge: maxAge,
		logger: logger,
	}
}

// Decode extracts the text of an inbound PDU. complete=false means the PDU
// was one segment of a concatenated message still missing siblings.
func (d *Decoder) Decode(p *smpp.PDU) (msg Message, complete bool, err error) {
	var source, dest string
	var esmClass, dataCoding byte
	var body []byte
	findTLV := func(uint16) ([]byte, bool) { return nil, false }

	switch sm := p.Body.(type) {
	case *smpp.SubmitSM:
		source, dest = sm.SourceAddr, sm.DestAddr
		esmClass, dataCoding, body = sm.EsmClass, sm.DataCoding, sm.ShortMessage
		findTLV = sm.FindTLV
	case *smpp.DeliverSM:
		source, dest = sm.SourceAddr, sm.DestAddr
		esmClass, dataCoding, body = sm.EsmClass, sm.DataCoding, sm.ShortMessage
		findTLV = sm.FindTLV
	default:
		return Message{}, false, fmt.Errorf("sms: not a message PDU: 0x%08X", p.Body.CommandID())
	}

	msg = Message{Source: source, Dest: dest}

	// message_payload carries the full text regardless of segmentation.
	if payload, ok := findTLV(smpp.TagMessagePayload); ok {
		msg.Text = DecodeText(payload, dataCoding)
		return msg, true, nil
	}

	ref, total, seq, payload, segmented := segmentInfo(esmClass, body, findTLV)
	if !segmented {
		msg.Text = DecodeText(body, dataCoding)
		return msg, true, nil
	}

	text, joined := d.addSegment(source, dest, ref, total, seq, DecodeText(payload, dataCoding))
	if !joined {
		return msg, false, nil
	}
	msg.Text = text
	return msg, true, nil
}

// segmentInfo extracts (reference, total, sequence) from a UDH prefix or
// SAR TLVs. segmented=false means the body is a plain single-part message.
func segmentInfo(esmClass byte, body []byte, findTLV func(uint16) ([]byte, bool)) (ref uint16, total, seq int, payload []byte, segmented bool) {
	if esmClass&smpp.EsmClassUDHI != 0 {
		return parseUDH(body)
	}

	refRaw, okRef := findTLV(smpp.TagSarMsgRefNum)
	totalRaw, okTotal := findTLV(smpp.TagSarTotalSegments)
	seqRaw, okSeq := findTLV(smpp.TagSarSegmentSeqnum)
	if !okRef || !okTotal || !okSeq || len(totalRaw) < 1 || len(seqRaw) < 1 {
		return 0, 0, 0, nil, false
	}
	switch len(refRaw) {
	case 1:
		ref = uint16(refRaw[0])
	case 2:
		ref = binary.BigEndian.Uint16(refRaw)
	default:
		return 0, 0, 0, nil, false
	}
	return ref, int(totalRaw[0]), int(seqRaw[0]), body, true
}

// parseUDH reads the User Data Header. Byte 0 is the header length
// (excluding itself); information element 0x00 carries an 8-bit reference,
// 0x08 a 16-bit one. Unrecognized elements are skipped.
func parseUDH(body []byte) (ref uint16, total, seq int, payload []byte, segmented bool) {
	if len(body) < 1 {
		return 0, 0, 0, nil, false
	}
	hlen := int(body[0])
	if hlen == 0 || 1+hlen > len(body) {
		return 0, 0, 0, nil, false
	}
	header := body[1 : 1+hlen]
	payload = body[1+hlen:]

	for i := 0; i+2 <= len(header); {
		ieID, ieLen := header[i], int(header[i+1])
		i += 2
		if i+ieLen > len(header) {
			break
		}
		data := header[i : i+ieLen]
		i += ieLen

		switch {
		case ieID == 0x00 && ieLen == 3:
			return uint16(data[0]), int(data[1]), int(data[2]), payload, true
		case ieID == 0x08 && ieLen == 4:
			return binary.BigEndian.Uint16(data[0:2]), int(data[2]), int(data[3]), payload, true
		}
	}
	return 0, 0, 0, nil, false
}

// DecodeText converts raw message bytes per the declared data_coding:
// 8 is UTF-16 big-endian, everything else reads as Latin-1 (which also
// covers the 0/ASCII default).
func DecodeText(b []byte, dataCoding byte) string {
	if dataCoding == smpp.CodingUCS2 && len(b)%2 == 0 {
		u := make([]uint16, len(b)/2)
		for i := range u {
			u[i] = binary.BigEndian.Uint16(b[i*2:])
		}
		return string(utf16.Decode(u))
	}
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes)
}

func arenaKey(source, dest string, ref uint16) string {
	return fmt.Sprintf("%s|%s|%d", source, dest, ref)
}

// addSegment stores one decoded segment and, when the set is complete,
// removes the entry and returns the joined text. The upsert callback runs
// under the shard lock, so exactly one caller observes completion.
func (d *Decoder) addSegment(source, dest string, ref uint16, total, seq int, text string) (string, bool) {
	key := arenaKey(source, dest, ref)

	var completed *concatEntry
	d.arena.Upsert(key, nil, func(exists bool, current, _ *concatEntry) *concatEntry {
		if !exists || current == nil {
			current = &concatEntry{
				total:   total,
				parts:   map[int]string{},
				addedAt: time.Now(),
			}
		}
		current.parts[seq] = text
		if len(current.parts) >= current.total && !current.done {
			current.done = true
			completed = current
		}
		return current
	})

	if completed == nil {
		return "", false
	}
	d.arena.Remove(key)
	return joinParts(completed), true
}

func joinParts(e *concatEntry) string {
	seqs := make([]int, 0, len(e.parts))
	for s := range e.parts {
		seqs = append(seqs, s)
	}
	sort.Ints(seqs)

	var out string
	for _, s := range seqs {
		out += e.parts[s]
	}
	return out
}

// Sweep evicts arena entries older than the max age and returns their
// partial texts so the caller can record them as orphaned fragments.
func (d *Decoder) Sweep() []Message {
	cutoff := time.Now().Add(-d.maxAge)

	var evicted []Message
	for item := range d.arena.IterBuffered() {
		e := item.Val
		if e == nil || e.addedAt.After(cutoff) || e.done {
			continue
		}
		d.arena.Remove(item.Key)

		source, dest := splitArenaKey(item.Key)
		evicted = append(evicted, Message{
			Source: source,
			Dest:   dest,
			Text:   "[PART] " + joinParts(e),
		})
		d.logger.Warn("discarding incomplete concatenated message",
			"source", source, "msisdn", dest,
			"have", len(e.parts), "want", e.total)
	}
	return evicted
}

func splitArenaKey(key string) (source, dest string) {
	first, second := -1, -1
	for i, c := range key {
		if c != '|' {
			continue
		}
		if first < 0 {
			first = i
		} else {
			second = i
		}
	}
	if first < 0 || second < 0 {
		return key, ""
	}
	return key[:first], key[first+1 : second]
}
