package sms

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrsolo/numgate/pkg/smpp"
)

func testDecoder() *Decoder {
	return NewDecoder(5*time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func deliverPDU(source, dest string, esmClass, coding byte, body []byte, tlvs ...smpp.TLV) *smpp.PDU {
	d := &smpp.DeliverSM{}
	d.SourceAddr = source
	d.DestAddr = dest
	d.EsmClass = esmClass
	d.DataCoding = coding
	d.ShortMessage = body
	d.TLVs = tlvs
	return &smpp.PDU{Body: d}
}

func udhSegment(ref byte, total, seq byte, text string) []byte {
	return append([]byte{0x05, 0x00, 0x03, ref, total, seq}, []byte(text)...)
}

func TestDecodePlainMessage(t *testing.T) {
	d := testDecoder()

	msg, complete, err := d.Decode(deliverPDU("Telegram", "79991234567", 0, 0, []byte("code 1234")))
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, "code 1234", msg.Text)
	assert.Equal(t, "Telegram", msg.Source)
	assert.Equal(t, "79991234567", msg.Dest)
}

func TestDecodeUCS2(t *testing.T) {
	d := testDecoder()
	// "Код" in UTF-16BE.
	body := []byte{0x04, 0x1A, 0x04, 0x3E, 0x04, 0x34}

	msg, complete, err := d.Decode(deliverPDU("srv", "123", 0, smpp.CodingUCS2, body))
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, "Код", msg.Text)
}

func TestMessagePayloadWinsOverBody(t *testing.T) {
	d := testDecoder()
	pdu := deliverPDU("srv", "123", 0, 0, []byte("ignored"),
		smpp.TLV{Tag: smpp.TagMessagePayload, Value: []byte("actual text")})

	msg, complete, err := d.Decode(pdu)
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, "actual text", msg.Text)
}

func TestUDHReassemblyOutOfOrder(t *testing.T) {
	d := testDecoder()

	_, complete, err := d.Decode(deliverPDU("s", "d", smpp.EsmClassUDHI, 0, udhSegment(0xAB, 3, 2, "BBB")))
	require.NoError(t, err)
	assert.False(t, complete)

	_, complete, err = d.Decode(deliverPDU("s", "d", smpp.EsmClassUDHI, 0, udhSegment(0xAB, 3, 3, "CCC")))
	require.NoError(t, err)
	assert.False(t, complete)

	msg, complete, err := d.Decode(deliverPDU("s", "d", smpp.EsmClassUDHI, 0, udhSegment(0xAB, 3, 1, "AAA")))
	require.NoError(t, err)
	require.True(t, complete)
	assert.Equal(t, "AAABBBCCC", msg.Text)

	// The arena entry must be gone: a repeat of segment 1 starts fresh.
	_, complete, err = d.Decode(deliverPDU("s", "d", smpp.EsmClassUDHI, 0, udhSegment(0xAB, 3, 1, "AAA")))
	require.NoError(t, err)
	assert.False(t, complete)
}

func TestUDH16BitReference(t *testing.T) {
	d := testDecoder()
	seg := func(seq byte, text string) []byte {
		return append([]byte{0x06, 0x08, 0x04, 0x01, 0x02, 2, seq}, []byte(text)...)
	}

	_, complete, err := d.Decode(deliverPDU("s", "d", smpp.EsmClassUDHI, 0, seg(1, "one")))
	require.NoError(t, err)
	assert.False(t, complete)

	msg, complete, err := d.Decode(deliverPDU("s", "d", smpp.EsmClassUDHI, 0, seg(2, "two")))
	require.NoError(t, err)
	require.True(t, complete)
	assert.Equal(t, "onetwo", msg.Text)
}

func TestSARTLVReassembly(t *testing.T) {
	d := testDecoder()
	seg := func(seq byte, text string) *smpp.PDU {
		return deliverPDU("s", "d", 0, 0, []byte(text),
			smpp.TLV{Tag: smpp.TagSarMsgRefNum, Value: []byte{0x00, 0x07}},
			smpp.TLV{Tag: smpp.TagSarTotalSegments, Value: []byte{2}},
			smpp.TLV{Tag: smpp.TagSarSegmentSeqnum, Value: []byte{seq}})
	}

	_, complete, err := d.Decode(seg(2, "-part2"))
	require.NoError(t, err)
	assert.False(t, complete)

	msg, complete, err := d.Decode(seg(1, "part1"))
	require.NoError(t, err)
	require.True(t, complete)
	assert.Equal(t, "part1-part2", msg.Text)
}

func TestDistinctReferencesDoNotMix(t *testing.T) {
	d := testDecoder()

	_, complete, err := d.Decode(deliverPDU("s", "d", smpp.EsmClassUDHI, 0, udhSegment(0x01, 2, 1, "X")))
	require.NoError(t, err)
	assert.False(t, complete)

	_, complete, err = d.Decode(deliverPDU("s", "d", smpp.EsmClassUDHI, 0, udhSegment(0x02, 2, 1, "Y")))
	require.NoError(t, err)
	assert.False(t, complete)
}

func TestSweepEvictsStaleEntries(t *testing.T) {
	d := NewDecoder(time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, complete, err := d.Decode(deliverPDU("Brand", "79990000001", smpp.EsmClassUDHI, 0, udhSegment(0x11, 2, 1, "half")))
	require.NoError(t, err)
	require.False(t, complete)

	time.Sleep(5 * time.Millisecond)

	evicted := d.Sweep()
	require.Len(t, evicted, 1)
	assert.Equal(t, "Brand", evicted[0].Source)
	assert.Equal(t, "79990000001", evicted[0].Dest)
	assert.Equal(t, "[PART] half", evicted[0].Text)

	// Arena entry is gone.
	assert.Empty(t, d.Sweep())
}

func TestSweepKeepsFreshEntries(t *testing.T) {
	d := testDecoder()

	_, _, err := d.Decode(deliverPDU("s", "d", smpp.EsmClassUDHI, 0, udhSegment(0x22, 2, 1, "fresh")))
	require.NoError(t, err)

	assert.Empty(t, d.Sweep())
}

func TestMalformedUDHFallsBackToPlainText(t *testing.T) {
	d := testDecoder()
	// Header length larger than the body.
	body := []byte{0x20, 0x00, 0x03}

	_, complete, err := d.Decode(deliverPDU("s", "d", smpp.EsmClassUDHI, 0, body))
	require.NoError(t, err)
	assert.True(t, complete)
}
