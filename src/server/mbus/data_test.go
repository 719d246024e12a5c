package mbus

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecondaryAddressMask(t *testing.T) {
	packed, err := PackSecondaryMask("12345678FFFFFFFF")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x78, 0x56, 0x34, 0x12, 0xFF, 0xFF, 0xFF, 0xFF}, packed)

	packed, err = PackSecondaryMask("00000001ffff0aff")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x00, 0x00, 0x00, 0xFF, 0xFF, 0x0A, 0xFF}, packed)

	addr, err := SecondaryAddressFromHeader(packed)
	require.NoError(t, err)
	assert.Equal(t, "00000001FFFF0AFF", addr)

	_, err = PackSecondaryMask("1234567AFFFFFFFF")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestAddressClassification(t *testing.T) {
	assert.True(t, IsSecondaryAddress("FFFFFFFFFFFFFFFF"))
	assert.True(t, IsSecondaryAddress("12345678abcd0102"))
	assert.False(t, IsSecondaryAddress("12345678"))
	assert.False(t, IsSecondaryAddress("1234567812345G78"))

	n, err := ParsePrimaryAddress(" 42 ")
	require.NoError(t, err)
	assert.Equal(t, 42, n)
	_, err = ParsePrimaryAddress("256")
	assert.ErrorIs(t, err, ErrInvalidAddress)
	_, err = ParsePrimaryAddress("meter")
	assert.ErrorIs(t, err, ErrInvalidAddress)

	for _, a := range []int{253, 254, 255} {
		assert.True(t, IsReservedAddress(a), a)
	}
	assert.False(t, IsReservedAddress(252))
}

func TestDecodeVariableData(t *testing.T) {
	data := concat(meterHeader, []byte{
		0x04, 0x06, 0xD2, 0x04, 0x00, 0x00,       // energy kWh, int32 1234
		0x0C, 0x13, 0x78, 0x56, 0x34, 0x12,       // volume, BCD8 12345678
		0x42, 0x6C, 0x1F, 0x3C,                   // storage 1 date 2024-12-31
		0x84, 0x10, 0x06, 0x10, 0x00, 0x00, 0x00, // tariff 1 energy
		0x02, 0xFD, 0x17, 0x00, 0x00,             // error flags
		0x2F, 0x2F,
	})

	vd, err := DecodeVariableData(data)
	require.NoError(t, err)
	assert.Equal(t, "12345678", vd.Header.ID)
	assert.Equal(t, "KAM", ManufacturerCode(vd.Header.Manufacturer))
	assert.Equal(t, "Heat: Outlet", MediumName(vd.Header.Medium))
	assert.Equal(t, "123456782D2C0104", vd.Header.SecondaryAddress())
	assert.False(t, vd.MoreRecordsFollow)
	require.Len(t, vd.Records, 5)

	r := vd.Records
	assert.Equal(t, "Energy (kWh)", r[0].Unit())
	assert.Equal(t, "1234", r[0].Value())
	assert.Equal(t, "Instantaneous value", r[0].Function())

	assert.Equal(t, "Volume (m m^3)", r[1].Unit())
	assert.Equal(t, "12345678", r[1].Value())

	assert.Equal(t, 1, r[2].StorageNumber())
	assert.Equal(t, "Time Point (date)", r[2].Unit())
	assert.Equal(t, "2024-12-31", r[2].Value())

	assert.Equal(t, 1, r[3].Tariff())
	assert.Equal(t, "16", r[3].Value())

	assert.Equal(t, "Error flags", r[4].Unit())
	assert.Equal(t, "0", r[4].Value())
}

func TestDecodeVariableDataTruncated(t *testing.T) {
	_, err := DecodeVariableData(meterHeader[:8])
	assert.ErrorIs(t, err, ErrInvalidFrame)

	_, err = DecodeVariableData(concat(meterHeader, []byte{0x04, 0x06, 0xD2}))
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestValueCodings(t *testing.T) {
	assert.Equal(t, int64(-2), decodeInt([]byte{0xFE, 0xFF}))
	assert.Equal(t, int64(8388607), decodeInt([]byte{0xFF, 0xFF, 0x7F}))
	assert.Equal(t, int64(-12), decodeBCD([]byte{0x12, 0xF0}))
	assert.Equal(t, "2024-12-31T13:05:00", decodeDateTimeF([]byte{0x05, 0x0D, 0x1F, 0x3C}))
}

func TestReplyXML(t *testing.T) {
	first, err := ReadFrame(strings.NewReader(string(responseFrame(0x04, 0x06, 0xD2, 0x04, 0x00, 0x00, DIFMoreRecordsFollow))))
	require.NoError(t, err)
	second, err := ReadFrame(strings.NewReader(string(responseFrame(0x01, 0xFD, 0x0E, 0x05))))
	require.NoError(t, err)

	out, err := (&Reply{Frames: []*Frame{first, second}}).XML()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "<?xml"))
	assert.Contains(t, out, "<Id>12345678</Id>")
	assert.Contains(t, out, "<Manufacturer>KAM</Manufacturer>")
	assert.Contains(t, out, "<Medium>Heat: Outlet</Medium>")
	assert.Contains(t, out, `<DataRecord id="0" frame="0">`)
	assert.Contains(t, out, "<Value>1234</Value>")
	assert.Contains(t, out, `<DataRecord id="2" frame="1">`)
	assert.Contains(t, out, "<Unit>Firmware version</Unit>")

	_, err = (&Reply{}).XML()
	assert.ErrorIs(t, err, ErrInvalidFrame)

	fixed := &Frame{Type: FrameTypeLong, CI: CIResponseFixed, Data: meterHeader}
	_, err = (&Reply{Frames: []*Frame{fixed}}).XML()
	assert.ErrorIs(t, err, ErrUnsupportedFrame)
}
