package mbus

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Data information field special codes.
const (
	DIFManufacturerSpecific byte = 0x0F
	DIFMoreRecordsFollow    byte = 0x1F
	DIFIdleFiller           byte = 0x2F

	difExtension byte = 0x80
	vifExtension byte = 0x80
	maxExtension      = 10

	variableHeaderLen = 12
)

// VariableHeader is the fixed header of a CI 0x72 response.
type VariableHeader struct {
	ID           string
	Manufacturer uint16
	Version      byte
	Medium       byte
	AccessNumber byte
	Status       byte
	Signature    uint16
	raw          []byte
}

// SecondaryAddress returns the header's address in mask notation.
func (h VariableHeader) SecondaryAddress() string {
	addr, _ := SecondaryAddressFromHeader(h.raw)
	return addr
}

// DataRecord is a single decoded record of a variable data block.
type DataRecord struct {
	DIF  byte
	DIFE []byte
	VIF  byte
	VIFE []byte
	Data []byte

	// plain text unit for VIF 0x7C
	CustomVIF string
}

// VariableData is a decoded variable data structure.
type VariableData struct {
	Header            VariableHeader
	Records           []DataRecord
	MoreRecordsFollow bool
}

// DecodeVariableData parses the user data of a variable data response.
func DecodeVariableData(data []byte) (*VariableData, error) {
	if len(data) < variableHeaderLen {
		return nil, fmt.Errorf("%w: variable data header needs %d bytes, got %d", ErrInvalidFrame, variableHeaderLen, len(data))
	}
	vd := &VariableData{Header: VariableHeader{
		ID:           bcdDigits(data[0:4]),
		Manufacturer: binary.LittleEndian.Uint16(data[4:6]),
		Version:      data[6],
		Medium:       data[7],
		AccessNumber: data[8],
		Status:       data[9],
		Signature:    binary.LittleEndian.Uint16(data[10:12]),
		raw:          data[0:8],
	}}

	i := variableHeaderLen
	for i < len(data) {
		dif := data[i]
		if dif == DIFIdleFiller {
			i++
			continue
		}
		if dif == DIFManufacturerSpecific || dif == DIFMoreRecordsFollow {
			vd.Records = append(vd.Records, DataRecord{DIF: dif, Data: append([]byte(nil), data[i+1:]...)})
			vd.MoreRecordsFollow = dif == DIFMoreRecordsFollow
			break
		}

		rec := DataRecord{DIF: dif}
		i++
		last := dif
		for last&difExtension != 0 {
			if i >= len(data) {
				return nil, fmt.Errorf("%w: truncated DIFE", ErrInvalidFrame)
			}
			if len(rec.DIFE) == maxExtension {
				return nil, fmt.Errorf("%w: too many DIFE", ErrInvalidFrame)
			}
			last = data[i]
			rec.DIFE = append(rec.DIFE, last)
			i++
		}

		if i >= len(data) {
			return nil, fmt.Errorf("%w: truncated VIF", ErrInvalidFrame)
		}
		rec.VIF = data[i]
		i++
		last = rec.VIF
		for last&vifExtension != 0 {
			if i >= len(data) {
				return nil, fmt.Errorf("%w: truncated VIFE", ErrInvalidFrame)
			}
			if len(rec.VIFE) == maxExtension {
				return nil, fmt.Errorf("%w: too many VIFE", ErrInvalidFrame)
			}
			last = data[i]
			rec.VIFE = append(rec.VIFE, last)
			i++
		}

		if rec.VIF&0x7F == 0x7C {
			if i >= len(data) {
				return nil, fmt.Errorf("%w: truncated plain text VIF", ErrInvalidFrame)
			}
			n := int(data[i])
			i++
			if i+n > len(data) {
				return nil, fmt.Errorf("%w: truncated plain text VIF", ErrInvalidFrame)
			}
			rec.CustomVIF = reversedString(data[i : i+n])
			i += n
		}

		n, err := recordDataLen(dif, data, &i)
		if err != nil {
			return nil, err
		}
		if i+n > len(data) {
			return nil, fmt.Errorf("%w: record data needs %d bytes, %d left", ErrInvalidFrame, n, len(data)-i)
		}
		rec.Data = append([]byte(nil), data[i:i+n]...)
		i += n
		vd.Records = append(vd.Records, rec)
	}
	return vd, nil
}

var difDataLen = [16]int{0, 1, 2, 3, 4, 4, 6, 8, 0, 1, 2, 3, 4, -1, 6, 0}

// recordDataLen returns the data length for dif, consuming the LVAR byte of
// variable length records.
func recordDataLen(dif byte, data []byte, i *int) (int, error) {
	n := difDataLen[dif&0x0F]
	if n >= 0 {
		return n, nil
	}
	if *i >= len(data) {
		return 0, fmt.Errorf("%w: truncated LVAR", ErrInvalidFrame)
	}
	lvar := data[*i]
	*i++
	switch {
	case lvar <= 0xBF:
		return int(lvar), nil
	case lvar >= 0xC0 && lvar <= 0xDF:
		return int(lvar & 0x0F), nil
	case lvar >= 0xE0 && lvar <= 0xEF:
		return int(lvar - 0xE0), nil
	}
	return 0, fmt.Errorf("%w: LVAR 0x%02X", ErrUnsupportedFrame, lvar)
}

// Function returns the record's function field text.
func (r DataRecord) Function() string {
	if r.DIF == DIFManufacturerSpecific || r.DIF == DIFMoreRecordsFollow {
		return "Manufacturer specific"
	}
	switch (r.DIF >> 4) & 0x03 {
	case 0:
		return "Instantaneous value"
	case 1:
		return "Maximum value"
	case 2:
		return "Minimum value"
	}
	return "Value during error state"
}

// StorageNumber combines the DIF storage bit with the DIFE storage nibbles.
func (r DataRecord) StorageNumber() int {
	n := int(r.DIF>>6) & 0x01
	for k, e := range r.DIFE {
		n |= int(e&0x0F) << (1 + 4*k)
	}
	return n
}

func (r DataRecord) Tariff() int {
	t := 0
	for k, e := range r.DIFE {
		t |= int((e>>4)&0x03) << (2 * k)
	}
	return t
}

func (r DataRecord) Device() int {
	d := 0
	for k, e := range r.DIFE {
		d |= int((e>>6)&0x01) << k
	}
	return d
}

// Unit returns the quantity and unit text of the record's VIF.
func (r DataRecord) Unit() string {
	if r.DIF == DIFManufacturerSpecific || r.DIF == DIFMoreRecordsFollow {
		return "Manufacturer specific"
	}
	v := r.VIF & 0x7F
	switch {
	case r.VIF == 0xFD && len(r.VIFE) > 0:
		return extendedUnitFD(r.VIFE[0] & 0x7F)
	case r.VIF == 0xFB && len(r.VIFE) > 0:
		return extendedUnitFB(r.VIFE[0] & 0x7F)
	case v == 0x7C:
		return r.CustomVIF
	}
	return primaryUnit(v)
}

// Value formats the record data according to its DIF coding.
func (r DataRecord) Value() string {
	if r.DIF == DIFManufacturerSpecific || r.DIF == DIFMoreRecordsFollow {
		return hexBytes(r.Data)
	}
	if r.VIF&0x7F == 0x6C && len(r.Data) == 2 {
		return decodeDateG(r.Data)
	}
	if r.VIF&0x7F == 0x6D && len(r.Data) == 4 {
		return decodeDateTimeF(r.Data)
	}

	switch r.DIF & 0x0F {
	case 0x00, 0x08:
		return ""
	case 0x01, 0x02, 0x03, 0x04, 0x06, 0x07:
		return strconv.FormatInt(decodeInt(r.Data), 10)
	case 0x05:
		if len(r.Data) != 4 {
			return ""
		}
		f := math.Float32frombits(binary.LittleEndian.Uint32(r.Data))
		return strconv.FormatFloat(float64(f), 'f', -1, 32)
	case 0x09, 0x0A, 0x0B, 0x0C, 0x0E:
		return strconv.FormatInt(decodeBCD(r.Data), 10)
	case 0x0D:
		return reversedString(r.Data)
	}
	return hexBytes(r.Data)
}

// decodeInt reads a little-endian two's complement integer of 1 to 8 bytes.
func decodeInt(b []byte) int64 {
	if len(b) == 0 {
		return 0
	}
	var v uint64
	for k := len(b) - 1; k >= 0; k-- {
		v = v<<8 | uint64(b[k])
	}
	shift := uint(64 - 8*len(b))
	return int64(v<<shift) >> shift
}

// decodeBCD reads little-endian packed BCD. A top nibble of 0xF marks a negative value.
func decodeBCD(b []byte) int64 {
	var v int64
	neg := false
	for k := len(b) - 1; k >= 0; k-- {
		hi, lo := b[k]>>4, b[k]&0x0F
		if k == len(b)-1 && hi == 0x0F {
			neg = true
			hi = 0
		}
		v = v*100 + int64(hi)*10 + int64(lo)
	}
	if neg {
		return -v
	}
	return v
}

func bcdDigits(b []byte) string {
	var sb strings.Builder
	for k := len(b) - 1; k >= 0; k-- {
		fmt.Fprintf(&sb, "%02X", b[k])
	}
	return sb.String()
}

func decodeDateG(b []byte) string {
	day := int(b[0] & 0x1F)
	month := int(b[1] & 0x0F)
	year := int((b[0]&0xE0)>>5) | int((b[1]&0xF0)>>1)
	return fmt.Sprintf("%04d-%02d-%02d", fullYear(year), month, day)
}

func decodeDateTimeF(b []byte) string {
	minute := int(b[0] & 0x3F)
	hour := int(b[1] & 0x1F)
	day := int(b[2] & 0x1F)
	month := int(b[3] & 0x0F)
	year := int((b[2]&0xE0)>>5) | int((b[3]&0xF0)>>1)
	return fmt.Sprintf("%04d-%02d-%02dT%02d:%02d:00", fullYear(year), month, day, hour, minute)
}

func fullYear(y int) int {
	if y <= 80 {
		return 2000 + y
	}
	return 1900 + y
}

func reversedString(b []byte) string {
	out := make([]byte, len(b))
	for k := range b {
		out[len(b)-1-k] = b[k]
	}
	return string(out)
}

func hexBytes(b []byte) string {
	parts := make([]string, len(b))
	for k, c := range b {
		parts[k] = fmt.Sprintf("%02X", c)
	}
	return strings.Join(parts, " ")
}

// ManufacturerCode decodes the three letter manufacturer id.
func ManufacturerCode(m uint16) string {
	return string([]byte{
		byte((m>>10)&0x1F) + 64,
		byte((m>>5)&0x1F) + 64,
		byte(m&0x1F) + 64,
	})
}

var mediumNames = map[byte]string{
	0x00: "Other",
	0x01: "Oil",
	0x02: "Electricity",
	0x03: "Gas",
	0x04: "Heat: Outlet",
	0x05: "Steam",
	0x06: "Warm water (30-90°C)",
	0x07: "Water",
	0x08: "Heat Cost Allocator",
	0x09: "Compressed Air",
	0x0A: "Cooling load meter: Outlet",
	0x0B: "Cooling load meter: Inlet",
	0x0C: "Heat: Inlet",
	0x0D: "Heat / Cooling load meter",
	0x0E: "Bus/System",
	0x0F: "Unknown Medium",
	0x15: "Hot water (>=90°C)",
	0x16: "Cold water",
	0x17: "Hot/Cold water meter",
	0x18: "Pressure",
	0x19: "A/D Converter",
}

// MediumName returns the text for a medium code.
func MediumName(m byte) string {
	if s, ok := mediumNames[m]; ok {
		return s
	}
	return "Reserved"
}

func unitPrefix(exp int) string {
	switch exp {
	case 0:
		return ""
	case -3:
		return "m"
	case -6:
		return "my"
	case 1:
		return "10 "
	case 2:
		return "100 "
	case 3:
		return "k"
	case 4:
		return "10 k"
	case 5:
		return "100 k"
	case 6:
		return "M"
	case 9:
		return "G"
	}
	return fmt.Sprintf("1e%d ", exp)
}

func durationUnit(nn byte) string {
	switch nn & 0x03 {
	case 0:
		return "seconds"
	case 1:
		return "minutes"
	case 2:
		return "hours"
	}
	return "days"
}

func primaryUnit(v byte) string {
	n := int(v & 0x07)
	nn := int(v & 0x03)
	switch {
	case v <= 0x07:
		return fmt.Sprintf("Energy (%sWh)", unitPrefix(n-3))
	case v <= 0x0F:
		return fmt.Sprintf("Energy (%sJ)", unitPrefix(n))
	case v <= 0x17:
		return fmt.Sprintf("Volume (%s m^3)", unitPrefix(n-6))
	case v <= 0x1F:
		return fmt.Sprintf("Mass (%skg)", unitPrefix(n-3))
	case v <= 0x23:
		return fmt.Sprintf("On time (%s)", durationUnit(v))
	case v <= 0x27:
		return fmt.Sprintf("Operating time (%s)", durationUnit(v))
	case v <= 0x2F:
		return fmt.Sprintf("Power (%sW)", unitPrefix(n-3))
	case v <= 0x37:
		return fmt.Sprintf("Power (%sJ/h)", unitPrefix(n))
	case v <= 0x3F:
		return fmt.Sprintf("Volume flow (%s m^3/h)", unitPrefix(n-6))
	case v <= 0x47:
		return fmt.Sprintf("Volume flow (%s m^3/min)", unitPrefix(n-7))
	case v <= 0x4F:
		return fmt.Sprintf("Volume flow (%s m^3/s)", unitPrefix(n-9))
	case v <= 0x57:
		return fmt.Sprintf("Mass flow (%skg/h)", unitPrefix(n-3))
	case v <= 0x5B:
		return fmt.Sprintf("Flow temperature (%sdeg C)", unitPrefix(nn-3))
	case v <= 0x5F:
		return fmt.Sprintf("Return temperature (%sdeg C)", unitPrefix(nn-3))
	case v <= 0x63:
		return fmt.Sprintf("Temperature Difference (%sdeg C)", unitPrefix(nn-3))
	case v <= 0x67:
		return fmt.Sprintf("External temperature (%sdeg C)", unitPrefix(nn-3))
	case v <= 0x6B:
		return fmt.Sprintf("Pressure (%sbar)", unitPrefix(nn-3))
	case v == 0x6C:
		return "Time Point (date)"
	case v == 0x6D:
		return "Time Point (time & date)"
	case v == 0x6E:
		return "Units for H.C.A."
	case v <= 0x73:
		return fmt.Sprintf("Averaging Duration (%s)", durationUnit(v))
	case v <= 0x77:
		return fmt.Sprintf("Actuality Duration (%s)", durationUnit(v))
	case v == 0x78:
		return "Fabrication No"
	case v == 0x79:
		return "(Enhanced) Identification"
	case v == 0x7A:
		return "Bus Address"
	case v == 0x7E:
		return "Any VIF"
	case v == 0x7F:
		return "Manufacturer specific"
	}
	return fmt.Sprintf("Unknown (VIF=0x%02X)", v)
}

func extendedUnitFD(e byte) string {
	switch {
	case e == 0x08:
		return "Access Number (transmission count)"
	case e == 0x09:
		return "Medium (as in fixed header)"
	case e == 0x0A:
		return "Manufacturer (as in fixed header)"
	case e == 0x0B:
		return "Parameter set identification"
	case e == 0x0C:
		return "Model / Version"
	case e == 0x0D:
		return "Hardware version"
	case e == 0x0E:
		return "Firmware version"
	case e == 0x0F:
		return "Software version"
	case e == 0x11:
		return "Customer"
	case e == 0x16:
		return "Password"
	case e == 0x17:
		return "Error flags"
	case e == 0x1A:
		return "Digital output (binary)"
	case e == 0x1B:
		return "Digital input (binary)"
	case e == 0x1C:
		return "Baud rate"
	case e >= 0x40 && e <= 0x4F:
		return fmt.Sprintf("Voltage (%sV)", unitPrefix(int(e&0x0F)-9))
	case e >= 0x50 && e <= 0x5F:
		return fmt.Sprintf("Current (%sA)", unitPrefix(int(e&0x0F)-12))
	case e == 0x60:
		return "Reset counter"
	case e == 0x61:
		return "Cumulation counter"
	}
	return fmt.Sprintf("Extension VIF 0xFD (VIFE=0x%02X)", e)
}

func extendedUnitFB(e byte) string {
	switch {
	case e <= 0x01:
		return fmt.Sprintf("Energy (%sMWh)", unitPrefix(int(e&0x01)-1))
	case e >= 0x08 && e <= 0x09:
		return fmt.Sprintf("Energy (%sGJ)", unitPrefix(int(e&0x01)-1))
	case e >= 0x10 && e <= 0x11:
		return fmt.Sprintf("Volume (%s m^3)", unitPrefix(int(e&0x01)+2))
	case e >= 0x18 && e <= 0x19:
		return fmt.Sprintf("Mass (%st)", unitPrefix(int(e&0x01)+2))
	}
	return fmt.Sprintf("Extension VIF 0xFB (VIFE=0x%02X)", e)
}
