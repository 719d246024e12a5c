package mbus

import (
	"encoding/xml"
	"fmt"
	"strconv"
)

// Reply is the chain of frames returned for one logical data request.
type Reply struct {
	Frames []*Frame
}

// Decode parses the variable data structure of every frame in the chain.
func (r *Reply) Decode() ([]*VariableData, error) {
	if r == nil || len(r.Frames) == 0 {
		return nil, fmt.Errorf("%w: empty reply", ErrInvalidFrame)
	}
	out := make([]*VariableData, 0, len(r.Frames))
	for n, f := range r.Frames {
		if f.Type != FrameTypeLong {
			return nil, fmt.Errorf("%w: frame %d is %s", ErrUnsupportedFrame, n, f.Type)
		}
		if f.CI != CIResponseVariable && f.CI != CIResponseVarMSB {
			return nil, fmt.Errorf("%w: frame %d CI 0x%02X", ErrUnsupportedFrame, n, f.CI)
		}
		vd, err := DecodeVariableData(f.Data)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", n, err)
		}
		out = append(out, vd)
	}
	return out, nil
}

type xmlDocument struct {
	XMLName          xml.Name        `xml:"MBusData"`
	SlaveInformation xmlSlaveInfo    `xml:"SlaveInformation"`
	DataRecords      []xmlDataRecord `xml:"DataRecord"`
}

type xmlSlaveInfo struct {
	ID           string `xml:"Id"`
	Manufacturer string `xml:"Manufacturer"`
	Version      int    `xml:"Version"`
	ProductName  string `xml:"ProductName"`
	Medium       string `xml:"Medium"`
	AccessNumber int    `xml:"AccessNumber"`
	Status       string `xml:"Status"`
	Signature    string `xml:"Signature"`
}

type xmlDataRecord struct {
	ID            int    `xml:"id,attr"`
	Frame         string `xml:"frame,attr,omitempty"`
	Function      string `xml:"Function"`
	StorageNumber int    `xml:"StorageNumber"`
	Tariff        *int   `xml:"Tariff,omitempty"`
	Device        *int   `xml:"Device,omitempty"`
	Unit          string `xml:"Unit"`
	Value         string `xml:"Value"`
}

// XML renders the decoded reply as an MBusData document. Records are numbered
// across the whole chain; the frame attribute is set when the chain has more
// than one frame.
func (r *Reply) XML() (string, error) {
	blocks, err := r.Decode()
	if err != nil {
		return "", err
	}

	hdr := blocks[0].Header
	doc := xmlDocument{SlaveInformation: xmlSlaveInfo{
		ID:           hdr.ID,
		Manufacturer: ManufacturerCode(hdr.Manufacturer),
		Version:      int(hdr.Version),
		Medium:       MediumName(hdr.Medium),
		AccessNumber: int(hdr.AccessNumber),
		Status:       fmt.Sprintf("%02X", hdr.Status),
		Signature:    fmt.Sprintf("%04X", hdr.Signature),
	}}

	id := 0
	for n, vd := range blocks {
		for _, rec := range vd.Records {
			xr := xmlDataRecord{
				ID:            id,
				Function:      rec.Function(),
				StorageNumber: rec.StorageNumber(),
				Unit:          rec.Unit(),
				Value:         rec.Value(),
			}
			if len(blocks) > 1 {
				xr.Frame = strconv.Itoa(n)
			}
			if len(rec.DIFE) > 0 {
				tariff, device := rec.Tariff(), rec.Device()
				xr.Tariff, xr.Device = &tariff, &device
			}
			doc.DataRecords = append(doc.DataRecords, xr)
			id++
		}
	}

	out, err := xml.MarshalIndent(doc, "", "    ")
	if err != nil {
		return "", fmt.Errorf("marshal reply: %w", err)
	}
	return xml.Header + string(out) + "\n", nil
}
