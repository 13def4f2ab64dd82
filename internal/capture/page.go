package capture

import (
	"bytes"
	"encoding/binary"
	"io"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	tiffLE  = []byte("II*\x00")
	tiffBE  = []byte("MM\x00*")
)

const (
	markerAPP0 = 0xE0
	markerSOS  = 0xDA

	tagXResolution = 282
)

// Resolution returns the horizontal resolution recorded in an encoded
// JPEG (JFIF) or TIFF page, or 0 when the page does not carry one.
func (p *Page) Resolution() int {
	switch {
	case !p.Encoded():
		return 0
	case bytes.HasPrefix(p.Data, jpegSOI):
		return jfifResolution(p.Data[len(jpegSOI):])
	case bytes.HasPrefix(p.Data, tiffLE):
		return tiffResolution(p.Data, binary.LittleEndian)
	case bytes.HasPrefix(p.Data, tiffBE):
		return tiffResolution(p.Data, binary.BigEndian)
	}
	return 0
}

type jfifHeader struct {
	Ident    [5]byte
	Version  uint16
	Units    uint8
	XDensity uint16
	YDensity uint16
}

// jfifResolution walks the marker segments after SOI up to the first
// scan, looking for the JFIF APP0 header.
func jfifResolution(data []byte) int {
	r := bytes.NewReader(data)
	for {
		var seg struct {
			Marker [2]byte
			Length uint16
		}
		if err := binary.Read(r, binary.BigEndian, &seg); err != nil {
			return 0
		}
		if seg.Marker[0] != 0xFF || seg.Marker[1] == markerSOS || seg.Length < 2 {
			return 0
		}
		start := r.Size() - int64(r.Len())
		body := int64(seg.Length) - 2
		if seg.Marker[1] == markerAPP0 {
			var h jfifHeader
			err := binary.Read(io.NewSectionReader(r, start, body), binary.BigEndian, &h)
			if err == nil && string(h.Ident[:]) == "JFIF\x00" {
				return densityDPI(h.Units, h.XDensity)
			}
		}
		if _, err := r.Seek(start+body, io.SeekStart); err != nil {
			return 0
		}
	}
}

func densityDPI(units uint8, density uint16) int {
	switch units {
	case 1: // per inch
		return int(density)
	case 2: // per centimetre
		return int(float64(density) * 2.54)
	}
	return 0
}

// tiffResolution reads XResolution from the first IFD.
func tiffResolution(data []byte, order binary.ByteOrder) int {
	r := bytes.NewReader(data)
	var hdr struct {
		Order [2]byte
		Magic uint16
		IFD   uint32
	}
	if err := binary.Read(r, order, &hdr); err != nil {
		return 0
	}
	if _, err := r.Seek(int64(hdr.IFD), io.SeekStart); err != nil {
		return 0
	}
	var count uint16
	if err := binary.Read(r, order, &count); err != nil {
		return 0
	}
	for range count {
		var entry struct {
			Tag, Type uint16
			Count     uint32
			Offset    uint32
		}
		if err := binary.Read(r, order, &entry); err != nil {
			return 0
		}
		if entry.Tag != tagXResolution {
			continue
		}
		var rational struct{ Num, Den uint32 }
		if err := binary.Read(io.NewSectionReader(r, int64(entry.Offset), 8), order, &rational); err != nil || rational.Den == 0 {
			return 0
		}
		return int(rational.Num / rational.Den)
	}
	return 0
}
