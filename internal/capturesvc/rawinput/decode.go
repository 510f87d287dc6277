// Package rawinput receives hardware mouse reports through the Windows Raw Input API.
//
// Raw input carries the device's own relative motion, so it keeps working when
// the foreground application recenters or clamps the cursor.
package rawinput

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/neuroplastio/mousetrail/internal/capturesvc"
)

// rawInputHeader mirrors RAWINPUTHEADER.
type rawInputHeader struct {
	Type   uint32
	Size   uint32
	Device uintptr
	WParam uintptr
}

// HeaderSize is sizeof(RAWINPUTHEADER) for this architecture: 24 on 64-bit, 16 on 32-bit.
const HeaderSize = int(unsafe.Sizeof(rawInputHeader{}))

// MaxPayloadSize bounds a single WM_INPUT payload. Mouse reports are far smaller.
const MaxPayloadSize = 1024

// Offsets inside RAWMOUSE, relative to the end of the header.
const (
	offsetFlags = 0
	offsetLastX = 12
	offsetLastY = 16
	mouseLength = 20
)

// Decode reads a RAWINPUT payload. Reports from non-mouse devices are returned
// with only DeviceType set.
func Decode(payload []byte, headerSize int) (capturesvc.Report, error) {
	if len(payload) < headerSize || len(payload) > MaxPayloadSize || headerSize < 8 {
		return capturesvc.Report{}, fmt.Errorf("%w: %d bytes", capturesvc.ErrMalformedReport, len(payload))
	}
	report := capturesvc.Report{
		DeviceType: binary.LittleEndian.Uint32(payload[0:]),
	}
	if report.DeviceType != capturesvc.DeviceTypeMouse {
		return report, nil
	}
	size := int(binary.LittleEndian.Uint32(payload[4:]))
	if len(payload) < headerSize+mouseLength || size < headerSize+mouseLength {
		return capturesvc.Report{}, fmt.Errorf("%w: mouse report of %d bytes", capturesvc.ErrMalformedReport, len(payload))
	}
	mouse := payload[headerSize:]
	report.Flags = binary.LittleEndian.Uint16(mouse[offsetFlags:])
	report.DX = int32(binary.LittleEndian.Uint32(mouse[offsetLastX:]))
	report.DY = int32(binary.LittleEndian.Uint32(mouse[offsetLastY:]))
	return report, nil
}
