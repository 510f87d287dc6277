//go:build windows

package rawinput

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"unsafe"

	"github.com/neuroplastio/mousetrail/internal/capturesvc"
	"go.uber.org/zap"
	"golang.org/x/sys/windows"
)

var (
	user32   = windows.NewLazySystemDLL("user32.dll")
	kernel32 = windows.NewLazySystemDLL("kernel32.dll")

	procRegisterClassExW        = user32.NewProc("RegisterClassExW")
	procUnregisterClassW        = user32.NewProc("UnregisterClassW")
	procCreateWindowExW         = user32.NewProc("CreateWindowExW")
	procDestroyWindow           = user32.NewProc("DestroyWindow")
	procShowWindow              = user32.NewProc("ShowWindow")
	procDefWindowProcW          = user32.NewProc("DefWindowProcW")
	procRegisterRawInputDevices = user32.NewProc("RegisterRawInputDevices")
	procGetRawInputData         = user32.NewProc("GetRawInputData")
	procPeekMessageW            = user32.NewProc("PeekMessageW")
	procTranslateMessage        = user32.NewProc("TranslateMessage")
	procDispatchMessageW        = user32.NewProc("DispatchMessageW")
	procGetModuleHandleW        = kernel32.NewProc("GetModuleHandleW")
)

const (
	className  = "MouseTrailRawInput"
	windowName = "MouseTrail"

	// raw input is only delivered to an overlapped window, even a hidden one
	wsOverlappedWindow = 0x00CF0000
	swHide             = 0
	pmRemove           = 0x0001
	wmInput            = 0x00FF
	ridInput           = 0x10000003

	ridevRemove    = 0x00000001
	ridevInputSink = 0x00000100

	hidUsagePageGeneric  = 0x01
	hidUsageGenericMouse = 0x02

	errorClassAlreadyExists = 1410
)

type wndClassEx struct {
	Size       uint32
	Style      uint32
	WndProc    uintptr
	ClsExtra   int32
	WndExtra   int32
	Instance   uintptr
	Icon       uintptr
	Cursor     uintptr
	Background uintptr
	MenuName   *uint16
	ClassName  *uint16
	IconSm     uintptr
}

type rawInputDevice struct {
	UsagePage uint16
	Usage     uint16
	Flags     uint32
	Target    uintptr
}

type point struct {
	X int32
	Y int32
}

type message struct {
	Hwnd    uintptr
	Message uint32
	WParam  uintptr
	LParam  uintptr
	Time    uint32
	Pt      point
	Private uint32
}

// The window procedure is created once per process: callbacks are a limited
// resource and the address must stay valid for every window of the class.
var (
	wndProcOnce sync.Once
	wndProc     uintptr
)

func defaultWindowProc(hwnd, msg, wParam, lParam uintptr) uintptr {
	r, _, _ := procDefWindowProcW.Call(hwnd, msg, wParam, lParam)
	return r
}

// Backend implements capturesvc.Backend with a hidden window registered as a raw input sink.
// It must be opened, pumped and closed from the same OS thread.
type Backend struct {
	log *zap.Logger

	instance uintptr
	class    *uint16
	hwnd     uintptr
	buf      []byte
}

func NewBackend(log *zap.Logger) *Backend {
	return &Backend{
		log: log,
		buf: make([]byte, MaxPayloadSize),
	}
}

func (b *Backend) Open() error {
	wndProcOnce.Do(func() {
		wndProc = windows.NewCallback(defaultWindowProc)
	})

	b.instance, _, _ = procGetModuleHandleW.Call(0)
	class, err := windows.UTF16PtrFromString(className)
	if err != nil {
		return fmt.Errorf("failed to encode class name: %w", err)
	}
	title, err := windows.UTF16PtrFromString(windowName)
	if err != nil {
		return fmt.Errorf("failed to encode window name: %w", err)
	}

	wc := wndClassEx{
		WndProc:   wndProc,
		Instance:  b.instance,
		ClassName: class,
	}
	wc.Size = uint32(unsafe.Sizeof(wc))
	atom, _, err := procRegisterClassExW.Call(uintptr(unsafe.Pointer(&wc)))
	if atom == 0 && errorCode(err) != errorClassAlreadyExists {
		return stepError("RegisterClassEx", err)
	}
	b.class = class

	hwnd, _, err := procCreateWindowExW.Call(
		0,
		uintptr(unsafe.Pointer(class)),
		uintptr(unsafe.Pointer(title)),
		wsOverlappedWindow,
		0, 0, 1, 1,
		0, 0, b.instance, 0,
	)
	if hwnd == 0 {
		b.unregisterClass()
		return stepError("CreateWindowEx", err)
	}
	b.hwnd = hwnd
	procShowWindow.Call(hwnd, swHide)

	// INPUTSINK delivers reports while the window is in the background.
	rid := rawInputDevice{
		UsagePage: hidUsagePageGeneric,
		Usage:     hidUsageGenericMouse,
		Flags:     ridevInputSink,
		Target:    hwnd,
	}
	ok, _, err := procRegisterRawInputDevices.Call(uintptr(unsafe.Pointer(&rid)), 1, unsafe.Sizeof(rid))
	if ok == 0 {
		b.destroyWindow()
		b.unregisterClass()
		return stepError("RegisterRawInputDevices", err)
	}

	b.log.Info("Raw input registered", zap.Uintptr("hwnd", hwnd), zap.Int("headerSize", HeaderSize))
	return nil
}

// Pump drains the thread's message queue. WM_INPUT reports are decoded and
// passed to emit; unreadable reports are skipped and returned joined.
func (b *Backend) Pump(emit func(capturesvc.Report)) error {
	var errs []error
	var msg message
	for {
		// hwnd 0 retrieves every message of this thread, WM_INPUT included
		r, _, _ := procPeekMessageW.Call(uintptr(unsafe.Pointer(&msg)), 0, 0, 0, pmRemove)
		if r == 0 {
			break
		}
		if msg.Message == wmInput {
			report, err := b.read(msg.LParam)
			if err != nil {
				errs = append(errs, err)
			} else {
				emit(report)
			}
		}
		procTranslateMessage.Call(uintptr(unsafe.Pointer(&msg)))
		procDispatchMessageW.Call(uintptr(unsafe.Pointer(&msg)))
	}
	return errors.Join(errs...)
}

func (b *Backend) read(handle uintptr) (capturesvc.Report, error) {
	var size uint32
	r, _, err := procGetRawInputData.Call(handle, ridInput, 0, uintptr(unsafe.Pointer(&size)), uintptr(HeaderSize))
	if uint32(r) == math.MaxUint32 {
		return capturesvc.Report{}, fmt.Errorf("failed to query raw input size: %w", err)
	}
	if size == 0 || int(size) > len(b.buf) {
		return capturesvc.Report{}, fmt.Errorf("%w: payload of %d bytes", capturesvc.ErrMalformedReport, size)
	}
	n, _, err := procGetRawInputData.Call(handle, ridInput, uintptr(unsafe.Pointer(&b.buf[0])), uintptr(unsafe.Pointer(&size)), uintptr(HeaderSize))
	if n == 0 || uint32(n) == math.MaxUint32 {
		return capturesvc.Report{}, fmt.Errorf("failed to read raw input: %w", err)
	}
	return Decode(b.buf[:n], HeaderSize)
}

func (b *Backend) Close() error {
	var errs []error
	rid := rawInputDevice{
		UsagePage: hidUsagePageGeneric,
		Usage:     hidUsageGenericMouse,
		Flags:     ridevRemove,
	}
	ok, _, err := procRegisterRawInputDevices.Call(uintptr(unsafe.Pointer(&rid)), 1, unsafe.Sizeof(rid))
	if ok == 0 {
		errs = append(errs, stepError("RegisterRawInputDevices", err))
	}
	errs = append(errs, b.destroyWindow(), b.unregisterClass())
	return errors.Join(errs...)
}

func (b *Backend) destroyWindow() error {
	if b.hwnd == 0 {
		return nil
	}
	ok, _, err := procDestroyWindow.Call(b.hwnd)
	b.hwnd = 0
	if ok == 0 {
		return stepError("DestroyWindow", err)
	}
	return nil
}

func (b *Backend) unregisterClass() error {
	if b.class == nil {
		return nil
	}
	ok, _, err := procUnregisterClassW.Call(uintptr(unsafe.Pointer(b.class)), b.instance)
	b.class = nil
	if ok == 0 {
		return stepError("UnregisterClass", err)
	}
	return nil
}

func stepError(step string, err error) error {
	return &capturesvc.StepError{Step: step, Code: errorCode(err), Err: err}
}

func errorCode(err error) uint32 {
	var errno windows.Errno
	if errors.As(err, &errno) {
		return uint32(errno)
	}
	return 0
}
