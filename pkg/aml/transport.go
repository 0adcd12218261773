package aml

import (
	"context"
	"sort"
	"time"

	"github.com/golang/glog"
	"github.com/google/gousb"
)

// transport is the narrow seam between the SoC command surface and the USB
// stack, so commands can be driven against a scripted double in tests.
type transport interface {
	// ControlOut issues a vendor control transfer with bmRequestType 0x40.
	ControlOut(request uint8, value, index uint16, data []byte, timeout time.Duration) error
	// ControlIn issues a vendor control transfer with bmRequestType 0xC0 and
	// returns the bytes the device produced (possibly fewer than length).
	ControlIn(request uint8, value, index uint16, length int, timeout time.Duration) ([]byte, error)
	// BulkOut writes to the claimed OUT endpoint.
	BulkOut(data []byte, timeout time.Duration) (int, error)
	// BulkIn reads from the claimed IN endpoint.
	BulkIn(buf []byte, timeout time.Duration) (int, error)
	Close() error
}

const (
	rTypeVendorOut uint8 = gousb.ControlOut | gousb.ControlVendor | gousb.ControlDevice
	rTypeVendorIn  uint8 = gousb.ControlIn | gousb.ControlVendor | gousb.ControlDevice
)

// usbTransport owns the claimed interface and bulk endpoints of the one
// Amlogic device on the bus.
type usbTransport struct {
	ctx   *gousb.Context
	dev   *gousb.Device
	cfg   *gousb.Config
	intf  *gousb.Interface
	epIn  *gousb.InEndpoint
	epOut *gousb.OutEndpoint
}

// openTransport locates the unique device matching the burn-mode vendor and
// product ids, claims interface 0 at its first alternate setting, and
// records the first IN and OUT endpoints.
func openTransport() (*usbTransport, error) {
	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(VendorID), gousb.ID(ProductID))
	if err != nil {
		ctx.Close()
		return nil, usbErr("open device", err)
	}
	if dev == nil {
		ctx.Close()
		return nil, invalidOp("device not found")
	}

	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, invalidOp("configuration not available: %v", err)
	}

	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, invalidOp("interface not found: %v", err)
	}

	inNum, outNum, err := firstEndpoints(intf.Setting)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, err
	}

	epIn, err := intf.InEndpoint(inNum)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, invalidOp("IN endpoint not found: %v", err)
	}
	epOut, err := intf.OutEndpoint(outNum)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, invalidOp("OUT endpoint not found: %v", err)
	}

	glog.Infof("device connected, claimed interface %d", intf.Setting.Number)
	return &usbTransport{ctx: ctx, dev: dev, cfg: cfg, intf: intf, epIn: epIn, epOut: epOut}, nil
}

// firstEndpoints picks the lowest-addressed IN and OUT endpoints of the
// active alternate setting.
func firstEndpoints(setting gousb.InterfaceSetting) (in, out int, err error) {
	descs := make([]gousb.EndpointDesc, 0, len(setting.Endpoints))
	for _, ep := range setting.Endpoints {
		descs = append(descs, ep)
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].Address < descs[j].Address })

	inNum, outNum := -1, -1
	for _, ep := range descs {
		switch ep.Direction {
		case gousb.EndpointDirectionIn:
			if inNum < 0 {
				inNum = ep.Number
			}
		case gousb.EndpointDirectionOut:
			if outNum < 0 {
				outNum = ep.Number
			}
		}
	}
	if inNum < 0 {
		return 0, 0, invalidOp("IN endpoint not found")
	}
	if outNum < 0 {
		return 0, 0, invalidOp("OUT endpoint not found")
	}
	return inNum, outNum, nil
}

func (t *usbTransport) ControlOut(request uint8, value, index uint16, data []byte, timeout time.Duration) error {
	t.dev.ControlTimeout = timeout
	if _, err := t.dev.Control(rTypeVendorOut, request, value, index, data); err != nil {
		return usbErr("control out", err)
	}
	return nil
}

func (t *usbTransport) ControlIn(request uint8, value, index uint16, length int, timeout time.Duration) ([]byte, error) {
	t.dev.ControlTimeout = timeout
	buf := make([]byte, length)
	n, err := t.dev.Control(rTypeVendorIn, request, value, index, buf)
	if err != nil {
		return nil, usbErr("control in", err)
	}
	return buf[:n], nil
}

func (t *usbTransport) BulkOut(data []byte, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	n, err := t.epOut.WriteContext(ctx, data)
	if err != nil {
		return n, usbErr("bulk out", err)
	}
	return n, nil
}

func (t *usbTransport) BulkIn(buf []byte, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	n, err := t.epIn.ReadContext(ctx, buf)
	if err != nil {
		return n, usbErr("bulk in", err)
	}
	return n, nil
}

// Close releases the claimed interface and the device handle. Release
// failures are logged, never raised.
func (t *usbTransport) Close() error {
	if t.intf != nil {
		t.intf.Close()
		t.intf = nil
	}
	if t.cfg != nil {
		if err := t.cfg.Close(); err != nil {
			glog.Warningf("failed to release usb configuration: %v", err)
		}
		t.cfg = nil
	}
	if t.dev != nil {
		if err := t.dev.Close(); err != nil {
			glog.Warningf("failed to close usb device: %v", err)
		}
		t.dev = nil
	}
	if t.ctx != nil {
		if err := t.ctx.Close(); err != nil {
			glog.Warningf("failed to close usb context: %v", err)
		}
		t.ctx = nil
	}
	return nil
}
