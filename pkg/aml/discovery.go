package aml

import (
	"time"

	"github.com/golang/glog"
	"github.com/google/gousb"
)

// DeviceMode classifies what the Car Thing booted into.
type DeviceMode int

const (
	// ModeNotFound means no recognized device is on the bus.
	ModeNotFound DeviceMode = iota
	// ModeNormal means the product firmware is running; wrong mode for
	// flashing.
	ModeNormal
	// ModeUsb means the ROM stage is waiting for a BL2 image.
	ModeUsb
	// ModeUsbBurn means BL2 is running and the device accepts commands.
	ModeUsbBurn
)

func (m DeviceMode) String() string {
	switch m {
	case ModeNormal:
		return "Normal"
	case ModeUsb:
		return "Usb"
	case ModeUsbBurn:
		return "UsbBurn"
	}
	return "NotFound"
}

// FindDevice enumerates the bus and classifies the first recognized device.
// A device presenting the burn-mode ids is probed for its product string:
// "GX-CHIP" distinguishes the bare ROM (usb mode) from a running BL2
// (usb burn mode). Any probe failure counts as burn mode.
func FindDevice() DeviceMode {
	ctx := gousb.NewContext()
	defer ctx.Close()

	sawNormal, sawBurn := false, false
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if desc.Vendor == gousb.ID(vendorIDNormal) && desc.Product == gousb.ID(productIDNormal) {
			sawNormal = true
		}
		if desc.Vendor == gousb.ID(VendorID) && desc.Product == gousb.ID(ProductID) {
			sawBurn = true
			return true
		}
		return false
	})
	defer func() {
		for _, d := range devs {
			d.Close()
		}
	}()

	if sawNormal {
		glog.V(1).Info("found device booted normally, with USB gadget (adb/usbnet) enabled")
		return ModeNormal
	}

	if len(devs) > 0 {
		dev := devs[0]
		dev.ControlTimeout = 100 * time.Millisecond
		product, perr := dev.Product()
		if perr != nil {
			glog.V(1).Infof("found device in USB burn mode (unable to read product string: %v)", perr)
			return ModeUsbBurn
		}
		if product == "GX-CHIP" {
			glog.V(1).Info("found device booted in USB mode (buttons 1 & 4 held at boot)")
			return ModeUsb
		}
		glog.V(1).Info("found device booted in USB burn mode (ready for commands)")
		return ModeUsbBurn
	}

	if sawBurn {
		// The burn device is present but could not be opened; treat it the
		// same as an unreadable product string.
		glog.V(1).Infof("found device in USB burn mode (unable to open: %v)", err)
		return ModeUsbBurn
	}
	if err != nil {
		glog.V(1).Infof("device enumeration incomplete: %v", err)
	}

	glog.V(1).Info("no device found")
	return ModeNotFound
}
