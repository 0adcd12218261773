// Package aml drives the Amlogic ROM / BL2 burn protocol of the Spotify Car
// Thing over USB: vendor control requests, bulk framing, the AMLC/AMLS
// chain-load handshake, and the staging-RAM to eMMC streaming writers.
package aml

import (
	"time"

	"github.com/golang/glog"
)

// Device is an exclusively-owned handle to the SoC's burn interface. A
// Device is driven by one goroutine at a time; the ROM is a strict state
// machine that requires each command to finish before the next begins.
type Device struct {
	tr    transport
	sleep func(time.Duration)
}

func newDevice(tr transport) *Device {
	return &Device{tr: tr, sleep: time.Sleep}
}

// Connect opens the one Amlogic device on the bus and claims its burn
// interface.
func Connect(callback Callback) (*Device, error) {
	glog.V(1).Info("connecting to Amlogic device")
	emit(callback, Event{Kind: EventConnecting})

	tr, err := openTransport()
	if err != nil {
		return nil, err
	}

	emit(callback, Event{Kind: EventConnected})
	return newDevice(tr), nil
}

// Init discovers the device and brings it into USB burn mode. A device
// sitting in bare USB mode is chain-loaded through BL2 first, then
// reconnected after it rebinds. Normal mode and an empty bus fail
// immediately.
func Init(callback Callback) (*Device, error) {
	emit(callback, Event{Kind: EventFindingDevice})

	mode := FindDevice()
	emit(callback, Event{Kind: EventDeviceMode, Mode: mode})

	switch mode {
	case ModeUsb:
		glog.Info("device booted in usb mode - moving to usb burn mode")
		dev, err := Connect(callback)
		if err != nil {
			return nil, err
		}
		emit(callback, Event{Kind: EventBl2Boot})

		if err := dev.Bl2Boot(nil, nil); err != nil {
			dev.Close()
			return nil, err
		}
		dev.Close()

		emit(callback, Event{Kind: EventResetting})
		glog.V(1).Info("device successfully moved to usb burn mode, sleeping then grabbing new handle")
		time.Sleep(5 * time.Second)
	case ModeUsbBurn:
		glog.Info("device found!")
	case ModeNormal:
		glog.Error("device is booted in normal mode. make sure to power on the car thing while holding buttons 1 & 4")
		return nil, ErrWrongMode
	default:
		glog.Error("device not found!! make sure to power on the car thing while holding buttons 1 & 4")
		return nil, ErrNotFound
	}

	for attempt := 0; attempt < 3; attempt++ {
		dev, err := Connect(callback)
		if err == nil {
			return dev, nil
		}
		glog.V(1).Infof("failed to connect to device: %v. Attempt %d/3", err, attempt+1)
		time.Sleep(time.Second)
	}

	return Connect(callback)
}

// Close releases the claimed interface. Safe to call more than once.
func (d *Device) Close() error {
	if d.tr == nil {
		return nil
	}
	err := d.tr.Close()
	d.tr = nil
	return err
}
