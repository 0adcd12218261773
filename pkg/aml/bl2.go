package aml

import (
	"time"

	"github.com/golang/glog"
)

// Bl2Boot chain-loads the device out of bare USB mode: it stages the BL2
// image at its fixed load address, jumps to it, then serves the pull
// requests BL2 issues for the full bootloader until the transfer settles.
// Passing nil images selects the embedded defaults. After completion the
// device drops off the bus and rebinds in USB burn mode.
func (d *Device) Bl2Boot(bl2, bootloader []byte) error {
	if bl2 == nil {
		bl2 = bl2Bin
	}
	if bootloader == nil {
		bootloader = bootloaderBin
	}

	glog.Infof("sending bl2 binary to address %#X...", uint32(AddrBL2))
	if err := d.WriteLargeMemory(AddrBL2, bl2, 4096, true); err != nil {
		return err
	}

	glog.Info("booting from bl2...")
	if err := d.Run(AddrBL2, true); err != nil {
		return err
	}

	glog.V(1).Info("waiting for bootloader to initialize...")
	d.sleep(2 * time.Second)

	var prevLength, prevOffset uint32
	var seq uint8

	const maxRetries = 3
	const maxIterations = 50

	glog.Info("starting AMLC data transfer sequence...")

	for iterations := 0; ; iterations++ {
		if iterations >= maxIterations {
			return invalidOp("maximum iterations reached in bl2 boot")
		}

		var length, offset uint32
		for retry := 0; ; retry++ {
			var err error
			length, offset, err = d.GetBootAMLC()
			if err == nil {
				break
			}
			if retry+1 >= maxRetries {
				glog.Errorf("failed to get boot amlc data after %d attempts: %v", maxRetries, err)
				return err
			}
			glog.Warningf("failed to get boot amlc, retry %d/%d: %v", retry+1, maxRetries, err)
			d.sleep(500 * time.Millisecond)
		}

		glog.V(1).Infof("amlc request: dataSize=%d, offset=%d, seq=%d", length, offset, seq)

		if length == prevLength && offset == prevOffset {
			// The same request twice means BL2 has everything it asked for.
			glog.V(1).Info("amlc transfer complete - received same length/offset twice")
			break
		}
		prevLength, prevOffset = length, offset

		if int(offset) >= len(bootloader) {
			glog.Warningf("amlc requested offset %d exceeds bootloader size %d", offset, len(bootloader))
			if err := d.WriteAMLCDataPacket(seq, offset, nil); err != nil {
				return err
			}
		} else {
			actual := min(int(length), len(bootloader)-int(offset))
			glog.V(1).Infof("sending %d bytes at offset %d with seq %d", actual, offset, seq)
			if err := d.WriteAMLCDataPacket(seq, offset, bootloader[int(offset):int(offset)+actual]); err != nil {
				return err
			}
		}

		seq++
		d.sleep(100 * time.Millisecond)
	}

	glog.Info("bl2 boot sequence completed successfully!")
	return nil
}
