package aml

import "time"

// USB identity of the Amlogic ROM / BL2 burn interface.
const (
	VendorID  = 0x1b8e
	ProductID = 0xc003
)

// USB identity when the device has booted product firmware (adb/usbnet gadget).
const (
	vendorIDNormal  = 0x18d1
	productIDNormal = 0x4e40
)

// Vendor request codes understood by the ROM / BL2.
const (
	reqWriteMem     = 0x01
	reqReadMem      = 0x02
	reqRunInAddr    = 0x05
	reqWrLargeMem   = 0x11
	reqIdentifyHost = 0x20
	reqBulkcmd      = 0x34
	reqGetAMLC      = 0x50
	reqWriteAMLC    = 0x60
)

const (
	// AddrBL2 is where the ROM expects the second-stage loader.
	AddrBL2 = 0xfffa0000
	// AddrTmp is the staging RAM window used between USB transfers and eMMC
	// commits.
	AddrTmp = 0x01080000

	flagKeepPowerOn = 0x10
)

const (
	amlcAmlsBlockLength   = 0x200
	amlcMaxBlockLength    = 0x4000
	amlcMaxTransferLength = 65536
)

const (
	// PartSectorSize is the eMMC sector size used by the partition table.
	PartSectorSize = 512
	// TransferBlockSize is the bulk block length used for staging-RAM writes.
	TransferBlockSize = 8 * PartSectorSize
	// transferSizeThreshold is how much data is staged in RAM per eMMC commit.
	transferSizeThreshold = 8 * 1024 * 1024
)

const commandTimeout = 10 * time.Second
