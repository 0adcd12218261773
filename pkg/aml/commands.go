package aml

import (
	"bytes"
	"encoding/binary"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/golang/glog"
)

// addrSplit packs an address into the value/index words of an
// address-bearing vendor request.
func addrSplit(address uint32) (value, index uint16) {
	return uint16(address >> 16), uint16(address & 0xffff)
}

// WriteSimpleMemory writes up to 64 bytes to RAM through a single control
// transfer.
func (d *Device) WriteSimpleMemory(address uint32, data []byte) error {
	glog.V(1).Infof("writing simple memory at address: %#X, length: %d", address, len(data))
	if len(data) > 64 {
		return invalidOp("maximum size of 64 bytes")
	}
	value, index := addrSplit(address)
	return d.tr.ControlOut(reqWriteMem, value, index, data, commandTimeout)
}

// WriteMemory writes an arbitrary amount of RAM in 64-byte chunks.
func (d *Device) WriteMemory(address uint32, data []byte) error {
	glog.V(1).Infof("writing memory starting at address: %#X with total length: %d", address, len(data))
	for offset := 0; offset < len(data); {
		chunk := min(64, len(data)-offset)
		if err := d.WriteSimpleMemory(address+uint32(offset), data[offset:offset+chunk]); err != nil {
			return err
		}
		offset += chunk
	}
	return nil
}

// ReadSimpleMemory reads up to 64 bytes of RAM through a single control
// transfer.
func (d *Device) ReadSimpleMemory(address uint32, length int) ([]byte, error) {
	glog.V(1).Infof("reading simple memory at address: %#X with length: %d", address, length)
	if length == 0 {
		return nil, nil
	}
	if length > 64 {
		return nil, invalidOp("maximum size of 64 bytes")
	}
	value, index := addrSplit(address)
	buf, err := d.tr.ControlIn(reqReadMem, value, index, length, commandTimeout)
	if err != nil {
		return nil, err
	}
	if len(buf) != length {
		return nil, invalidOp("incomplete read")
	}
	return buf, nil
}

// ReadMemory reads an arbitrary amount of RAM in 64-byte chunks.
func (d *Device) ReadMemory(address uint32, length int) ([]byte, error) {
	glog.V(1).Infof("reading memory at address: %#X with length: %d", address, length)
	data := make([]byte, 0, length)
	for offset := 0; offset < length; {
		chunk := min(64, length-offset)
		part, err := d.ReadSimpleMemory(address+uint32(offset), chunk)
		if err != nil {
			return nil, err
		}
		data = append(data, part...)
		offset += chunk
	}
	return data, nil
}

// Run jumps to code at the given address. With keepPower the run flag keeps
// the PMIC from cutting power during the jump.
func (d *Device) Run(address uint32, keepPower bool) error {
	glog.V(1).Infof("running at address: %#X with keep_power: %t", address, keepPower)
	target := address
	if keepPower {
		target |= flagKeepPowerOn
	}
	var payload [4]byte
	binary.LittleEndian.PutUint32(payload[:], target)
	value, index := addrSplit(address)
	return d.tr.ControlOut(reqRunInAddr, value, index, payload[:], commandTimeout)
}

// Identify reads the 8-byte ROM identity string.
func (d *Device) Identify() (string, error) {
	glog.V(1).Info("identifying device")
	buf, err := d.tr.ControlIn(reqIdentifyHost, 0, 0, 8, commandTimeout)
	if err != nil {
		return "", err
	}
	if len(buf) != 8 {
		return "", invalidOp("failed to read identify data")
	}
	return string(buf), nil
}

// Bulkcmd sends a NUL-terminated U-Boot style command and reads its short
// textual reply from the IN endpoint. Replies that do not contain "success"
// fail the command.
func (d *Device) Bulkcmd(command string) (string, error) {
	glog.V(1).Infof("sending bulk command: %q", command)
	payload := append([]byte(command), 0x00)
	if err := d.tr.ControlOut(reqBulkcmd, 0, 0, payload, commandTimeout); err != nil {
		return "", err
	}

	buf := make([]byte, 512)
	n, err := d.tr.BulkIn(buf, commandTimeout)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", invalidOp("no response received for bulk command")
	}

	trimmed := bytes.Trim(buf[:n], "\x00")
	if !utf8.Valid(trimmed) {
		return "", &UTF8Error{What: "bulk command response"}
	}
	response := string(trimmed)
	if !strings.Contains(strings.ToLower(response), "success") {
		return "", invalidOp("bulk command failed, response did not contain 'success': %s", response)
	}
	return response, nil
}

// WriteLargeMemory stages data into RAM through the block-framed large
// transfer request. With appendZeros the payload is padded up to a whole
// number of blocks; otherwise a ragged payload is refused.
func (d *Device) WriteLargeMemory(address uint32, data []byte, blockLength int, appendZeros bool) error {
	glog.V(1).Infof("writing large memory to address: %#X with data length: %d", address, len(data))
	if blockLength <= 0 {
		return invalidOp("block length must be positive")
	}

	if remainder := len(data) % blockLength; remainder != 0 {
		if !appendZeros {
			return invalidOp("large data must be a multiple of block length")
		}
		data = append(append([]byte{}, data...), make([]byte, blockLength-remainder)...)
	}

	blockCount := len(data) / blockLength
	if blockCount > 0xffff {
		// The block-count field is 16 bits on the wire.
		return invalidOp("transfer of %d blocks exceeds the wire limit", blockCount)
	}

	var header [16]byte
	binary.LittleEndian.PutUint32(header[0:4], address)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))
	if err := d.tr.ControlOut(reqWrLargeMem, uint16(blockLength), uint16(blockCount), header[:], commandTimeout); err != nil {
		return err
	}

	for offset := 0; offset < len(data); offset += blockLength {
		glog.V(2).Infof("writing actual data from offset: %#X", offset)
		if _, err := d.tr.BulkOut(data[offset:offset+blockLength], 2*time.Second); err != nil {
			return err
		}
	}
	return nil
}
