package aml

import (
	"encoding/binary"
	"time"

	"github.com/golang/glog"
)

// amlcChecksum is the additive checksum the BL2 expects over a pulled
// packet: consume 4 bytes as a little-endian u32 while possible, then 3
// (masked to 24 bits), then 2, then 1, wrap-adding into a u32 accumulator.
func amlcChecksum(data []byte) uint32 {
	var sum uint32
	for offset := 0; offset < len(data); {
		var val uint32
		switch remaining := len(data) - offset; {
		case remaining >= 4:
			val = binary.LittleEndian.Uint32(data[offset : offset+4])
			offset += 4
		case remaining == 3:
			val = uint32(data[offset]) | uint32(data[offset+1])<<8 | uint32(data[offset+2])<<16
			offset += 3
		case remaining == 2:
			val = uint32(binary.LittleEndian.Uint16(data[offset : offset+2]))
			offset += 2
		default:
			val = uint32(data[offset])
			offset++
		}
		sum += val
	}
	return sum
}

// WriteAMLCData answers one AMLC pull: a header control transfer followed by
// the payload in bulk chunks of at most 16 KiB, then the device's 16-byte
// "OKAY" acknowledgment. Chunk writes and the ACK read each retry up to
// three times.
func (d *Device) WriteAMLCData(offset uint32, data []byte) error {
	glog.V(1).Infof("writing amlc data at offset: %#X with length: %d", offset, len(data))

	value := uint16(offset / amlcAmlsBlockLength)
	index := uint16(len(data) - 1)
	if err := d.tr.ControlOut(reqWriteAMLC, value, index, nil, commandTimeout); err != nil {
		return err
	}

	const bulkTimeout = time.Second
	const maxRetries = 3

	for dataOffset := 0; dataOffset < len(data); {
		blockLength := min(len(data)-dataOffset, amlcMaxBlockLength)
		chunk := data[dataOffset : dataOffset+blockLength]

		sent := false
		for retries := 0; !sent && retries < maxRetries; {
			written, err := d.tr.BulkOut(chunk, bulkTimeout)
			if err != nil {
				glog.Warningf("error in bulk write: %v. Retry %d/%d", err, retries+1, maxRetries)
				retries++
				if retries >= maxRetries {
					return err
				}
				d.sleep(100 * time.Millisecond)
				continue
			}
			if written != blockLength {
				glog.Warningf("incomplete bulk write: %d of %d bytes. Retry %d/%d", written, blockLength, retries+1, maxRetries)
				retries++
				if retries >= maxRetries {
					return invalidOp("incomplete bulk write: %d of %d bytes", written, blockLength)
				}
				d.sleep(100 * time.Millisecond)
				continue
			}
			sent = true
			glog.V(2).Infof("bulk write in AMLC data, data_offset: %d, chunk: %d", dataOffset, blockLength)
		}

		dataOffset += blockLength
		d.sleep(10 * time.Millisecond)
	}

	ack := make([]byte, 16)
	read := 0
	for retries := 0; retries < maxRetries; retries++ {
		n, err := d.tr.BulkIn(ack, bulkTimeout)
		if err != nil {
			glog.Warningf("error reading ack: %v. retry %d/%d", err, retries+1, maxRetries)
		} else {
			read = n
			if read >= 4 {
				break
			}
			glog.Warningf("short ack read: %d bytes. retry %d/%d", read, retries+1, maxRetries)
		}
		d.sleep(100 * time.Millisecond)
	}

	if read < 4 {
		return invalidOp("no acknowledgment received")
	}
	if string(ack[:4]) != "OKAY" {
		return invalidOp("invalid amlc data write ack: %s", ack[:4])
	}
	return nil
}

// WriteAMLCDataPacket sends one pulled packet: the payload in transfers of
// at most 64 KiB, then the 512-byte AMLS trailer block carrying the
// sequence number and checksum.
func (d *Device) WriteAMLCDataPacket(seq uint8, amlcOffset uint32, data []byte) error {
	glog.V(1).Infof("writing amlc data packet, seq: %d, offset: %#X", seq, amlcOffset)

	for offset := 0; offset < len(data); {
		writeLength := min(amlcMaxTransferLength, len(data)-offset)
		glog.V(2).Infof("sending amlc data packet chunk at offset: %d with length: %d", offset, writeLength)
		if err := d.WriteAMLCData(0, data[offset:offset+writeLength]); err != nil {
			return err
		}
		d.sleep(50 * time.Millisecond)
		offset += writeLength
	}

	// The trailer block is tagged AMLS, not AMLC; it marks the tail packet.
	block := make([]byte, amlcAmlsBlockLength)
	copy(block[0:4], "AMLS")
	block[4] = seq
	binary.LittleEndian.PutUint32(block[8:12], amlcChecksum(data))
	if len(data) > 16 {
		copy(block[16:], data[16:])
	}

	glog.V(1).Infof("sending AMLS block with seq %d to offset %#X", seq, amlcOffset)
	return d.WriteAMLCData(amlcOffset, block)
}

// GetBootAMLC asks BL2 for its next pull request and acknowledges it.
// Returns the requested length and bootloader offset.
func (d *Device) GetBootAMLC() (length, offset uint32, err error) {
	glog.V(1).Info("getting boot amlc data")
	if err := d.tr.ControlOut(reqGetAMLC, amlcAmlsBlockLength, 0, nil, commandTimeout); err != nil {
		return 0, 0, err
	}

	buf := make([]byte, amlcAmlsBlockLength)
	read, err := d.tr.BulkIn(buf, 2*time.Second)
	if err != nil {
		return 0, 0, err
	}
	if read < amlcAmlsBlockLength {
		return 0, 0, invalidOp("no amlc data received")
	}
	if string(buf[0:4]) != "AMLC" {
		return 0, 0, invalidOp("invalid amlc request: %s", buf[0:4])
	}

	length = binary.LittleEndian.Uint32(buf[8:12])
	offset = binary.LittleEndian.Uint32(buf[12:16])

	ack := make([]byte, 16)
	copy(ack[:4], "OKAY")
	if _, err := d.tr.BulkOut(ack, 2*time.Second); err != nil {
		return 0, 0, err
	}
	return length, offset, nil
}
