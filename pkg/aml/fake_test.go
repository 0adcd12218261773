package aml

import (
	"errors"
	"time"
)

// controlCall records one control transfer the code under test issued.
type controlCall struct {
	in      bool
	request uint8
	value   uint16
	index   uint16
	data    []byte
	length  int
}

// bulkInReply scripts one answer for a BulkIn call.
type bulkInReply struct {
	data []byte
	err  error
}

var errNoScriptedReply = errors.New("no scripted bulk-in reply")

// fakeTransport is a scripted double for the USB transport. Control-in and
// bulk-in replies are consumed in order; everything sent is recorded.
type fakeTransport struct {
	controls   []controlCall
	bulkOuts   [][]byte
	controlIns [][]byte
	bulkIns    []bulkInReply
	closed     bool
}

func (f *fakeTransport) ControlOut(request uint8, value, index uint16, data []byte, _ time.Duration) error {
	f.controls = append(f.controls, controlCall{
		request: request, value: value, index: index, data: append([]byte{}, data...),
	})
	return nil
}

func (f *fakeTransport) ControlIn(request uint8, value, index uint16, length int, _ time.Duration) ([]byte, error) {
	f.controls = append(f.controls, controlCall{
		in: true, request: request, value: value, index: index, length: length,
	})
	if len(f.controlIns) > 0 {
		reply := f.controlIns[0]
		f.controlIns = f.controlIns[1:]
		return reply, nil
	}
	return make([]byte, length), nil
}

func (f *fakeTransport) BulkOut(data []byte, _ time.Duration) (int, error) {
	f.bulkOuts = append(f.bulkOuts, append([]byte{}, data...))
	return len(data), nil
}

func (f *fakeTransport) BulkIn(buf []byte, _ time.Duration) (int, error) {
	if len(f.bulkIns) == 0 {
		return 0, errNoScriptedReply
	}
	reply := f.bulkIns[0]
	f.bulkIns = f.bulkIns[1:]
	if reply.err != nil {
		return 0, reply.err
	}
	return copy(buf, reply.data), nil
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

// testDevice wires a Device to a fake transport with sleeps disabled.
func testDevice(f *fakeTransport) *Device {
	d := newDevice(f)
	d.sleep = func(time.Duration) {}
	return d
}

// controlsFor filters recorded control calls by request code.
func (f *fakeTransport) controlsFor(request uint8) []controlCall {
	var out []controlCall
	for _, c := range f.controls {
		if c.request == request {
			out = append(out, c)
		}
	}
	return out
}

// okay is a scripted 16-byte AMLC acknowledgment.
func okay() bulkInReply {
	ack := make([]byte, 16)
	copy(ack, "OKAY")
	return bulkInReply{data: ack}
}

// bulkText is a scripted bulk command reply.
func bulkText(s string) bulkInReply {
	return bulkInReply{data: []byte(s)}
}
