package aml

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bulkcmds decodes the text of every bulk command the fake saw.
func bulkcmds(ft *fakeTransport) []string {
	var cmds []string
	for _, c := range ft.controlsFor(reqBulkcmd) {
		cmds = append(cmds, strings.TrimSuffix(string(c.data), "\x00"))
	}
	return cmds
}

func TestWriteLargeMemoryToDisk(t *testing.T) {
	ft := &fakeTransport{bulkIns: []bulkInReply{
		bulkText("success"), // mmc dev 1
		bulkText("success"), // amlmmc key
		bulkText("success"), // mmc write
	}}
	d := testDevice(ft)

	var samples []Progress
	data := bytes.Repeat([]byte{0x42}, 12288)
	err := d.WriteLargeMemoryToDisk(0x4000, bytes.NewReader(data), len(data), 4096, true, func(p Progress) {
		samples = append(samples, p)
	})
	require.NoError(t, err)

	cmds := bulkcmds(ft)
	require.Len(t, cmds, 3)
	assert.Equal(t, "mmc dev 1", cmds[0])
	assert.Equal(t, "amlmmc key", cmds[1])
	assert.Equal(t, fmt.Sprintf("mmc write 0x1080000 0x%X 0x%X", 0x4000/512, 12288/512), cmds[2])

	require.Len(t, samples, 1)
	assert.InDelta(t, 100.0, samples[0].Percent, 0.001)
}

func TestWriteLargeMemoryToDiskRetriesCommit(t *testing.T) {
	ft := &fakeTransport{bulkIns: []bulkInReply{
		bulkText("success"), // mmc dev 1
		bulkText("success"), // amlmmc key
		bulkText("failure"), // first mmc write attempt
		bulkText("success"), // retry lands
	}}
	d := testDevice(ft)

	data := make([]byte, 4096)
	err := d.WriteLargeMemoryToDisk(0, bytes.NewReader(data), len(data), 4096, true, nil)
	require.NoError(t, err)
	assert.Len(t, bulkcmds(ft), 4)
}

func TestWriteLargeMemoryToDiskCommitGivesUp(t *testing.T) {
	ft := &fakeTransport{bulkIns: []bulkInReply{
		bulkText("success"),
		bulkText("success"),
		bulkText("failure"),
		bulkText("failure"),
		bulkText("failure"),
	}}
	d := testDevice(ft)

	data := make([]byte, 4096)
	err := d.WriteLargeMemoryToDisk(0, bytes.NewReader(data), len(data), 4096, true, nil)
	require.Error(t, err)
}

func TestValidatePartitionSizeRefusesCacheAndReserved(t *testing.T) {
	d := testDevice(&fakeTransport{})

	for _, name := range []string{"cache", "reserved"} {
		_, err := d.ValidatePartitionSize(name, SuperbirdPartitions[name])
		var inv *InvalidOperationError
		require.ErrorAs(t, err, &inv, name)
	}
}

func TestValidatePartitionSizeProbesLastSector(t *testing.T) {
	ft := &fakeTransport{bulkIns: []bulkInReply{bulkText("success")}}
	d := testDevice(ft)

	info := SuperbirdPartitions["logo"]
	size, err := d.ValidatePartitionSize("logo", info)
	require.NoError(t, err)
	assert.Equal(t, info.Size*PartSectorSize, size)

	cmds := bulkcmds(ft)
	require.Len(t, cmds, 1)
	assert.Equal(t, fmt.Sprintf("amlmmc read logo 0x1080000 0x%x 0x%x",
		info.Size*PartSectorSize-PartSectorSize, PartSectorSize), cmds[0])
}

func TestValidatePartitionSizeDataFallsBackToAlt(t *testing.T) {
	ft := &fakeTransport{bulkIns: []bulkInReply{
		bulkText("failure"), // primary size probe
		bulkText("success"), // alternate size probe
	}}
	d := testDevice(ft)

	info := SuperbirdPartitions["data"]
	size, err := d.ValidatePartitionSize("data", info)
	require.NoError(t, err)
	assert.Equal(t, info.SizeAlt*PartSectorSize, size)
}

func TestRestorePartitionRejectsOversizedFile(t *testing.T) {
	ft := &fakeTransport{}
	d := testDevice(ft)

	info := SuperbirdPartitions["logo"]
	partBytes := info.Size * PartSectorSize
	err := d.RestorePartition("logo", partBytes, bytes.NewReader(nil), partBytes+1, nil)
	var inv *InvalidOperationError
	require.ErrorAs(t, err, &inv)
	// Rejected before any device traffic.
	assert.Empty(t, ft.controls)
}

func TestRestorePartitionBootloaderToleratesTimeout(t *testing.T) {
	// Only "amlmmc key" is scripted; the bootloader commit command fails
	// with an unscripted read, which must be swallowed.
	ft := &fakeTransport{bulkIns: []bulkInReply{bulkText("success")}}
	d := testDevice(ft)

	// Dumps may be padded past the 2 MiB cap; the bootloader is exempt
	// from the size check.
	data := make([]byte, 3*1024*1024)
	err := d.RestorePartition("bootloader", 4096*PartSectorSize, bytes.NewReader(data), len(data), nil)
	require.NoError(t, err)

	cmds := bulkcmds(ft)
	require.Len(t, cmds, 2)
	assert.Equal(t, "amlmmc key", cmds[0])
	assert.Equal(t, fmt.Sprintf("amlmmc write bootloader 0x1080000 0x0 0x%x", len(data)), cmds[1])
}

func TestRestorePartitionCommitsChunks(t *testing.T) {
	ft := &fakeTransport{bulkIns: []bulkInReply{
		bulkText("success"), // amlmmc key
		bulkText("success"), // chunk commit
	}}
	d := testDevice(ft)

	info := SuperbirdPartitions["misc"]
	data := bytes.Repeat([]byte{9}, 8192)
	var samples []Progress
	err := d.RestorePartition("misc", info.Size*PartSectorSize, bytes.NewReader(data), len(data), func(p Progress) {
		samples = append(samples, p)
	})
	require.NoError(t, err)

	cmds := bulkcmds(ft)
	require.Len(t, cmds, 2)
	assert.Equal(t, "amlmmc write misc 0x1080000 0x0 0x2000", cmds[1])
	require.Len(t, samples, 1)
	assert.InDelta(t, 100.0, samples[0].Percent, 0.001)
}

func TestUnbrickStreamsEmbeddedImage(t *testing.T) {
	// The embedded recovery image is a zip holding unbrick.bin; one staged
	// chunk is enough for the bundled image.
	ft := &fakeTransport{bulkIns: []bulkInReply{
		bulkText("success"), // mmc dev 1
		bulkText("success"), // amlmmc key
		bulkText("success"), // mmc write
	}}
	d := testDevice(ft)

	require.NoError(t, d.Unbrick(nil))

	cmds := bulkcmds(ft)
	require.GreaterOrEqual(t, len(cmds), 3)
	assert.True(t, strings.HasPrefix(cmds[2], "mmc write 0x1080000 0x0 "))
}
