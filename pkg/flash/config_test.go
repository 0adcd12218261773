package flash

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const nixosSuperbirdJSON = `
{
  "$schema": "/dev/null",
  "metadataVersion": 1,
  "name": "nixos-superbird",
  "version": "0.2.0",
  "description": "nixos superbird.",
  "steps": [
    { "type": "bulkcmd", "value": "amlmmc key" },
    {
      "type": "writeLargeMemory",
      "value": {
        "address": 0,
        "data": { "filePath": "./bootfs.bin" },
        "blockLength": 4096
      }
    },
    {
      "type": "writeLargeMemory",
      "value": {
        "address": 319488,
        "data": { "filePath": "./rootfs.img" },
        "blockLength": 4096
      }
    },
    { "type": "writeEnv", "value": { "filePath": "./env.txt" } },
    { "type": "bulkcmd", "value": "saveenv" }
  ]
}`

func TestParseNixosSuperbird(t *testing.T) {
	cfg, err := ParseConfig([]byte(nixosSuperbirdJSON))
	require.NoError(t, err)

	assert.Equal(t, "nixos-superbird", cfg.Name)
	assert.Equal(t, "0.2.0", cfg.Version)
	require.Len(t, cfg.Steps, 5)

	assert.Equal(t, StepBulkcmd, cfg.Steps[0].Type)
	assert.Equal(t, "amlmmc key", cfg.Steps[0].Command)

	second := cfg.Steps[1]
	require.Equal(t, StepWriteLargeMemory, second.Type)
	assert.Equal(t, uint32(0), second.WriteLargeMemory.Address)
	assert.Equal(t, 4096, second.WriteLargeMemory.BlockLength)
	require.NotNil(t, second.WriteLargeMemory.Data.File)
	assert.Equal(t, "./bootfs.bin", second.WriteLargeMemory.Data.File.FilePath)
	assert.Nil(t, second.WriteLargeMemory.AppendZeros)

	third := cfg.Steps[2]
	assert.Equal(t, uint32(319488), third.WriteLargeMemory.Address)

	fourth := cfg.Steps[3]
	require.Equal(t, StepWriteEnv, fourth.Type)
	require.NotNil(t, fourth.WriteEnv.File)
	assert.Equal(t, "./env.txt", fourth.WriteEnv.File.FilePath)
}

func TestParseRejectsIdentify(t *testing.T) {
	src := `{
	  "name": "Simple Firmware",
	  "version": "1.0.0",
	  "description": "example",
	  "metadataVersion": 1,
	  "steps": [
	    { "type": "bulkcmd", "value": "amlmmc env" },
	    { "type": "identify", "variable": "myIdentifyVar" },
	    { "type": "log", "value": "My variable is ${myIdentifyVar}" }
	  ]
	}`
	_, err := ParseConfig([]byte(src))
	var unsupported *UnsupportedFeatureError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, StepIdentify, unsupported.Step)
}

func TestParseRejectsEachUnsupportedStep(t *testing.T) {
	cases := map[string]string{
		"bulkcmdStat":           `{ "type": "bulkcmdStat", "value": "amlmmc part 1" }`,
		"readSimpleMemory":      `{ "type": "readSimpleMemory", "value": { "address": 0, "length": 64 } }`,
		"readLargeMemory":       `{ "type": "readLargeMemory", "value": { "address": 0, "length": 1024 } }`,
		"getBootAMLC":           `{ "type": "getBootAMLC" }`,
		"validatePartitionSize": `{ "type": "validatePartitionSize", "value": { "name": "bootloader" } }`,
		"waitUserInput":         `{ "type": "wait", "value": { "type": "userInput", "message": "press a key" } }`,
	}
	for name, step := range cases {
		t.Run(name, func(t *testing.T) {
			src := `{ "name": "x", "version": "1", "description": "", "metadataVersion": 1, "steps": [` + step + `] }`
			_, err := ParseConfig([]byte(src))
			var unsupported *UnsupportedFeatureError
			require.ErrorAs(t, err, &unsupported)
		})
	}
}

func TestParseAcceptsTimedWait(t *testing.T) {
	src := `{ "name": "x", "version": "1", "description": "", "metadataVersion": 1,
	  "steps": [ { "type": "wait", "value": { "type": "time", "time": 1500 } } ] }`
	cfg, err := ParseConfig([]byte(src))
	require.NoError(t, err)
	require.Len(t, cfg.Steps, 1)
	assert.Equal(t, uint64(1500), cfg.Steps[0].Wait.Time)
}

func TestParseRejectsUnsupportedVersion(t *testing.T) {
	src := `{ "name": "x", "version": "1", "description": "", "metadataVersion": 2, "steps": [] }`
	_, err := ParseConfig([]byte(src))
	var unsupported *UnsupportedVersionError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, 2, unsupported.Version)
}

func TestParseRejectsUnknownStepType(t *testing.T) {
	src := `{ "name": "x", "version": "1", "description": "", "metadataVersion": 1,
	  "steps": [ { "type": "frobnicate" } ] }`
	_, err := ParseConfig([]byte(src))
	require.Error(t, err)
}

func TestParseVariables(t *testing.T) {
	src := `{ "name": "x", "version": "1", "description": "", "metadataVersion": 1,
	  "steps": [ { "type": "log", "value": "hello" } ],
	  "variables": { "readData": 0, "seed": 7 } }`
	cfg, err := ParseConfig([]byte(src))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"readData": 0, "seed": 7}, cfg.Variables)
}

func TestInlineDataPayload(t *testing.T) {
	src := `{ "name": "x", "version": "1", "description": "", "metadataVersion": 1,
	  "steps": [ { "type": "writeSimpleMemory", "value": { "address": 16, "data": [1, 2, 255] } } ] }`
	cfg, err := ParseConfig([]byte(src))
	require.NoError(t, err)
	step := cfg.Steps[0]
	assert.Equal(t, []byte{1, 2, 255}, step.WriteSimpleMemory.Data.Data)
	assert.Nil(t, step.WriteSimpleMemory.Data.File)
}

func TestInlineDataPayloadRejectsOutOfRange(t *testing.T) {
	src := `{ "name": "x", "version": "1", "description": "", "metadataVersion": 1,
	  "steps": [ { "type": "writeSimpleMemory", "value": { "address": 16, "data": [300] } } ] }`
	_, err := ParseConfig([]byte(src))
	require.Error(t, err)
}

func TestStringPayloadVariants(t *testing.T) {
	src := `{ "name": "x", "version": "1", "description": "", "metadataVersion": 1,
	  "steps": [
	    { "type": "writeEnv", "value": "bootdelay=0" },
	    { "type": "writeEnv", "value": { "filePath": "env.txt", "encoding": "utf-8" } }
	  ] }`
	cfg, err := ParseConfig([]byte(src))
	require.NoError(t, err)
	assert.Equal(t, "bootdelay=0", cfg.Steps[0].WriteEnv.String)
	require.NotNil(t, cfg.Steps[1].WriteEnv.File)
	assert.Equal(t, "utf-8", cfg.Steps[1].WriteEnv.File.Encoding)
}

func TestConfigRoundTrip(t *testing.T) {
	src := `{ "name": "kitchen", "version": "1.0.0", "description": "everything supported",
	  "metadataVersion": 1,
	  "variables": { "seed": 1 },
	  "steps": [
	    { "type": "bulkcmd", "value": "echo hi" },
	    { "type": "run", "value": { "address": 268435456, "keepPower": true } },
	    { "type": "writeSimpleMemory", "value": { "address": 4096, "data": [1, 2, 3] } },
	    { "type": "writeLargeMemory", "value": { "address": 0, "data": { "filePath": "fs.img" }, "blockLength": 4096, "appendZeros": false } },
	    { "type": "writeAMLCData", "value": { "seq": 3, "amlcOffset": 8192, "data": { "filePath": "bl.img" } } },
	    { "type": "bl2Boot", "value": { "bl2": { "filePath": "bl2.bin" }, "bootloader": { "filePath": "boot.img" } } },
	    { "type": "restorePartition", "value": { "name": "system_a", "data": { "filePath": "system_a.dump" } } },
	    { "type": "writeEnv", "value": "bootdelay=0" },
	    { "type": "log", "value": "done" },
	    { "type": "wait", "value": { "type": "time", "time": 250 } }
	  ] }`

	cfg, err := ParseConfig([]byte(src))
	require.NoError(t, err)

	encoded, err := json.Marshal(cfg)
	require.NoError(t, err)

	reparsed, err := ParseConfig(encoded)
	require.NoError(t, err)
	assert.Equal(t, cfg.Steps, reparsed.Steps)
	assert.Equal(t, cfg.Name, reparsed.Name)
	assert.Equal(t, cfg.Variables, reparsed.Variables)
}

func TestStockDescriptorParses(t *testing.T) {
	cfg, err := configFromStock()
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Steps)
	for _, step := range cfg.Steps {
		assert.Contains(t, []StepType{StepLog, StepRestorePartition}, step.Type)
	}
}
