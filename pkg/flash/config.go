// Package flash loads declarative flash descriptors (meta.json) and runs
// their step programs against a Car Thing in USB burn mode.
package flash

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// supportedMetaVersion is the one descriptor format version this
// interpreter understands.
const supportedMetaVersion = 1

// Config is a parsed flash descriptor: a named, versioned sequence of typed
// steps. It is immutable after load.
type Config struct {
	// Name of the flash configuration.
	Name string `json:"name"`
	// Version of the flash configuration.
	Version string `json:"version"`
	// Description of what the flash configuration does.
	Description string `json:"description"`
	// Steps to execute, in order.
	Steps []Step `json:"steps"`
	// Variables are accepted for forward compatibility but never bound.
	Variables map[string]int `json:"variables,omitempty"`
	// MetadataVersion of the descriptor format.
	MetadataVersion int `json:"metadataVersion"`
}

// StepType is the "type" tag of a descriptor step.
type StepType string

const (
	StepIdentify              StepType = "identify"
	StepBulkcmd               StepType = "bulkcmd"
	StepBulkcmdStat           StepType = "bulkcmdStat"
	StepRun                   StepType = "run"
	StepWriteSimpleMemory     StepType = "writeSimpleMemory"
	StepWriteLargeMemory      StepType = "writeLargeMemory"
	StepReadSimpleMemory      StepType = "readSimpleMemory"
	StepReadLargeMemory       StepType = "readLargeMemory"
	StepGetBootAMLC           StepType = "getBootAMLC"
	StepWriteAMLCData         StepType = "writeAMLCData"
	StepBl2Boot               StepType = "bl2Boot"
	StepValidatePartitionSize StepType = "validatePartitionSize"
	StepRestorePartition      StepType = "restorePartition"
	StepWriteEnv              StepType = "writeEnv"
	StepLog                   StepType = "log"
	StepWait                  StepType = "wait"
)

// Step is one operation of a flash program. Type selects which payload
// field is set; Variable is parsed for forward compatibility but never
// bound to a value.
type Step struct {
	Type     StepType
	Variable string

	// Command carries the value of bulkcmd and bulkcmdStat steps, Message
	// the value of log steps.
	Command string
	Message string

	Run                   *RunValue
	WriteSimpleMemory     *WriteSimpleMemoryValue
	WriteLargeMemory      *WriteLargeMemoryValue
	ReadMemory            *ReadMemoryValue
	WriteAMLCData         *WriteAMLCDataValue
	Bl2Boot               *BL2BootValue
	ValidatePartitionSize *ValidatePartitionSizeValue
	RestorePartition      *RestorePartitionValue
	WriteEnv              *StringOrFile
	Wait                  *WaitValue
}

type RunValue struct {
	Address uint32 `json:"address"`
	// KeepPower defaults to true when omitted.
	KeepPower *bool `json:"keepPower,omitempty"`
}

type WriteSimpleMemoryValue struct {
	Address uint32     `json:"address"`
	Data    DataOrFile `json:"data"`
}

type WriteLargeMemoryValue struct {
	Address     uint32     `json:"address"`
	Data        DataOrFile `json:"data"`
	BlockLength int        `json:"blockLength"`
	// AppendZeros defaults to true when omitted.
	AppendZeros *bool `json:"appendZeros,omitempty"`
}

type ReadMemoryValue struct {
	Address uint32 `json:"address"`
	Length  int    `json:"length"`
}

type WriteAMLCDataValue struct {
	Seq        uint8      `json:"seq"`
	AmlcOffset uint32     `json:"amlcOffset"`
	Data       DataOrFile `json:"data"`
}

type BL2BootValue struct {
	BL2        DataOrFile `json:"bl2"`
	Bootloader DataOrFile `json:"bootloader"`
}

type ValidatePartitionSizeValue struct {
	Name string `json:"name"`
}

type RestorePartitionValue struct {
	Name string     `json:"name"`
	Data DataOrFile `json:"data"`
}

// Wait kinds.
const (
	WaitTime      = "time"
	WaitUserInput = "userInput"
)

type WaitValue struct {
	Type string `json:"type"`
	// Time to sleep in milliseconds, for "time" waits.
	Time uint64 `json:"time,omitempty"`
	// Message to display, for "userInput" waits.
	Message string `json:"message,omitempty"`
}

// FileRef points at a payload file inside the flash package.
type FileRef struct {
	FilePath string `json:"filePath"`
	// Encoding is an optional hint for text files.
	Encoding string `json:"encoding,omitempty"`
}

// DataOrFile is an untagged payload: either inline bytes (a JSON array of
// numbers) or a file reference (an object with a filePath).
type DataOrFile struct {
	Data []byte
	File *FileRef
}

func (d *DataOrFile) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 {
		return fmt.Errorf("empty data payload")
	}
	switch trimmed[0] {
	case '[':
		var nums []int
		if err := json.Unmarshal(trimmed, &nums); err != nil {
			return err
		}
		data := make([]byte, len(nums))
		for i, n := range nums {
			if n < 0 || n > 0xff {
				return fmt.Errorf("inline data byte %d out of range: %d", i, n)
			}
			data[i] = byte(n)
		}
		d.Data, d.File = data, nil
		return nil
	case '{':
		var ref FileRef
		if err := json.Unmarshal(trimmed, &ref); err != nil {
			return err
		}
		if ref.FilePath == "" {
			return fmt.Errorf("file reference is missing filePath")
		}
		d.Data, d.File = nil, &ref
		return nil
	}
	return fmt.Errorf("data payload must be a byte array or a file reference")
}

func (d DataOrFile) MarshalJSON() ([]byte, error) {
	if d.File != nil {
		return json.Marshal(d.File)
	}
	nums := make([]int, len(d.Data))
	for i, b := range d.Data {
		nums[i] = int(b)
	}
	return json.Marshal(nums)
}

// StringOrFile is an untagged payload: either an inline string or a file
// reference.
type StringOrFile struct {
	String string
	File   *FileRef
}

func (s *StringOrFile) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 {
		return fmt.Errorf("empty string payload")
	}
	switch trimmed[0] {
	case '"':
		return json.Unmarshal(trimmed, &s.String)
	case '{':
		var ref FileRef
		if err := json.Unmarshal(trimmed, &ref); err != nil {
			return err
		}
		if ref.FilePath == "" {
			return fmt.Errorf("file reference is missing filePath")
		}
		s.File = &ref
		return nil
	}
	return fmt.Errorf("string payload must be a string or a file reference")
}

func (s StringOrFile) MarshalJSON() ([]byte, error) {
	if s.File != nil {
		return json.Marshal(s.File)
	}
	return json.Marshal(s.String)
}

// Summary renders a short human-readable label for a step.
func (s *Step) Summary() string {
	switch s.Type {
	case StepBulkcmd, StepBulkcmdStat:
		return fmt.Sprintf("%s: %s", s.Type, s.Command)
	case StepLog:
		return fmt.Sprintf("log: %s", s.Message)
	case StepRun:
		return fmt.Sprintf("run: %#x", s.Run.Address)
	case StepWriteSimpleMemory:
		return fmt.Sprintf("writeSimpleMemory: %#x", s.WriteSimpleMemory.Address)
	case StepWriteLargeMemory:
		return fmt.Sprintf("writeLargeMemory: %#x", s.WriteLargeMemory.Address)
	case StepRestorePartition:
		return fmt.Sprintf("restorePartition: %s", s.RestorePartition.Name)
	case StepWait:
		return fmt.Sprintf("wait: %dms", s.Wait.Time)
	}
	return string(s.Type)
}

// stepEnvelope is the wire shape of a step.
type stepEnvelope struct {
	Type     StepType        `json:"type"`
	Variable string          `json:"variable,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
}

func (s *Step) UnmarshalJSON(b []byte) error {
	var env stepEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	s.Type = env.Type
	s.Variable = env.Variable

	value := func(dst any) error {
		if env.Value == nil {
			return fmt.Errorf("step %q is missing its value", env.Type)
		}
		return json.Unmarshal(env.Value, dst)
	}

	switch env.Type {
	case StepIdentify, StepGetBootAMLC:
		return nil
	case StepBulkcmd, StepBulkcmdStat:
		return value(&s.Command)
	case StepLog:
		return value(&s.Message)
	case StepRun:
		s.Run = &RunValue{}
		return value(s.Run)
	case StepWriteSimpleMemory:
		s.WriteSimpleMemory = &WriteSimpleMemoryValue{}
		return value(s.WriteSimpleMemory)
	case StepWriteLargeMemory:
		s.WriteLargeMemory = &WriteLargeMemoryValue{}
		return value(s.WriteLargeMemory)
	case StepReadSimpleMemory, StepReadLargeMemory:
		s.ReadMemory = &ReadMemoryValue{}
		return value(s.ReadMemory)
	case StepWriteAMLCData:
		s.WriteAMLCData = &WriteAMLCDataValue{}
		return value(s.WriteAMLCData)
	case StepBl2Boot:
		s.Bl2Boot = &BL2BootValue{}
		return value(s.Bl2Boot)
	case StepValidatePartitionSize:
		s.ValidatePartitionSize = &ValidatePartitionSizeValue{}
		return value(s.ValidatePartitionSize)
	case StepRestorePartition:
		s.RestorePartition = &RestorePartitionValue{}
		return value(s.RestorePartition)
	case StepWriteEnv:
		s.WriteEnv = &StringOrFile{}
		return value(s.WriteEnv)
	case StepWait:
		s.Wait = &WaitValue{}
		if err := value(s.Wait); err != nil {
			return err
		}
		if s.Wait.Type != WaitTime && s.Wait.Type != WaitUserInput {
			return fmt.Errorf("unknown wait kind %q", s.Wait.Type)
		}
		return nil
	}
	return fmt.Errorf("unknown step type %q", env.Type)
}

func (s Step) MarshalJSON() ([]byte, error) {
	env := struct {
		Type     StepType `json:"type"`
		Variable string   `json:"variable,omitempty"`
		Value    any      `json:"value,omitempty"`
	}{Type: s.Type, Variable: s.Variable}

	switch s.Type {
	case StepBulkcmd, StepBulkcmdStat:
		env.Value = s.Command
	case StepLog:
		env.Value = s.Message
	case StepRun:
		env.Value = s.Run
	case StepWriteSimpleMemory:
		env.Value = s.WriteSimpleMemory
	case StepWriteLargeMemory:
		env.Value = s.WriteLargeMemory
	case StepReadSimpleMemory, StepReadLargeMemory:
		env.Value = s.ReadMemory
	case StepWriteAMLCData:
		env.Value = s.WriteAMLCData
	case StepBl2Boot:
		env.Value = s.Bl2Boot
	case StepValidatePartitionSize:
		env.Value = s.ValidatePartitionSize
	case StepRestorePartition:
		env.Value = s.RestorePartition
	case StepWriteEnv:
		env.Value = s.WriteEnv
	case StepWait:
		env.Value = s.Wait
	}
	return json.Marshal(env)
}

// ParseConfig parses and validates a standalone meta.json document.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to deserialize json: %w", err)
	}
	if err := cfg.checkSupported(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// checkSupported refuses descriptor versions and step kinds this
// interpreter cannot execute, before any device I/O happens.
func (c *Config) checkSupported() error {
	if c.MetadataVersion != supportedMetaVersion {
		return &UnsupportedVersionError{Version: c.MetadataVersion}
	}
	for _, step := range c.Steps {
		switch step.Type {
		case StepIdentify, StepReadLargeMemory, StepReadSimpleMemory,
			StepGetBootAMLC, StepBulkcmdStat, StepValidatePartitionSize:
			return &UnsupportedFeatureError{Step: step.Type}
		case StepWait:
			if step.Wait.Type == WaitUserInput {
				return &UnsupportedFeatureError{Step: step.Type}
			}
		}
	}
	return nil
}

// configFromDirectory loads and validates <dir>/meta.json.
func configFromDirectory(dir string) (*Config, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, &NotDirError{Path: dir}
	}

	meta := filepath.Join(dir, "meta.json")
	data, err := os.ReadFile(meta)
	if err != nil {
		return nil, &NoMetaError{Path: meta}
	}
	return ParseConfig(data)
}

// configFromArchive loads and validates the top-level meta.json of a zip.
func configFromArchive(archive *zip.ReadCloser) (*Config, error) {
	file, err := archive.Open("meta.json")
	if err != nil {
		return nil, &NoMetaError{Path: "meta.json"}
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("reading meta.json: %w", err)
	}
	return ParseConfig(data)
}

// configFromStock parses the embedded stock descriptor.
func configFromStock() (*Config, error) {
	return ParseConfig(stockMeta)
}
