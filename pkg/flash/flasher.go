package flash

import (
	"archive/zip"
	"fmt"
	"os"
	"time"

	"github.com/golang/glog"

	"github.com/JoeyEamigh/flashthing/pkg/aml"
)

// Flasher executes one flash descriptor against one device. It owns its
// transport and, in archive mode, the zip reader; a Flasher is driven by a
// single goroutine.
type Flasher struct {
	dev *aml.Device
	src *source
	cfg *Config

	step     int
	callback aml.Callback
}

// newFlasher wires a parsed config and payload source to a freshly
// initialized device. The descriptor is parsed before any USB traffic so a
// bad package never touches the device.
func newFlasher(cfg *Config, src *source, callback aml.Callback) (*Flasher, error) {
	dev, err := aml.Init(callback)
	if err != nil {
		src.Close()
		return nil, err
	}
	return &Flasher{dev: dev, src: src, cfg: cfg, callback: callback}, nil
}

// FromDirectory creates a Flasher for a directory containing meta.json and
// its referenced payload files. The Car Thing is expected to be plugged in.
func FromDirectory(path string, callback aml.Callback) (*Flasher, error) {
	glog.V(1).Infof("creating new flasher from directory at %s", path)
	cfg, err := configFromDirectory(path)
	if err != nil {
		return nil, err
	}
	return newFlasher(cfg, &source{kind: sourceDirectory, dir: path}, callback)
}

// FromArchive creates a Flasher for a zip archive with meta.json at the top
// level.
func FromArchive(path string, callback aml.Callback) (*Flasher, error) {
	glog.V(1).Infof("creating new flasher from archive at %s", path)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return nil, aml.ErrNotFound
	}

	archive, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("zip error: %w", err)
	}
	cfg, err := configFromArchive(archive)
	if err != nil {
		archive.Close()
		return nil, err
	}
	return newFlasher(cfg, &source{kind: sourceArchive, archive: archive}, callback)
}

// FromJSON creates a Flasher from a standalone meta.json string; file
// references resolve against the process working directory.
func FromJSON(meta string, callback aml.Callback) (*Flasher, error) {
	glog.V(1).Info("creating new flasher from json string")
	cfg, err := ParseConfig([]byte(meta))
	if err != nil {
		return nil, err
	}
	return newFlasher(cfg, &source{kind: sourceStandalone}, callback)
}

// FromStockDirectory creates a Flasher that runs the embedded stock
// descriptor against payload files in a directory (a stock dump with no
// meta.json of its own).
func FromStockDirectory(path string, callback aml.Callback) (*Flasher, error) {
	glog.V(1).Infof("creating new stock flasher for directory at %s", path)
	cfg, err := configFromStock()
	if err != nil {
		return nil, err
	}
	return newFlasher(cfg, &source{kind: sourceDirectory, dir: path}, callback)
}

// FromStockArchive creates a Flasher that runs the embedded stock
// descriptor against payload files in a zip archive.
func FromStockArchive(path string, callback aml.Callback) (*Flasher, error) {
	glog.V(1).Infof("creating new stock flasher for archive at %s", path)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return nil, aml.ErrNotFound
	}

	cfg, err := configFromStock()
	if err != nil {
		return nil, err
	}
	archive, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("zip error: %w", err)
	}
	return newFlasher(cfg, &source{kind: sourceArchive, archive: archive}, callback)
}

// NumSteps returns the total number of steps in the program.
func (f *Flasher) NumSteps() int {
	return len(f.cfg.Steps)
}

// CurrentStep returns the 1-indexed step the program is on.
func (f *Flasher) CurrentStep() int {
	return f.step + 1
}

// Config returns the loaded descriptor.
func (f *Flasher) Config() *Config {
	return f.cfg
}

// Close releases the device and the payload source.
func (f *Flasher) Close() error {
	f.src.Close()
	return f.dev.Close()
}

func (f *Flasher) emit(ev aml.Event) {
	if f.callback != nil {
		f.callback(ev)
	}
}

func (f *Flasher) progress(p aml.Progress) {
	f.emit(aml.Event{Kind: aml.EventFlashProgress, Progress: &p})
}

// Flash walks the step list in program order. The first failing step aborts
// the run; no rollback is attempted and the device keeps whatever state the
// partial program produced.
func (f *Flasher) Flash() error {
	glog.Info("beginning flashing process!")

	for i := range f.cfg.Steps {
		step := &f.cfg.Steps[i]
		glog.V(2).Infof("starting step: %s", step.Type)

		f.step++
		f.emit(aml.Event{Kind: aml.EventStep, StepIndex: f.step, Step: step})

		if err := f.runStep(step); err != nil {
			return err
		}
	}

	// Release the observer so it can tear down once the program is done.
	f.callback = nil
	return nil
}

func (f *Flasher) runStep(step *Step) error {
	started := time.Now()
	defer func() {
		glog.V(2).Infof("%s completed in %s", step.Type, time.Since(started))
	}()

	switch step.Type {
	case StepBulkcmd:
		_, err := f.dev.Bulkcmd(step.Command)
		return err

	case StepRun:
		keepPower := true
		if step.Run.KeepPower != nil {
			keepPower = *step.Run.KeepPower
		}
		return f.dev.Run(step.Run.Address, keepPower)

	case StepWriteSimpleMemory:
		data, err := f.src.readData(step.WriteSimpleMemory.Data)
		if err != nil {
			return err
		}
		return f.dev.WriteSimpleMemory(step.WriteSimpleMemory.Address, data)

	case StepWriteLargeMemory:
		v := step.WriteLargeMemory
		reader, size, err := f.src.openData(v.Data)
		if err != nil {
			return err
		}
		defer reader.Close()

		appendZeros := true
		if v.AppendZeros != nil {
			appendZeros = *v.AppendZeros
		}
		return f.dev.WriteLargeMemoryToDisk(v.Address, reader, size, v.BlockLength, appendZeros, f.progress)

	case StepWriteAMLCData:
		v := step.WriteAMLCData
		data, err := f.src.readData(v.Data)
		if err != nil {
			return err
		}
		return f.dev.WriteAMLCDataPacket(v.Seq, v.AmlcOffset, data)

	case StepBl2Boot:
		bl2, err := f.src.readData(step.Bl2Boot.BL2)
		if err != nil {
			return err
		}
		bootloader, err := f.src.readData(step.Bl2Boot.Bootloader)
		if err != nil {
			return err
		}
		return f.dev.Bl2Boot(bl2, bootloader)

	case StepRestorePartition:
		return f.restorePartition(step.RestorePartition)

	case StepWriteEnv:
		return f.writeEnv(*step.WriteEnv)

	case StepLog:
		glog.Infof(">> %q", step.Message)
		return nil

	case StepWait:
		time.Sleep(time.Duration(step.Wait.Time) * time.Millisecond)
		return nil
	}

	// Unsupported kinds cannot appear here; parsing already refused them.
	return fmt.Errorf("unexpected step type %q", step.Type)
}

func (f *Flasher) restorePartition(v *RestorePartitionValue) error {
	info, ok := aml.SuperbirdPartitions[v.Name]
	if !ok {
		return &aml.InvalidOperationError{Msg: fmt.Sprintf("invalid partition name: %s", v.Name)}
	}

	partSize, err := f.dev.ValidatePartitionSize(v.Name, info)
	if err != nil {
		return &aml.InvalidOperationError{Msg: "failed to validate partition size!"}
	}

	reader, fileSize, err := f.src.openData(v.Data)
	if err != nil {
		return err
	}
	defer reader.Close()

	return f.dev.RestorePartition(v.Name, partSize, reader, fileSize, f.progress)
}

func (f *Flasher) writeEnv(v StringOrFile) error {
	env, err := f.src.readString(v)
	if err != nil {
		return err
	}
	for i := 0; i < len(env); i++ {
		if env[i] > 0x7f {
			return &aml.InvalidOperationError{Msg: "env data must be ascii"}
		}
	}

	glog.V(1).Info("initializing env subsystem")
	if _, err := f.dev.Bulkcmd("amlmmc env"); err != nil {
		return err
	}

	glog.V(1).Infof("sending env (%d bytes)", len(env))
	if err := f.dev.WriteLargeMemory(aml.AddrTmp, []byte(env), aml.TransferBlockSize, true); err != nil {
		return err
	}

	_, err = f.dev.Bulkcmd(fmt.Sprintf("env import -t 0x%X 0x%X", uint32(aml.AddrTmp), len(env)))
	return err
}
