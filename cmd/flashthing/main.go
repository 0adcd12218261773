// flashthing: host-side flashing tool for the Spotify Car Thing.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/glog"

	"github.com/JoeyEamigh/flashthing/pkg/aml"
	"github.com/JoeyEamigh/flashthing/pkg/flash"
)

func main() {
	stock := flag.Bool("stock", false, "the directory or archive is a stock dump with no meta.json")
	unbrick := flag.Bool("unbrick", false, "rewrite the whole eMMC from the bundled recovery image")
	plain := flag.Bool("plain", false, "log progress as plain lines instead of the full-screen UI")
	flag.Parse()
	defer glog.Flush()

	path := flag.Arg(0)
	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "could not determine current directory: %v\n", err)
			os.Exit(1)
		}
		path = cwd
	}

	var err error
	if *unbrick {
		err = runUnbrick(*plain)
	} else {
		err = runFlash(path, *stock, *plain)
	}
	if err != nil {
		glog.Errorf("failed: %v", err)
		glog.Flush()
		fmt.Fprintf(os.Stderr, "failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("done!")
}

func runUnbrick(plain bool) error {
	glog.Info("unbricking device...")
	dev, err := aml.Init(nil)
	if err != nil {
		return fmt.Errorf("could not find device: %w", err)
	}
	defer dev.Close()

	if plain {
		return dev.Unbrick(func(p aml.Progress) {
			fmt.Printf("unbrick progress: %.1f%% | eta: %.1fs | rate: %.2f KiB/s\n",
				p.Percent, p.ETA/1000, p.Rate)
		})
	}

	ui := newUI("unbrick", 1)
	return ui.run(func(callback aml.Callback) error {
		callback(aml.Event{Kind: aml.EventStep, StepIndex: 1, Step: "rewriting eMMC from recovery image"})
		return dev.Unbrick(func(p aml.Progress) {
			callback(aml.Event{Kind: aml.EventFlashProgress, Progress: &p})
		})
	})
}

func runFlash(path string, stock, plain bool) error {
	open := func(callback aml.Callback) (*flash.Flasher, error) {
		info, err := os.Stat(path)
		switch {
		case err == nil && !info.IsDir() && strings.EqualFold(filepath.Ext(path), ".zip"):
			if stock {
				return flash.FromStockArchive(path, callback)
			}
			return flash.FromArchive(path, callback)
		case err == nil && info.IsDir():
			if stock {
				return flash.FromStockDirectory(path, callback)
			}
			return flash.FromDirectory(path, callback)
		default:
			return nil, fmt.Errorf("could not find anything to flash at %s", path)
		}
	}

	if plain {
		flasher, err := open(plainCallback)
		if err != nil {
			return err
		}
		defer flasher.Close()
		return flasher.Flash()
	}

	// The UI owns the callback; the flasher is created inside the run so
	// connection events show up in the UI too.
	ui := newUI(filepath.Base(path), 0)
	return ui.run(func(callback aml.Callback) error {
		flasher, err := open(callback)
		if err != nil {
			return err
		}
		defer flasher.Close()
		ui.setTotalSteps(flasher.NumSteps())
		return flasher.Flash()
	})
}

// plainCallback renders events as log lines for -plain mode and CI.
func plainCallback(ev aml.Event) {
	switch ev.Kind {
	case aml.EventDeviceMode:
		fmt.Printf("device mode: %s\n", ev.Mode)
	case aml.EventStep:
		if step, ok := ev.Step.(*flash.Step); ok {
			fmt.Printf("step %d: %s\n", ev.StepIndex, step.Summary())
		} else {
			fmt.Printf("step %d\n", ev.StepIndex)
		}
	case aml.EventFlashProgress:
		p := ev.Progress
		fmt.Printf("progress: %.1f%% | elapsed: %.1fs | eta: %.1fs | rate: %.2f KiB/s | avg rate: %.2f KiB/s\n",
			p.Percent, p.Elapsed/1000, p.ETA/1000, p.Rate, p.AvgRate)
	default:
		fmt.Printf("%s\n", ev.Kind)
	}
}
