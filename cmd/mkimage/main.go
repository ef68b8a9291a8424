// Command mkimage packs raw segment files into an HLEX program image.
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"

	"github.com/spf13/afero"

	"hle/kernel"
	"hle/loader"
)

type options struct {
	code, rodata, data string
	title              string
	programID          string
	priority           uint
	stack              uint
	core               uint
	addrSpace          uint
	is32Bit            bool
	split              int64
	out                string
}

func main() {
	if err := run(afero.NewOsFs(), os.Args[1:], os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(fs afero.Fs, args []string, stderr io.Writer) error {
	var o options
	fl := flag.NewFlagSet("mkimage", flag.ContinueOnError)
	fl.SetOutput(stderr)
	fl.StringVar(&o.code, "code", "", "Code segment file (required).")
	fl.StringVar(&o.rodata, "rodata", "", "Read-only data segment file.")
	fl.StringVar(&o.data, "data", "", "Data segment file.")
	fl.StringVar(&o.title, "title", "", "Program title.")
	fl.StringVar(&o.programID, "program-id", "0", "Program id (hex).")
	fl.UintVar(&o.priority, "priority", 44, "Main thread priority (0-63).")
	fl.UintVar(&o.stack, "stack", 0x100000, "Main thread stack size (bytes).")
	fl.UintVar(&o.core, "core", 0, "Main thread ideal core.")
	fl.UintVar(&o.addrSpace, "addr-space", uint(kernel.AddressSpace39Bit), "Address space type (0=32, 1=36, 2=32 no map, 3=39 bit).")
	fl.BoolVar(&o.is32Bit, "32bit", false, "Mark the program as 32-bit.")
	fl.Int64Var(&o.split, "split", 0, "Write the image as a directory of parts of this size.")
	fl.StringVar(&o.out, "out", "", "Output path (required).")
	if err := fl.Parse(args); err != nil {
		return err
	}
	if o.code == "" || o.out == "" {
		fl.Usage()
		return errors.New("-code and -out are required")
	}

	img, err := buildImage(fs, o)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := loader.WriteImage(&buf, img); err != nil {
		return err
	}
	if o.split > 0 {
		return writeSplit(fs, o.out, buf.Bytes(), o.split)
	}
	return afero.WriteFile(fs, o.out, buf.Bytes(), 0o644)
}

func buildImage(fs afero.Fs, o options) (*loader.Image, error) {
	id, err := strconv.ParseUint(o.programID, 16, 64)
	if err != nil {
		return nil, fmt.Errorf("program id %q: %w", o.programID, err)
	}
	if o.priority > 63 {
		return nil, fmt.Errorf("priority %d out of range", o.priority)
	}
	if o.core >= kernel.NumCPUCores {
		return nil, fmt.Errorf("core %d out of range", o.core)
	}

	img := &loader.Image{
		Is64Bit:             !o.is32Bit,
		AddressSpace:        kernel.AddressSpaceType(o.addrSpace),
		MainThreadCore:      uint8(o.core),
		MainThreadPriority:  uint32(o.priority),
		MainThreadStackSize: uint32(o.stack),
		ProgramID:           id,
		Title:               o.title,
		Capabilities:        loader.DefaultCapabilities(),
	}
	for seg, name := range [...]string{
		loader.SegmentCode:   o.code,
		loader.SegmentROData: o.rodata,
		loader.SegmentData:   o.data,
	} {
		if name == "" {
			continue
		}
		b, err := afero.ReadFile(fs, name)
		if err != nil {
			return nil, err
		}
		img.Segments[seg].Data = b
	}
	if len(img.Segments[loader.SegmentCode].Data) == 0 {
		return nil, fmt.Errorf("code segment %s is empty", o.code)
	}
	return img, nil
}

// writeSplit stores b as dir/00, dir/01, ... of at most size bytes each.
func writeSplit(fs afero.Fs, dir string, b []byte, size int64) error {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for i := 0; len(b) > 0; i++ {
		if i > 99 {
			return fmt.Errorf("image needs more than 100 parts of %d bytes", size)
		}
		n := int64(len(b))
		if n > size {
			n = size
		}
		name := path.Join(dir, fmt.Sprintf("%02d", i))
		if err := afero.WriteFile(fs, name, b[:n], 0o644); err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}
