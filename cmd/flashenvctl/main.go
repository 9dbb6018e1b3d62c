// Command flashenvctl is a small demonstration CLI for the flashenv
// engine: it opens (or creates) a file-backed ENV region and lets you get,
// set, or print variables from the shell, one process invocation at a
// time — every run reloads from and, for set, recommits to disk, the way
// a microcontroller reloads from flash on every boot.
package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/go-flashenv/flashenv"
	"github.com/go-flashenv/flashenv/port/fileport"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "flashenvctl:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("flashenvctl", flag.ContinueOnError)
	file := fs.String("file", "flashenv.img", "path to the backing region file")
	base := fs.Uint32("base", 0x08010000, "ENV region base address")
	size := fs.Uint32("size", 0x4000, "ENV region size in bytes")
	erase := fs.Uint32("erase", 0x1000, "minimum erase granularity")
	cap_ := fs.Uint32("cap", 0x400, "RAM cache cap (U)")
	verbose := fs.Bool("verbose", false, "print engine debug output")

	if err := fs.Parse(args); err != nil {
		return err
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return fmt.Errorf("usage: flashenvctl [flags] get KEY | set KEY VALUE | print")
	}

	p, err := fileport.Open(*file, *base, *size)
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()
	p.SetVerbose(*verbose)

	eng, err := flashenv.New(p, *base, *size, *erase, *cap_, defaultSet())
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}

	switch rest[0] {
	case "get":
		if len(rest) != 2 {
			return fmt.Errorf("usage: get KEY")
		}
		value, ok := eng.Get(rest[1])
		if !ok {
			return fmt.Errorf("%s: not found", rest[1])
		}
		fmt.Println(value)

	case "set":
		if len(rest) != 3 {
			return fmt.Errorf("usage: set KEY VALUE")
		}
		if err := eng.Set(rest[1], rest[2]); err != nil {
			return err
		}
		if err := eng.Save(); err != nil {
			return err
		}

	case "print":
		eng.PrintEnv()

	default:
		return fmt.Errorf("unknown command %q", rest[0])
	}

	return nil
}

func defaultSet() []flashenv.KV {
	return []flashenv.KV{
		{Key: "boot_times", Value: "0"},
		{Key: "device_id", Value: "DEV01"},
	}
}
