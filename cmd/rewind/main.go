package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err == flag.ErrHelp {
		os.Exit(1)
	} else if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	var cmd string
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "", "-h", "--help", "help":
		usage()
		return flag.ErrHelp
	case "explore":
		return NewExploreCommand().Run(ctx, args)
	case "disasm":
		return NewDisasmCommand().Run(ctx, args)
	default:
		return fmt.Errorf(`rewind %s: unknown command`, cmd)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `
Rewind explores the input-dependent paths of a native program by
checkpointing and replaying its execution.

Usage:

	rewind <command> [arguments]

The commands are:

	explore     explore the paths reached by a message
	disasm      print the static instruction listing of a program
	help        this screen
`[1:])
}

// Region is a memory range given as ADDR:SIZE.
type Region struct {
	Addr, Size uint64
}

// RegionsFlag is a repeatable flag of memory regions.
type RegionsFlag []Region

func (f *RegionsFlag) String() string {
	a := make([]string, len(*f))
	for i, r := range *f {
		a[i] = fmt.Sprintf("%#x:%#x", r.Addr, r.Size)
	}
	return strings.Join(a, ",")
}

func (f *RegionsFlag) Set(s string) error {
	i := strings.IndexByte(s, ':')
	if i == -1 {
		return fmt.Errorf("invalid region %q, expected ADDR:SIZE", s)
	}
	addr, err := strconv.ParseUint(s[:i], 0, 64)
	if err != nil {
		return fmt.Errorf("invalid region address: %w", err)
	}
	size, err := strconv.ParseUint(s[i+1:], 0, 64)
	if err != nil {
		return fmt.Errorf("invalid region size: %w", err)
	}
	*f = append(*f, Region{Addr: addr, Size: size})
	return nil
}

// parseAddr parses a decimal or 0x-prefixed address.
func parseAddr(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 0, 64)
}
