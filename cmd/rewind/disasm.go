package main

import (
	"context"
	"debug/elf"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"os"

	"github.com/benbjohnson/rewind"
)

// DisasmCommand represents a command for listing a program's instructions.
type DisasmCommand struct {
	Stdout io.Writer
}

// NewDisasmCommand returns a new instance of DisasmCommand.
func NewDisasmCommand() *DisasmCommand {
	return &DisasmCommand{Stdout: os.Stdout}
}

// Run executes the "disasm" subcommand.
func (cmd *DisasmCommand) Run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("rewind-disasm", flag.ContinueOnError)
	base := fs.String("base", "", "")
	n := fs.Int("n", 0, "")
	fs.Usage = cmd.usage
	if err := fs.Parse(args); err != nil {
		return err
	} else if fs.NArg() == 0 {
		return fmt.Errorf("program required")
	} else if fs.NArg() > 1 {
		return fmt.Errorf("too many programs specified")
	}

	addr, code, err := cmd.read(fs.Arg(0), *base)
	if err != nil {
		return err
	}

	trace, err := Disassemble(addr, code, *n)
	if err != nil {
		return err
	}
	_, err = trace.WriteTo(cmd.Stdout)
	return err
}

// read returns the code to list and its address. ELF programs are listed
// from the start of their .text section.
func (cmd *DisasmCommand) read(path, base string) (uint64, []byte, error) {
	if base != "" {
		addr, err := parseAddr(base)
		if err != nil {
			return 0, nil, fmt.Errorf("invalid base address: %w", err)
		}
		code, err := ioutil.ReadFile(path)
		return addr, code, err
	}

	f, err := elf.Open(path)
	if err != nil {
		return 0, nil, err
	}
	defer f.Close()

	text := f.Section(".text")
	if text == nil {
		return 0, nil, fmt.Errorf("%s: no .text section", path)
	}
	code, err := text.Data()
	if err != nil {
		return 0, nil, err
	}
	return text.Addr, code, nil
}

// Disassemble decodes code linearly from addr. Decoding stops after max
// instructions if max is positive, or at the first undecodable byte.
func Disassemble(addr uint64, code []byte, max int) (*rewind.StaticTrace, error) {
	trace := rewind.NewStaticTrace()
	for off := 0; off < len(code); {
		if max > 0 && trace.Len() >= max {
			break
		}
		ins, err := rewind.DecodeX86(addr+uint64(off), code[off:], 64)
		if err != nil {
			if trace.Len() == 0 {
				return nil, err
			}
			break
		}
		trace.Add(ins)
		off += ins.Len()
	}
	return trace, nil
}

func (cmd *DisasmCommand) usage() {
	fmt.Fprintln(os.Stderr, `
usage: rewind disasm [arguments] PROGRAM

Prints the instructions of PROGRAM with conditional branches, indirect
branches and syscalls marked.

Arguments:

	-base ADDR
	    Read PROGRAM as a raw image at ADDR instead of as ELF.

	-n N
	    Stop after N instructions.
`[1:])
}
