package unicorn

import (
	"debug/elf"
	"fmt"
	"io"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

const pageSize = 0x1000

// Default stack placement.
const (
	StackTop  = 0x7ffff0000000
	StackSize = 0x100000
)

func pageDown(addr uint64) uint64 { return addr &^ (pageSize - 1) }
func pageUp(addr uint64) uint64   { return (addr + pageSize - 1) &^ (pageSize - 1) }

// Map maps the pages covering [addr, addr+size). Pages already mapped by the
// tracer are skipped.
func (t *Tracer) Map(addr, size uint64) error {
	for page := pageDown(addr); page < pageUp(addr+size); page += pageSize {
		if t.mapped(page) {
			continue
		}
		if err := t.mu.MemMap(page, pageSize); err != nil {
			return fmt.Errorf("map page %#x: %w", page, err)
		}
	}
	return nil
}

func (t *Tracer) mapped(page uint64) bool {
	regions, err := t.mu.MemRegions()
	if err != nil {
		return false
	}
	for _, r := range regions {
		if page >= r.Begin && page <= r.End {
			return true
		}
	}
	return false
}

// LoadImage maps code at base and sets the entry point to base.
func (t *Tracer) LoadImage(base uint64, code []byte) error {
	if err := t.Map(base, uint64(len(code))); err != nil {
		return err
	} else if err := t.WriteMemory(base, code); err != nil {
		return err
	}
	t.Entry = base
	return t.MapStack()
}

// LoadELF maps every loadable segment of a statically linked x86-64 ELF
// executable and sets the entry point.
func (t *Tracer) LoadELF(path string) error {
	f, err := elf.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if f.Machine != elf.EM_X86_64 {
		return fmt.Errorf("%s: unsupported machine %s", path, f.Machine)
	} else if f.Type != elf.ET_EXEC {
		return fmt.Errorf("%s: not a static executable: %s", path, f.Type)
	}

	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}
		if err := t.Map(p.Vaddr, p.Memsz); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		buf := make([]byte, p.Filesz)
		if _, err := io.ReadFull(p.Open(), buf); err != nil {
			return fmt.Errorf("%s: read segment at %#x: %w", path, p.Vaddr, err)
		} else if err := t.WriteMemory(p.Vaddr, buf); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	t.Entry = f.Entry
	return t.MapStack()
}

// MapStack maps the default stack and points RSP at its top.
func (t *Tracer) MapStack() error {
	if err := t.Map(StackTop-StackSize, StackSize); err != nil {
		return err
	} else if err := t.mu.RegWrite(uc.X86_REG_RSP, StackTop-pageSize); err != nil {
		return fmt.Errorf("set stack pointer: %w", err)
	}
	return nil
}
