// Command chentry modifies the entry address of a RISC-V64 ELF binary,
// the companion host-side build tool for this kernel's own user images
// (spec §4.7's ELF acceptance predicate, applied here to a build-time
// patch rather than the in-kernel loader). Adapted from the teacher's
// x86_64 version: the machine check now requires EM_RISCV, and the
// address bound matches the user virtual-address window instead of a
// 32-bit bootloader limit.
package main

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/ethanrp2/riscv-kernel/src/kconf"
)

// usage prints a small help message and terminates the program.
func usage(me string) {
	fmt.Printf("%s <filename> <addr>\n\nChange the ELF entry point of <filename> to <addr>\n", me)
	os.Exit(1)
}

// chkELF validates the ELF file header to ensure we are modifying the correct
// type of binary.  It exits the program if any of the checks fail.
func chkELF(eh *elf.Header64) {
	// Verify the magic bytes at the start of the file.
	if eh.Ident[0] != 0x7f || string(eh.Ident[1:4]) != "ELF" {
		log.Fatal("not an elf")
	}
	// Only little-endian 64-bit RISC-V executables are supported, matching
	// the loader's own acceptance predicate (spec §4.7).
	if eh.Ident[elf.EI_DATA] != byte(elf.ELFDATA2LSB) {
		log.Fatal("not little-endian?")
	}
	if eh.Type != uint16(elf.ET_EXEC) {
		log.Fatal("not an executable elf")
	}
	if eh.Machine != uint16(elf.EM_RISCV) {
		log.Fatal("not a riscv64 elf")
	}
	if eh.Ident[elf.EI_CLASS] != byte(elf.ELFCLASS64) {
		log.Fatal("not a 64 bit elf")
	}
}

// main drives the entry point update.  It expects a filename and an address
// value on the command line and rewrites the ELF header accordingly.
func main() {
	if len(os.Args) != 3 {
		usage(os.Args[0])
	}
	fn := os.Args[1]
	addr, err := parseAddr(os.Args[2])
	if err != nil {
		log.Fatal(err)
	}
	if addr < kconf.UserStartVMA || addr >= kconf.UserEndVMA {
		log.Fatalf("entry 0x%x outside user range [0x%x, 0x%x)", addr, kconf.UserStartVMA, kconf.UserEndVMA)
	}
	f, err := os.OpenFile(fn, os.O_RDWR, 0)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()

	var eh elf.Header64
	if err := binary.Read(f, binary.LittleEndian, &eh); err != nil {
		log.Fatal(err)
	}
	chkELF(&eh)

	fmt.Printf("using address 0x%x\n", addr)
	eh.Entry = addr

	if _, err := f.Seek(0, 0); err != nil {
		log.Fatal(err)
	}
	if err := binary.Write(f, binary.LittleEndian, &eh); err != nil {
		log.Fatal(err)
	}
}

// parseAddr converts the supplied string into a uint64 address.  The syntax
// matches that of C's strtoul with a base of 0, allowing both decimal and
// hexadecimal numbers.
func parseAddr(s string) (uint64, error) {
	a, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return a, nil
}
