// Package elfx opens x86 ELF objects and exposes their executable sections,
// exported function symbols and raw file image.
package elfx

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"syscall"
)

var (
	// ErrFormat reports a file that is not a usable ELF object.
	ErrFormat = errors.New("elfx: not a recognized object file")
	// ErrIO reports a file that cannot be read in full.
	ErrIO = errors.New("elfx: unreadable binary")
	// ErrNoSymbols reports an object without global function symbols.
	ErrNoSymbols = errors.New("elfx: no usable global function symbols")
)

// UnnamedSection labels executable sections the container leaves unnamed.
const UnnamedSection = "<unnamed>"

// sttGNUIFunc is the GNU indirect function symbol type (STT_LOOS).
const sttGNUIFunc = elf.STT_LOOS

type Image struct {
	Path  string
	File  *elf.File
	All   []byte
	Loads []Seg
	Size  int64
	f     *os.File
}

type Seg struct {
	Vaddr, Off, Filesz uint64
	Flags              elf.ProgFlag
}

// Section is an executable region of the image.
type Section struct {
	Name          string
	VA, Off, Size uint64
}

// DynSym is a defined, global, function-typed dynamic symbol.
type DynSym struct {
	Name    string
	Version string
	Library string
	Addr    uint64
	Size    uint64
}

// Options bound what Open accepts.
type Options struct {
	// MaxSize rejects files larger than this many bytes; 0 disables the cap.
	MaxSize int64
}

var elfMagic = []byte(elf.ELFMAG)

// Open validates path as an x86 ELF object and maps its bytes read-only.
func Open(path string, opts Options) (*Image, error) {
	of, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrIO, err)
	}

	fi, err := of.Stat()
	if err != nil {
		of.Close()
		return nil, fmt.Errorf("%w: stat: %v", ErrIO, err)
	}
	if opts.MaxSize > 0 && fi.Size() > opts.MaxSize {
		of.Close()
		return nil, fmt.Errorf("%w: %s is %d bytes, cap is %d", ErrIO, path, fi.Size(), opts.MaxSize)
	}

	magic := make([]byte, len(elfMagic))
	if _, err := of.ReadAt(magic, 0); err != nil || !bytes.Equal(magic, elfMagic) {
		of.Close()
		return nil, fmt.Errorf("%w: %s: bad magic", ErrFormat, path)
	}

	f, err := elf.NewFile(of)
	if err != nil {
		of.Close()
		var fe *elf.FormatError
		if errors.As(err, &fe) {
			return nil, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		return nil, fmt.Errorf("%w: parse: %v", ErrIO, err)
	}
	if f.Machine != elf.EM_386 && f.Machine != elf.EM_X86_64 {
		of.Close()
		return nil, fmt.Errorf("%w: unsupported machine %v", ErrFormat, f.Machine)
	}

	all, err := syscall.Mmap(int(of.Fd()), 0, int(fi.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		of.Close()
		return nil, fmt.Errorf("%w: mmap: %v", ErrIO, err)
	}

	im := &Image{Path: path, File: f, All: all, Size: fi.Size(), f: of}
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		im.Loads = append(im.Loads, Seg{
			Vaddr:  p.Vaddr,
			Off:    p.Off,
			Filesz: p.Filesz,
			Flags:  p.Flags,
		})
	}
	return im, nil
}

// Close unmaps the memory and closes the underlying file.
func (im *Image) Close() error {
	var err1, err2 error
	if im.All != nil {
		err1 = syscall.Munmap(im.All)
		im.All = nil
	}
	if im.f != nil {
		err2 = im.f.Close()
		im.f = nil
	}
	im.File = nil
	if err1 != nil {
		return err1
	}
	return err2
}

// Bits returns the natural decoding width of the image: 32 for ELFCLASS32,
// 64 for ELFCLASS64.
func (im *Image) Bits() int {
	if im.File != nil && im.File.Class == elf.ELFCLASS64 {
		return 64
	}
	return 32
}

// ExecSections returns every section flagged SHF_EXECINSTR that has file
// contents, in section header order.
func (im *Image) ExecSections() ([]Section, error) {
	var out []Section
	for _, s := range im.File.Sections {
		if s.Flags&elf.SHF_EXECINSTR == 0 || s.Type == elf.SHT_NOBITS {
			continue
		}
		if s.Offset+s.Size > uint64(len(im.All)) {
			return nil, fmt.Errorf("%w: section %q extends past end of file", ErrIO, s.Name)
		}
		name := s.Name
		if name == "" {
			name = UnnamedSection
		}
		out = append(out, Section{Name: name, VA: s.Addr, Off: s.Offset, Size: s.Size})
	}
	return out, nil
}

// FunctionSymbols returns the dynamic symbols usable as chain entry points:
// defined, STB_GLOBAL, function-typed (STT_FUNC or STT_GNU_IFUNC), and not
// named _init or _fini. It fails with ErrNoSymbols when none remain.
func (im *Image) FunctionSymbols() ([]DynSym, error) {
	syms, err := im.File.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("%w: dynsym: %v", ErrIO, err)
	}

	var out []DynSym
	for _, s := range syms {
		if !exported(s) {
			continue
		}
		if s.Name == "_init" || s.Name == "_fini" {
			continue
		}
		ds := DynSym{Name: s.Name, Addr: s.Value, Size: s.Size}
		// TODO: skip symbols bound to the base version (VER_NDX_GLOBAL).
		if versionable(s) {
			ds.Version = s.Version
			ds.Library = s.Library
		}
		out = append(out, ds)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSymbols, im.Path)
	}
	return out, nil
}

func exported(s elf.Symbol) bool {
	switch elf.ST_TYPE(s.Info) {
	case elf.STT_FUNC, sttGNUIFunc:
	default:
		return false
	}
	if elf.ST_BIND(s.Info) != elf.STB_GLOBAL {
		return false
	}
	return s.Section != elf.SHN_UNDEF && s.Section != elf.SHN_COMMON
}

// versionable reports whether version metadata should be consulted for s.
// Section symbols carry no version.
func versionable(s elf.Symbol) bool {
	return elf.ST_TYPE(s.Info) != elf.STT_SECTION
}

// VA2Off translates a virtual address into a file offset
// using PT_LOAD segments. It returns false if VA is unmapped.
func (im *Image) VA2Off(va uint64) (uint64, bool) {
	for _, l := range im.Loads {
		if va >= l.Vaddr && va < l.Vaddr+l.Filesz {
			return l.Off + (va - l.Vaddr), true
		}
	}
	return 0, false
}

// SliceVA returns the bytes of [va, va+size). Sections are consulted before
// segments so unlinked objects without program headers still resolve.
func (im *Image) SliceVA(va uint64, size uint64) ([]byte, bool) {
	off, ok := im.sectionOff(va)
	if !ok {
		off, ok = im.VA2Off(va)
	}
	if !ok {
		return nil, false
	}
	end := off + size
	if end > uint64(len(im.All)) {
		return nil, false
	}
	return im.All[off:end], true
}

func (im *Image) sectionOff(va uint64) (uint64, bool) {
	if im.File == nil {
		return 0, false
	}
	for _, s := range im.File.Sections {
		if s.Type == elf.SHT_NOBITS || s.Addr == 0 {
			continue
		}
		if va >= s.Addr && va < s.Addr+s.Size {
			return s.Offset + (va - s.Addr), true
		}
	}
	return 0, false
}
