// Package elftest writes small little-endian ELF32 objects for tests.
//
// Layout: file header, .shstrtab, .dynstr, .dynsym, the optional
// .gnu.version and .gnu.version_d tables, section headers, then the
// caller's sections. Keeping caller data last lets tests truncate code
// without breaking the headers.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

const (
	ehdrSize    = 52
	shdrSize    = 40
	symSize     = 16
	verdefSize  = 20
	verdauxSize = 8
	verFlagBase = 1
)

// Section is a caller-provided section.
type Section struct {
	Name  string
	Type  elf.SectionType // SHT_PROGBITS when zero
	Flags elf.SectionFlag
	Addr  uint32
	Data  []byte
}

// Symbol is a dynamic symbol. Section names one of the builder's sections;
// an empty Section makes the symbol undefined.
type Symbol struct {
	Name    string
	Value   uint32
	Size    uint32
	Bind    elf.SymBind
	Type    elf.SymType
	Section string
	Version string // defined version; empty binds the base version
}

// Builder assembles an ELF32 object.
type Builder struct {
	Type     elf.Type    // ET_DYN when zero
	Machine  elf.Machine // EM_386 when zero
	Soname   string      // base version name, "libfixture.so" when empty
	Sections []Section
	Symbols  []Symbol
}

// Func is a global function symbol defined in section.
func Func(name string, value uint32, section string) Symbol {
	return Symbol{Name: name, Value: value, Size: 1, Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC, Section: section}
}

// Text is an executable .text section at addr.
func Text(addr uint32, code []byte) Section {
	return Section{Name: ".text", Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Addr: addr, Data: code}
}

type strtab struct {
	buf bytes.Buffer
	off map[string]uint32
}

func newStrtab() *strtab {
	t := &strtab{off: make(map[string]uint32)}
	t.buf.WriteByte(0)
	t.off[""] = 0
	return t
}

func (t *strtab) add(s string) uint32 {
	if o, ok := t.off[s]; ok {
		return o
	}
	o := uint32(t.buf.Len())
	t.buf.WriteString(s)
	t.buf.WriteByte(0)
	t.off[s] = o
	return o
}

type shdr struct {
	Name, Type, Flags, Addr, Off, Size, Link, Info, Align, Entsize uint32
}

// versions assigns version indices from 2 in first-use order and renders
// .gnu.version and .gnu.version_d. Index 1 is the base definition named
// soname. It returns nil tables when no symbol is versioned.
func (b *Builder) versions(dynstr *strtab, soname string) (versym, verdef []byte, ndefs int) {
	ndx := map[string]uint16{}
	order := []string{soname}
	for _, s := range b.Symbols {
		if s.Version == "" {
			continue
		}
		if _, ok := ndx[s.Version]; !ok {
			order = append(order, s.Version)
			ndx[s.Version] = uint16(len(order))
		}
	}
	if len(ndx) == 0 {
		return nil, nil, 0
	}

	var vs bytes.Buffer
	binary.Write(&vs, binary.LittleEndian, uint16(0))
	for _, s := range b.Symbols {
		v := uint16(1)
		switch {
		case s.Version != "":
			v = ndx[s.Version]
		case s.Section == "":
			v = 0
		}
		binary.Write(&vs, binary.LittleEndian, v)
	}

	var vd bytes.Buffer
	for i, name := range order {
		flags := uint16(0)
		if i == 0 {
			flags = verFlagBase
		}
		next := uint32(verdefSize + verdauxSize)
		if i == len(order)-1 {
			next = 0
		}
		binary.Write(&vd, binary.LittleEndian, struct {
			Version, Flags, Ndx, Cnt uint16
			Hash, Aux, Next          uint32
		}{1, flags, uint16(i + 1), 1, elfHash(name), verdefSize, next})
		binary.Write(&vd, binary.LittleEndian, struct {
			Name, Next uint32
		}{dynstr.add(name), 0})
	}
	return vs.Bytes(), vd.Bytes(), len(order)
}

// elfHash is the SysV symbol hash stored in verdef entries.
func elfHash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = h<<4 + uint32(name[i])
		if g := h & 0xf0000000; g != 0 {
			h ^= g >> 24
		}
		h &^= 0xf0000000
	}
	return h
}

// Bytes renders the object.
func (b *Builder) Bytes() []byte {
	typ, machine := b.Type, b.Machine
	if typ == 0 {
		typ = elf.ET_DYN
	}
	if machine == 0 {
		machine = elf.EM_386
	}
	soname := b.Soname
	if soname == "" {
		soname = "libfixture.so"
	}

	// Section indices: 0 null, 1 .shstrtab, 2 .dynstr, 3 .dynsym, 4.. caller,
	// then .gnu.version and .gnu.version_d when any symbol is versioned.
	const firstUser = 4
	index := make(map[string]uint16, len(b.Sections))
	for i, s := range b.Sections {
		index[s.Name] = uint16(firstUser + i)
	}

	shstr := newStrtab()
	dynstr := newStrtab()

	var dynsym bytes.Buffer
	dynsym.Write(make([]byte, symSize))
	for _, s := range b.Symbols {
		shndx := uint16(elf.SHN_UNDEF)
		if s.Section != "" {
			shndx = index[s.Section]
		}
		binary.Write(&dynsym, binary.LittleEndian, struct {
			Name, Value, Size uint32
			Info, Other       uint8
			Shndx             uint16
		}{dynstr.add(s.Name), s.Value, s.Size, elf.ST_INFO(s.Bind, s.Type), 0, shndx})
	}
	versym, verdef, ndefs := b.versions(dynstr, soname)

	names := []uint32{0, shstr.add(".shstrtab"), shstr.add(".dynstr"), shstr.add(".dynsym")}
	for _, s := range b.Sections {
		names = append(names, shstr.add(s.Name))
	}
	nsec := firstUser + len(b.Sections)
	if versym != nil {
		names = append(names, shstr.add(".gnu.version"), shstr.add(".gnu.version_d"))
		nsec += 2
	}

	off := uint32(ehdrSize)
	shstrOff := off
	off += uint32(shstr.buf.Len())
	dynstrOff := off
	off += uint32(dynstr.buf.Len())
	off = align4(off)
	dynsymOff := off
	off += uint32(dynsym.Len())
	off = align4(off)
	versymOff := off
	off += uint32(len(versym))
	off = align4(off)
	verdefOff := off
	off += uint32(len(verdef))
	off = align4(off)
	shoff := off
	off += uint32(nsec * shdrSize)

	hdrs := []shdr{
		{},
		{Name: names[1], Type: uint32(elf.SHT_STRTAB), Off: shstrOff, Size: uint32(shstr.buf.Len()), Align: 1},
		{Name: names[2], Type: uint32(elf.SHT_STRTAB), Flags: uint32(elf.SHF_ALLOC), Off: dynstrOff, Size: uint32(dynstr.buf.Len()), Align: 1},
		{Name: names[3], Type: uint32(elf.SHT_DYNSYM), Flags: uint32(elf.SHF_ALLOC), Off: dynsymOff, Size: uint32(dynsym.Len()), Link: 2, Info: 1, Align: 4, Entsize: symSize},
	}
	var userData bytes.Buffer
	for i, s := range b.Sections {
		typ := s.Type
		if typ == 0 {
			typ = elf.SHT_PROGBITS
		}
		hdrs = append(hdrs, shdr{
			Name:  names[firstUser+i],
			Type:  uint32(typ),
			Flags: uint32(s.Flags),
			Addr:  s.Addr,
			Off:   off + uint32(userData.Len()),
			Size:  uint32(len(s.Data)),
			Align: 1,
		})
		userData.Write(s.Data)
	}
	if versym != nil {
		v := firstUser + len(b.Sections)
		hdrs = append(hdrs,
			shdr{Name: names[v], Type: uint32(elf.SHT_GNU_VERSYM), Flags: uint32(elf.SHF_ALLOC), Off: versymOff, Size: uint32(len(versym)), Link: 3, Align: 2, Entsize: 2},
			shdr{Name: names[v+1], Type: uint32(elf.SHT_GNU_VERDEF), Flags: uint32(elf.SHF_ALLOC), Off: verdefOff, Size: uint32(len(verdef)), Link: 2, Info: uint32(ndefs), Align: 4},
		)
	}

	var out bytes.Buffer
	ident := [elf.EI_NIDENT]byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS32), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)}
	out.Write(ident[:])
	binary.Write(&out, binary.LittleEndian, struct {
		Type, Machine                uint16
		Version, Entry, Phoff, Shoff uint32
		Flags                        uint32
		Ehsize, Phentsize, Phnum     uint16
		Shentsize, Shnum, Shstrndx   uint16
	}{uint16(typ), uint16(machine), uint32(elf.EV_CURRENT), 0, 0, shoff, 0, ehdrSize, 32, 0, shdrSize, uint16(nsec), 1})

	out.Write(shstr.buf.Bytes())
	out.Write(dynstr.buf.Bytes())
	pad(&out, dynsymOff)
	out.Write(dynsym.Bytes())
	pad(&out, versymOff)
	out.Write(versym)
	pad(&out, verdefOff)
	out.Write(verdef)
	pad(&out, shoff)
	for _, h := range hdrs {
		binary.Write(&out, binary.LittleEndian, h)
	}
	out.Write(userData.Bytes())
	return out.Bytes()
}

// WriteFile renders the object into a file under t.TempDir and returns its path.
func (b *Builder) WriteFile(t testing.TB, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, b.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func align4(n uint32) uint32 { return (n + 3) &^ 3 }

func pad(buf *bytes.Buffer, to uint32) {
	for uint32(buf.Len()) < to {
		buf.WriteByte(0)
	}
}
