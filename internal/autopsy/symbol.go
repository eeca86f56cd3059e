package autopsy

import (
	"fmt"

	"github.com/ianlancetaylor/demangle"
)

// Symbol is an exported global function of the analysed binary.
type Symbol struct {
	Name    string
	Version string // empty when unversioned
	Library string // verneed file name, when the version is imported
	Address uint64
	Size    uint64
}

// SymbolKey identifies a symbol. Two symbols may share a name and differ
// only in version.
type SymbolKey struct {
	Name    string
	Version string
}

// Key returns the (name, version) pair.
func (s Symbol) Key() SymbolKey {
	return SymbolKey{Name: s.Name, Version: s.Version}
}

// SymVerDirective renders the assembler directive pinning this symbol to its
// version: ".symver name,name@version".
func (s Symbol) SymVerDirective() string {
	return fmt.Sprintf(".symver %s,%s@%s", s.Name, s.Name, s.Version)
}

// Demangled returns the demangled C++ name, or Name when it is not mangled.
func (s Symbol) Demangled() string {
	return demangle.Filter(s.Name, demangle.NoClones)
}

func (s Symbol) String() string {
	if s.Version == "" {
		return fmt.Sprintf("%s@%#x", s.Name, s.Address)
	}
	return fmt.Sprintf("%s@%s@%#x", s.Name, s.Version, s.Address)
}
