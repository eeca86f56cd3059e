package autopsy

import (
	"errors"

	"github.com/gmh5225/ropfuscator/internal/elfx"
)

var (
	// ErrFormat is fatal: the container is not a recognized object file.
	ErrFormat = elfx.ErrFormat
	// ErrIO is fatal: the binary is unreadable, truncated or over the size cap.
	ErrIO = elfx.ErrIO
	// ErrNoSymbols is fatal: no global function symbol can bootstrap a chain.
	ErrNoSymbols = elfx.ErrNoSymbols
	// ErrEmptyIndex is returned by queries with nothing to answer. Callers
	// fall back to emitting the instruction natively.
	ErrEmptyIndex = errors.New("autopsy: index holds no matching entry")
)
