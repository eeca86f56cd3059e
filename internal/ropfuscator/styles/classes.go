package styles

import (
	"github.com/charmbracelet/lipgloss/v2"
	"github.com/charmbracelet/x/exp/charmtone"

	"github.com/gmh5225/ropfuscator/internal/gadget"
)

var classTones = map[gadget.Class]string{
	gadget.RegInit:   charmtone.Guac.Hex(),
	gadget.RegReset:  charmtone.Zest.Hex(),
	gadget.RegLoad:   charmtone.Malibu.Hex(),
	gadget.RegStore:  charmtone.Cheeky.Hex(),
	gadget.RegXchg:   charmtone.Charple.Hex(),
	gadget.Undefined: charmtone.Squid.Hex(),
}

// ClassHex is the palette color of a gadget class.
func ClassHex(c gadget.Class) string {
	if hex, ok := classTones[c]; ok {
		return hex
	}
	return charmtone.Squid.Hex()
}

// ClassTag renders c as a colored, fixed-width tag for gadget listings.
func ClassTag(c gadget.Class) string {
	return lipgloss.NewStyle().
		Foreground(lipgloss.Color(ClassHex(c))).
		Bold(c != gadget.Undefined).
		Width(10).
		Render(c.String())
}

var (
	// Address is the style of gadget addresses in listings.
	Address = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	// Selected is the style of the selected row's address.
	Selected = lipgloss.NewStyle().Foreground(lipgloss.Color("170"))
	// Menu is the bottom bar of the browser.
	Menu = lipgloss.NewStyle().
		Background(lipgloss.Color("235")).
		Foreground(lipgloss.Color("252")).
		Padding(0, 1)
	// Title is the list title style.
	Title = lipgloss.NewStyle().
		Foreground(lipgloss.Color("99")).
		MarginLeft(2)
)
