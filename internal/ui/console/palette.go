package console

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/vovakirdan/wirechat-tui/internal/core"
)

// userPalette holds the colours participants are drawn in.
var userPalette = []lipgloss.Color{
	lipgloss.Color("9"),  // light red
	lipgloss.Color("13"), // light magenta
	lipgloss.Color("12"), // light blue
	lipgloss.Color("14"), // light cyan
	lipgloss.Color("10"), // light green
	lipgloss.Color("11"), // yellow
}

// colorMap assigns palette slots to roster members, always handing out the
// slot currently used by the fewest members. Ties go to the earlier slot.
type colorMap struct {
	byID map[string]int
}

func newColorMap() *colorMap {
	return &colorMap{byID: make(map[string]int)}
}

func (c *colorMap) leastUsed() int {
	counts := make([]int, len(userPalette))
	for _, slot := range c.byID {
		counts[slot]++
	}
	best := 0
	for slot, n := range counts {
		if n < counts[best] {
			best = slot
		}
	}
	return best
}

// sync drops members that left and assigns slots to new ones in roster order.
func (c *colorMap) sync(entries []core.Entry) {
	present := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		present[e.ID] = struct{}{}
	}
	for id := range c.byID {
		if _, ok := present[id]; !ok {
			delete(c.byID, id)
		}
	}
	for _, e := range entries {
		if _, ok := c.byID[e.ID]; !ok {
			c.byID[e.ID] = c.leastUsed()
		}
	}
}

// slot returns the colour slot for id. Participants outside the roster get
// the least used slot without reserving it.
func (c *colorMap) slot(id string) int {
	if slot, ok := c.byID[id]; ok {
		return slot
	}
	return c.leastUsed()
}
