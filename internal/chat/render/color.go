package render

import (
	"fmt"
	"hash/fnv"
)

// AuthorColor derives a stable CSS hsl() colour from an author id, so every
// client shows the same author in the same colour without a shared table.
func AuthorColor(authorID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(authorID))
	sum := h.Sum32()
	hue := sum % 360
	saturation := 55 + (sum>>9)%25
	lightness := 40 + (sum>>17)%15
	return fmt.Sprintf("hsl(%d, %d%%, %d%%)", hue, saturation, lightness)
}
