package gcontrol

import (
	"fmt"
	"strconv"
)

// humanBytes formats a byte count in its proper unit, preferring exact
// values ("512M") and falling back to one decimal ("1.5G").
func humanBytes(v uint64) string {
	for _, u := range [...]struct {
		div    uint64
		suffix string
	}{
		{1 << 40, `T`},
		{1 << 30, `G`},
		{1 << 20, `M`},
		{1 << 10, `K`},
	} {
		if v >= u.div {
			if v%u.div == 0 {
				return strconv.FormatUint(v/u.div, 10) + u.suffix
			}
			return fmt.Sprintf(`%.1f%s`, float64(v)/float64(u.div), u.suffix)
		}
	}
	return strconv.FormatUint(v, 10) + `B`
}
