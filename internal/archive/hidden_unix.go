//go:build !windows

package archive

import (
	"io/fs"
	"strings"
)

func isHidden(_ string, d fs.DirEntry) bool {
	return strings.HasPrefix(d.Name(), ".")
}
