package history

import (
	"path"
	"strings"
)

// Paths owned by the build template that user history must never shadow.
// Synced trees drop these so template upgrades keep winning.
var excludedPaths = map[string]struct{}{
	"tailwind.config.ts":     {},
	"components.json":        {},
	"src/hooks/use-toast.ts": {},
	"src/lib/utils.ts":       {},
	"src/assets/react.svg":   {},
	"READEME.md":             {},
	"READEME-ZH.md":          {},
	".gitignore":             {},
}

// IsExcluded reports whether p is template-owned and must not be synced.
func IsExcluded(p string) bool {
	if _, ok := excludedPaths[p]; ok {
		return true
	}
	if strings.HasPrefix(p, "public/") {
		return true
	}
	if strings.HasPrefix(p, "src/components/ui/") && strings.HasSuffix(p, ".tsx") {
		return true
	}
	if ok, _ := path.Match("tsconfig*.json", p); ok {
		return true
	}
	return false
}

// FilterExcluded returns a copy of files without any template-owned paths.
func FilterExcluded(files FileMap) FileMap {
	out := make(FileMap, len(files))
	for p, entry := range files {
		if IsExcluded(p) {
			continue
		}
		out[p] = entry
	}
	return out
}
