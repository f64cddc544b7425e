package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsExcluded(t *testing.T) {
	tests := []struct {
		path     string
		excluded bool
	}{
		{"tailwind.config.ts", true},
		{"tsconfig.json", true},
		{"tsconfig.app.json", true},
		{"tsconfig.node.json", true},
		{"components.json", true},
		{"src/hooks/use-toast.ts", true},
		{"src/lib/utils.ts", true},
		{"src/assets/react.svg", true},
		{"READEME.md", true},
		{"READEME-ZH.md", true},
		{".gitignore", true},
		{"public/vite.svg", true},
		{"public/fonts/inter.woff2", true},
		{"src/components/ui/button.tsx", true},

		{"package.json", false},
		{"src/App.tsx", false},
		{"src/components/Header.tsx", false},
		{"src/components/ui/helpers.ts", false},
		{"README.md", false},
		{"src/tsconfig.json", false},
		{"vite.config.ts", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.excluded, IsExcluded(tt.path))
		})
	}
}

func TestFilterExcluded(t *testing.T) {
	files := FileMap{
		"src/App.tsx":                  {Content: "app"},
		"public/vite.svg":              {Content: "svg"},
		"src/components/ui/button.tsx": {Content: "btn"},
		"package.json":                 {Content: "{}"},
	}

	got := FilterExcluded(files)

	assert.Len(t, got, 2)
	assert.Contains(t, got, "src/App.tsx")
	assert.Contains(t, got, "package.json")
	assert.NotContains(t, got, "public/vite.svg")
	assert.NotContains(t, got, "src/components/ui/button.tsx")
}
