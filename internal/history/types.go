// Package history reconstructs a project's working tree by folding the
// ordered action log from its message history onto an initial template.
package history

import "encoding/json"

// FileEntry is one file in a materialized FileMap.
type FileEntry struct {
	Content    string  `json:"content"`
	IsBinary   bool    `json:"isBinary"`
	ParentPath *string `json:"parentPath"`
}

// FileMap is the flat path-keyed snapshot of project files after folding
// history. It lives for the duration of one sync step and is then discarded.
type FileMap map[string]FileEntry

// InstallCommand is a dependency-install intent collected from the history.
// It does not touch the file map; the build step consumes the manifest.
type InstallCommand struct {
	PlanID   string   `json:"planId"`
	Command  string   `json:"command"` // "npm install" | "bun install"
	Packages []string `json:"packages"`
}

// Entry kinds that concern the materializer. PlanDescription and Thinking
// entries share the same log but are opaque here.
const (
	entryTypeFile    = "file"
	entryTypeCommand = "command"
)

// historyEntry is the lenient decode target for one element of the message
// history array. Fields from both action kinds are flattened; Type selects
// which ones are meaningful.
type historyEntry struct {
	Type   string `json:"type"`
	PlanID string `json:"planId"`

	// file action
	Path        string          `json:"path"`
	Modified    json.RawMessage `json:"modified"`
	Original    *string         `json:"original"`
	IsNew       bool            `json:"isNew"`
	Basename    string          `json:"basename"`
	Dirname     string          `json:"dirname"`
	Description string          `json:"description"`

	// command action
	Command  string   `json:"command"`
	Packages []string `json:"packages"`
}

// isCreate reports whether the action marks a new file. The history format
// marks creates inconsistently as either isNew=true or a null original;
// either is accepted.
func (e historyEntry) isCreate() bool {
	return e.IsNew || e.Original == nil
}
