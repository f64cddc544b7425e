package history

import (
	"encoding/json"
	"log/slog"
	"path"
)

// Materializer folds an ordered message history onto a template snapshot to
// produce the file map a sandbox should be synced with.
type Materializer struct {
	logger *slog.Logger
}

// NewMaterializer creates a Materializer. A nil logger falls back to
// slog.Default().
func NewMaterializer(logger *slog.Logger) *Materializer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Materializer{logger: logger}
}

// Materialize replays rawHistory (a JSON array of actions, oldest first) on
// top of the initial template tree. Later entries for the same path win.
// A malformed history is logged and ignored: the template snapshot alone is
// returned rather than failing the deployment.
func (m *Materializer) Materialize(initial TemplateTree, rawHistory []byte) (FileMap, []InstallCommand) {
	files := initial.Flatten()

	if len(rawHistory) == 0 {
		return files, nil
	}

	var entries []historyEntry
	if err := json.Unmarshal(rawHistory, &entries); err != nil {
		m.logger.Warn("message history is not a valid action array, using template only",
			slog.String("error", err.Error()))
		return files, nil
	}

	var installs []InstallCommand
	for i, entry := range entries {
		switch entry.Type {
		case entryTypeFile:
			m.applyFileAction(files, i, entry)
		case entryTypeCommand:
			if entry.Command == "" {
				continue
			}
			installs = append(installs, InstallCommand{
				PlanID:   entry.PlanID,
				Command:  entry.Command,
				Packages: entry.Packages,
			})
		default:
			// Plan descriptions, thinking blocks and other narrative entries
			// share the log but carry no file effects.
		}
	}
	return files, installs
}

// applyFileAction folds one file action into files, skipping entries the
// materializer cannot interpret.
func (m *Materializer) applyFileAction(files FileMap, idx int, entry historyEntry) {
	if entry.Path == "" {
		m.logger.Warn("file action without a path, skipping", slog.Int("index", idx))
		return
	}

	var content string
	if err := json.Unmarshal(entry.Modified, &content); err != nil {
		m.logger.Warn("file action with non-string content, skipping",
			slog.Int("index", idx),
			slog.String("path", entry.Path))
		return
	}

	if existing, ok := files[entry.Path]; ok {
		// Overwrite in place. A stale isNew flag on an already-known path is
		// harmless; latest content wins either way.
		existing.Content = content
		files[entry.Path] = existing
		return
	}

	if entry.isCreate() {
		files[entry.Path] = FileEntry{
			Content:    content,
			ParentPath: parentOf(entry.Path),
		}
		return
	}

	m.logger.Warn("edit targets a file missing from the snapshot, skipping",
		slog.Int("index", idx),
		slog.String("path", entry.Path),
		slog.String("dir", path.Dir(entry.Path)))
}
