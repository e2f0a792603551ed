package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// persister writes one JSON file per queued message so unprocessed messages
// survive a crash. Files are removed on MarkDone or on DLQ entry.
type persister struct {
	dir string
}

func newPersister(dataDir string) (*persister, error) {
	dir := filepath.Join(dataDir, "queue")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &persister{dir: dir}, nil
}

func (p *persister) save(qm QueuedMessage) error {
	data, err := json.Marshal(qm)
	if err != nil {
		return fmt.Errorf("marshal queued message: %w", err)
	}
	return os.WriteFile(p.path(qm.ID), data, 0o644)
}

func (p *persister) remove(id string) {
	if err := os.Remove(p.path(id)); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove persisted message", "id", id, "error", err)
	}
}

// recover loads all persisted messages from disk. Corrupt files are skipped.
func (p *persister) recover() ([]QueuedMessage, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, err
	}

	var out []QueuedMessage
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(p.dir, e.Name()))
		if err != nil {
			slog.Warn("skipping unreadable queue file", "file", e.Name(), "error", err)
			continue
		}
		var qm QueuedMessage
		if err := json.Unmarshal(data, &qm); err != nil {
			slog.Warn("skipping corrupt queue file", "file", e.Name(), "error", err)
			continue
		}
		out = append(out, qm)
	}
	return out, nil
}

func (p *persister) path(id string) string {
	return filepath.Join(p.dir, id+".json")
}
