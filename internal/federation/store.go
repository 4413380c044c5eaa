package federation

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// nodeRecord is the on-disk shape of federation_nodes[<urlsuffix>].json:
// an array of known peers, keyed implicitly by ID.
type nodeRecord struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	ServerName string    `json:"serverName"`
	LastSeen   time.Time `json:"lastSeen"`
	AddedAt    time.Time `json:"addedAt"`
}

func loadNodes(path string) ([]nodeRecord, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var records []nodeRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func saveNodes(path string, records []nodeRecord) error {
	raw, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

// LoadOrCreateNodeID returns the node id a federation_id[<urlsuffix>].txt
// file should carry. A configured id always wins and is written back to
// path so the file reflects it; an empty configured id falls back to
// whatever is already on disk, or a freshly generated uuid persisted for
// next startup.
func LoadOrCreateNodeID(path, configured string) (string, error) {
	if configured != "" {
		if path != "" {
			_ = os.WriteFile(path, []byte(configured), 0o644)
		}
		return configured, nil
	}
	if path != "" {
		if raw, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(raw)); id != "" {
				return id, nil
			}
		}
	}
	id := uuid.NewString()
	if path != "" {
		if err := os.WriteFile(path, []byte(id), 0o644); err != nil {
			return "", err
		}
	}
	return id, nil
}
