package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreateInstanceID reads the bridge instance ID from dataDir, or
// generates a UUIDv7 and persists it when none exists. The ID suffixes
// the MQTT client ID so two bridges configured with the same client_id
// do not kick each other off the broker.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "instance_id")

	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir %s: %w", dataDir, err)
	}
	idStr := id.String()
	if err := os.WriteFile(path, []byte(idStr+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist instance ID to %s: %w", path, err)
	}
	return idStr, nil
}

// ClientID combines the configured base with the last eight characters
// of the instance ID. The leading UUIDv7 bits are a timestamp, so the
// random tail is used.
func ClientID(base, instanceID string) string {
	short := strings.ReplaceAll(instanceID, "-", "")
	if len(short) > 8 {
		short = short[len(short)-8:]
	}
	if short == "" {
		return base
	}
	return base + "-" + short
}
