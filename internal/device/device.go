// Package device resolves the stable identifier this daemon claims
// tasks for. Precedence: explicit config value, COURIER_DEVICE_ID in
// the environment, then a persisted id file (generated on first run).
package device

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const envVar = "COURIER_DEVICE_ID"

// DefaultIDFile returns the default persisted id path, ~/.courier/device_id.
func DefaultIDFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".courier/device_id"
	}
	return filepath.Join(home, ".courier", "device_id")
}

// Resolve returns the device id. configured takes precedence, then the
// environment, then idFile; a missing idFile is created with a fresh
// UUID so the identity survives restarts. Ids are normalized to
// lowercase with surrounding whitespace stripped.
func Resolve(configured, idFile string) (string, error) {
	if id := normalize(configured); id != "" {
		return id, nil
	}
	if id := normalize(os.Getenv(envVar)); id != "" {
		return id, nil
	}

	if idFile == "" {
		idFile = DefaultIDFile()
	}

	data, err := os.ReadFile(idFile)
	if err == nil {
		if id := normalize(string(data)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read device id file: %w", err)
	}

	id := uuid.New().String()
	if err := os.MkdirAll(filepath.Dir(idFile), 0o700); err != nil {
		return "", fmt.Errorf("failed to create device id dir: %w", err)
	}
	if err := os.WriteFile(idFile, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to write device id file: %w", err)
	}
	log.Printf("[Device] Generated new device id %s (persisted to %s)", id, idFile)
	return id, nil
}

func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
