package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/galois26/archive-ingester/internal/model"
)

// LoadRunSummary reads the summary written by SaveRunSummary.
func LoadRunSummary(path string) (model.RunStats, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return model.RunStats{}, err
	}
	var s model.RunStats
	return s, json.Unmarshal(b, &s)
}

// SaveRunSummary writes the run summary next to path and renames it into
// place, so readers never see a partial file.
func SaveRunSummary(path string, s model.RunStats) error {
	b, err := json.MarshalIndent(s, "", " ")
	if err != nil {
		return fmt.Errorf("marshal run summary: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".summary-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
