package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JonMunkholm/traceability/internal/device"
)

// fileDirectory is a read-only customer directory loaded from a YAML map of
// customer id to display name.
type fileDirectory map[string]string

func loadDirectory(path string) (fileDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read customer directory: %w", err)
	}
	return parseDirectory(data)
}

func parseDirectory(data []byte) (fileDirectory, error) {
	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse customer directory: %w", err)
	}
	dir := make(fileDirectory, len(raw))
	for id, name := range raw {
		id, name = strings.TrimSpace(id), strings.TrimSpace(name)
		if id == "" || name == "" {
			return nil, fmt.Errorf("parse customer directory: entry %q has an empty id or name", id)
		}
		dir[id] = name
	}
	return dir, nil
}

func (d fileDirectory) CustomerName(_ context.Context, customerID string) (string, error) {
	name, ok := d[strings.TrimSpace(customerID)]
	if !ok {
		return "", fmt.Errorf("customer %s: %w", customerID, device.ErrNotFound)
	}
	return name, nil
}
