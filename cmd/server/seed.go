package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/keyfleet/keyfleet/internal/domain"
)

type seedYAML struct {
	Keys []seedYAMLKey `yaml:"keys"`
}

type seedYAMLKey struct {
	Secret string `yaml:"secret"`
	Name   string `yaml:"name"`
}

// seedKeys loads upstream keys from a YAML file into the repository.
// Existing secrets are skipped so the seed is idempotent.
func seedKeys(ctx domain.Context, repo domain.KeyRepository, path string) (added, skipped int, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("op=seed.read: %w", err)
	}
	var doc seedYAML
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return 0, 0, fmt.Errorf("op=seed.parse: %w", err)
	}
	for _, k := range doc.Keys {
		secret := strings.TrimSpace(k.Secret)
		if secret == "" {
			skipped++
			continue
		}
		if _, err := repo.Add(ctx, secret, strings.TrimSpace(k.Name)); err != nil {
			if errors.Is(err, domain.ErrDuplicateSecret) {
				skipped++
				continue
			}
			return added, skipped, fmt.Errorf("op=seed.add: %w", err)
		}
		added++
	}
	return added, skipped, nil
}
