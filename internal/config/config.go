// Package config loads the catalog configuration: which catalogs exist,
// which metadata model each one uses, and which upstream sources feed it.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Source struct {
	ID     string `yaml:"id"`
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

type Catalog struct {
	Name    string   `yaml:"name"`
	Model   string   `yaml:"model"`
	Sources []Source `yaml:"sources"`
}

type Config struct {
	Catalogs []Catalog `yaml:"catalogs"`
}

// Load reads the yaml catalog file named by path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse catalog config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Catalogs) == 0 {
		return fmt.Errorf("catalog config: no catalogs declared")
	}
	seen := map[string]bool{}
	for _, cat := range c.Catalogs {
		if cat.Name == "" {
			return fmt.Errorf("catalog config: catalog with empty name")
		}
		if seen[cat.Name] {
			return fmt.Errorf("catalog config: duplicate catalog %q", cat.Name)
		}
		seen[cat.Name] = true
		if cat.Model == "" {
			return fmt.Errorf("catalog config: catalog %q has no model", cat.Name)
		}
		ids := map[string]bool{}
		for _, s := range cat.Sources {
			if s.ID == "" {
				return fmt.Errorf("catalog config: catalog %q has a source with empty id", cat.Name)
			}
			if ids[s.ID] {
				return fmt.Errorf("catalog config: catalog %q has duplicate source %q", cat.Name, s.ID)
			}
			ids[s.ID] = true
		}
	}
	return nil
}

// Catalog resolves a catalog by name.
func (c *Config) Catalog(name string) (*Catalog, bool) {
	for i := range c.Catalogs {
		if c.Catalogs[i].Name == name {
			return &c.Catalogs[i], true
		}
	}
	return nil, false
}

// Source resolves a source within a catalog.
func (cat *Catalog) Source(id string) (*Source, bool) {
	for i := range cat.Sources {
		if cat.Sources[i].ID == id {
			return &cat.Sources[i], true
		}
	}
	return nil, false
}
