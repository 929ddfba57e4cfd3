package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Catalog lists the languages, link hosts and form categories surveys can use.
type Catalog struct {
	Languages  []string                  `yaml:"languages"`
	Links      map[string]string         `yaml:"links"`
	Categories map[string]CategoryConfig `yaml:"categories"`
}

type CategoryConfig struct {
	// CommentRequired is an expression over score, comment, category,
	// language, subject_id and project_key.
	CommentRequired string `yaml:"comment_required"`
}

func DefaultCatalog() Catalog {
	return Catalog{
		Languages:  []string{"en"},
		Links:      map[string]string{},
		Categories: map[string]CategoryConfig{},
	}
}

// Rules returns the comment rule of every category, keyed by name.
func (c Catalog) Rules() map[string]string {
	rules := make(map[string]string, len(c.Categories))
	for name, cat := range c.Categories {
		rules[name] = cat.CommentRequired
	}
	return rules
}

// LoadCatalog reads the catalog at path. An empty path yields the default.
func LoadCatalog(path string) (Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()

	return decodeCatalog(f)
}

func decodeCatalog(r io.Reader) (Catalog, error) {
	catalog := DefaultCatalog()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&catalog); err != nil && !errors.Is(err, io.EOF) {
		return Catalog{}, fmt.Errorf("decode catalog: %w", err)
	}

	if len(catalog.Languages) == 0 {
		catalog.Languages = []string{"en"}
	}
	if catalog.Links == nil {
		catalog.Links = map[string]string{}
	}
	if catalog.Categories == nil {
		catalog.Categories = map[string]CategoryConfig{}
	}
	return catalog, nil
}
