// Package seed loads the starter fragment catalog from YAML.
package seed

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"zooassist/internal/app"
	"zooassist/internal/model"
)

type Catalog struct {
	Personalities []Entry `yaml:"personalities"`
	Guardrails    []Entry `yaml:"guardrails"`
}

type Entry struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Tone        string `yaml:"tone"`
	Severity    string `yaml:"severity"`
	Body        string `yaml:"body"`
}

type Result struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
}

// FragmentWriter is the part of the fragment service seeding needs.
type FragmentWriter interface {
	List(ctx context.Context, kind model.FragmentKind) ([]model.Fragment, error)
	Create(ctx context.Context, input app.CreateFragmentInput) (*model.Fragment, error)
	Update(ctx context.Context, kind model.FragmentKind, id uint, input app.UpdateFragmentInput) (*model.Fragment, error)
}

func LoadFile(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed catalog failed: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Catalog, error) {
	var catalog Catalog
	if err := yaml.Unmarshal(raw, &catalog); err != nil {
		return nil, fmt.Errorf("parse seed catalog failed: %w", err)
	}
	return &catalog, nil
}

// Apply creates missing fragments and updates those whose catalog text
// changed. Fragments are matched by kind and name.
func Apply(ctx context.Context, fragments FragmentWriter, catalog *Catalog, logger *zap.Logger) (Result, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var result Result
	sets := []struct {
		kind    model.FragmentKind
		entries []Entry
	}{
		{model.FragmentPersonality, catalog.Personalities},
		{model.FragmentGuardrail, catalog.Guardrails},
	}
	for _, set := range sets {
		existing, err := fragments.List(ctx, set.kind)
		if err != nil {
			return result, err
		}
		byName := make(map[string]model.Fragment, len(existing))
		for _, f := range existing {
			byName[f.Name] = f
		}

		for _, e := range set.entries {
			name := strings.TrimSpace(e.Name)
			current, ok := byName[name]
			if !ok {
				if _, err := fragments.Create(ctx, app.CreateFragmentInput{
					Kind:        set.kind,
					Name:        name,
					Body:        e.Body,
					Description: e.Description,
					Tone:        e.Tone,
					Severity:    e.Severity,
				}); err != nil {
					return result, fmt.Errorf("seed %s %q: %w", set.kind, name, err)
				}
				result.Created++
				continue
			}

			if current.Body == strings.TrimSpace(e.Body) && current.Description == strings.TrimSpace(e.Description) {
				result.Unchanged++
				continue
			}
			body, desc := e.Body, e.Description
			if _, err := fragments.Update(ctx, set.kind, current.ID, app.UpdateFragmentInput{
				Body:        &body,
				Description: &desc,
			}); err != nil {
				return result, fmt.Errorf("seed %s %q: %w", set.kind, name, err)
			}
			result.Updated++
		}
	}

	logger.Info("fragment catalog applied",
		zap.Int("created", result.Created),
		zap.Int("updated", result.Updated),
		zap.Int("unchanged", result.Unchanged))
	return result, nil
}
