// Package template loads agent templates: the reusable role definitions a
// spawn instantiates. Templates are JSON files validated against a schema
// before anything else sees them.
package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/basket/missiond/internal/budget"
	"github.com/basket/missiond/internal/capability"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

var ErrTemplateNotFound = errors.New("template not found")

// AgentTemplate is one role definition. Budget is the template's per-spawn
// ceiling before the parent-remaining cap is applied.
type AgentTemplate struct {
	TemplateID     string                  `json:"template_id"`
	Role           string                  `json:"role"`
	Description    string                  `json:"description,omitempty"`
	Model          string                  `json:"model,omitempty"`
	SystemPrompt   string                  `json:"system_prompt,omitempty"`
	RequiredSkills []string                `json:"required_skills,omitempty"`
	Capabilities   capability.Capabilities `json:"capabilities"`
	Budget         budget.Limit            `json:"budget"`
}

// templateSchema constrains template files before unmarshalling. Unknown
// top-level keys are rejected so typos fail loudly at load time.
const templateSchema = `{
	"type": "object",
	"required": ["template_id", "role"],
	"additionalProperties": false,
	"properties": {
		"template_id": {"type": "string", "minLength": 1},
		"role": {"type": "string", "minLength": 1},
		"description": {"type": "string"},
		"model": {"type": "string"},
		"system_prompt": {"type": "string"},
		"required_skills": {"type": "array", "items": {"type": "string", "minLength": 1}},
		"capabilities": {"type": "object"},
		"budget": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"max_tokens": {"type": "integer", "minimum": 0},
				"max_steps": {"type": "integer", "minimum": 0},
				"max_tool_calls": {"type": "integer", "minimum": 0},
				"max_duration_ms": {"type": "integer", "minimum": 0},
				"max_cost_usd": {"type": "number", "minimum": 0}
			}
		}
	}
}`

// Library holds the compiled schema and the loaded template set.
type Library struct {
	schema *jsonschema.Schema
	logger *slog.Logger

	mu        sync.RWMutex
	templates map[string]AgentTemplate
}

func NewLibrary(logger *slog.Logger) (*Library, error) {
	if logger == nil {
		logger = slog.Default()
	}
	// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(templateSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal template schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("template.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add template schema resource: %w", err)
	}
	schema, err := c.Compile("template.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile template schema: %w", err)
	}
	return &Library{
		schema:    schema,
		logger:    logger,
		templates: make(map[string]AgentTemplate),
	}, nil
}

// LoadDir reads every *.json file in dir, validates it, and replaces the
// library's template set. Invalid files are reported joined; valid files
// still load.
func (l *Library) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read templates dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	next := make(map[string]AgentTemplate)
	var errs []error
	for _, ent := range entries {
		if ent.IsDir() || filepath.Ext(ent.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, ent.Name())
		tmpl, err := l.loadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ent.Name(), err))
			continue
		}
		if _, dup := next[tmpl.TemplateID]; dup {
			errs = append(errs, fmt.Errorf("%s: duplicate template_id %q", ent.Name(), tmpl.TemplateID))
			continue
		}
		if err := tmpl.Capabilities.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ent.Name(), err))
			continue
		}
		next[tmpl.TemplateID] = tmpl
	}

	l.mu.Lock()
	l.templates = next
	l.mu.Unlock()
	l.logger.Info("templates loaded", "dir", dir, "count", len(next))
	return errors.Join(errs...)
}

func (l *Library) loadFile(path string) (AgentTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return AgentTemplate{}, fmt.Errorf("read template: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return AgentTemplate{}, fmt.Errorf("parse template JSON: %w", err)
	}
	if err := l.schema.Validate(doc); err != nil {
		return AgentTemplate{}, fmt.Errorf("template schema validation: %w", err)
	}
	var tmpl AgentTemplate
	if err := json.Unmarshal(data, &tmpl); err != nil {
		return AgentTemplate{}, fmt.Errorf("unmarshal template: %w", err)
	}
	return tmpl, nil
}

// Get returns a template by id.
func (l *Library) Get(templateID string) (AgentTemplate, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tmpl, ok := l.templates[templateID]
	if !ok {
		return AgentTemplate{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, templateID)
	}
	return tmpl, nil
}

// GetByRole returns the first template whose role matches, in template id
// order, so role-driven spawns are deterministic.
func (l *Library) GetByRole(role string) (AgentTemplate, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.templates))
	for id := range l.templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if l.templates[id].Role == role {
			return l.templates[id], nil
		}
	}
	return AgentTemplate{}, fmt.Errorf("%w: role %s", ErrTemplateNotFound, role)
}

// List returns all templates ordered by id.
func (l *Library) List() []AgentTemplate {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]AgentTemplate, 0, len(l.templates))
	for _, tmpl := range l.templates {
		out = append(out, tmpl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TemplateID < out[j].TemplateID })
	return out
}
