package engine

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"hades/internal/domain"
)

// Values holds field assignments gathered outside the wizard (flags, draft files).
type Values map[Field]any

// LoadDraftFile reads a YAML draft from path. See ParseDraft.
func LoadDraftFile(path string) (Values, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	vals, err := ParseDraft(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return vals, nil
}

// ParseDraft accepts either a flat document keyed by field name
// (name, target_type, goals, ...) or an inject in wire shape, as printed by
// `hades inject list --json`.
func ParseDraft(data []byte) (Values, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid draft yaml: %w", err)
	}
	if _, ok := doc["rules_of_engagement"]; ok {
		return parseInjectDoc(data)
	}
	if _, ok := doc["systems"]; ok {
		return parseInjectDoc(data)
	}

	vals := Values{}
	for key, raw := range doc {
		f, err := ParseField(key)
		if err != nil {
			return nil, err
		}
		v, err := yamlValue(f, raw)
		if err != nil {
			return nil, err
		}
		vals[f] = v
	}
	return vals, nil
}

func parseInjectDoc(data []byte) (Values, error) {
	var in domain.Inject
	if err := yaml.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("invalid inject yaml: %w", err)
	}
	d := FromInject(in)
	vals := Values{}
	for _, f := range Fields {
		switch v := d.Get(f).(type) {
		case string:
			if v != "" {
				vals[f] = v
			}
		case []string:
			vals[f] = v
		}
	}
	return vals, nil
}

func yamlValue(f Field, raw any) (any, error) {
	switch v := raw.(type) {
	case nil:
		if f.isSet() {
			return []string{}, nil
		}
		return "", nil
	case string:
		return v, nil
	case []any:
		if !f.isSet() {
			return nil, fmt.Errorf("%s: expected text, got a list", f)
		}
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s: list entries must be text, got %T", f, item)
			}
			out = append(out, s)
		}
		return out, nil
	case int, float64, bool:
		if f.isSet() {
			return nil, fmt.Errorf("%s: expected a list of tags, got %T", f, raw)
		}
		return strings.TrimSpace(fmt.Sprint(v)), nil
	}
	return nil, fmt.Errorf("%s: unsupported value %T", f, raw)
}

// Run walks e through every step, applying the values each step owns before
// advancing, and submits from the terminal step. The first rejection stops
// the walk and is returned as is.
func Run(ctx context.Context, e *Engine, vals Values) (string, error) {
	for _, f := range Fields {
		if _, ok := vals[f]; ok && !e.owns(f) {
			return "", fmt.Errorf("field %s is not used by the %s variant", f, e.variant.Name)
		}
	}
	for {
		step := e.Step()
		for _, f := range step.Fields {
			v, ok := vals[f]
			if !ok {
				continue
			}
			if err := e.SetField(f, v); err != nil {
				return "", err
			}
		}
		if e.IsTerminal() {
			return e.Submit(ctx)
		}
		if err := e.Advance(); err != nil {
			return "", err
		}
	}
}

func (e *Engine) owns(f Field) bool {
	for _, s := range e.variant.Steps {
		for _, sf := range s.Fields {
			if sf == f {
				return true
			}
		}
	}
	return false
}
