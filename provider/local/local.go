// Package local implements the provider contract against a YAML file (or
// memory), for tests, offline development and dry runs against realistic
// data.
package local

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/upstack-tools/upstack/provider"
	"github.com/upstack-tools/upstack/schema"
)

type Provider struct {
	mu   sync.Mutex
	sch  *schema.Schema
	path string
	data store

	// tokens maps the client token of each honored create to the
	// identifier it produced, so a re-issued create returns the existing
	// resource. Tokens are per-process; the store file does not record
	// them.
	tokens map[string]string
}

type store struct {
	Resources map[string]*record `yaml:"resources"`
}

type record struct {
	Type       string         `yaml:"type"`
	Properties map[string]any `yaml:"properties"`
}

// New returns a local provider persisting to the given file, or keeping
// resources in memory only when path is empty.
func New(sch *schema.Schema, path string) (*Provider, error) {
	p := &Provider{
		sch:    sch,
		path:   path,
		data:   store{Resources: make(map[string]*record)},
		tokens: make(map[string]string),
	}
	if path == "" {
		return p, nil
	}
	src, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return p, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading local provider store %s", path)
	}
	if err := yaml.Unmarshal(src, &p.data); err != nil {
		return nil, errors.Wrapf(err, "local provider store %s is not valid YAML", path)
	}
	if p.data.Resources == nil {
		p.data.Resources = make(map[string]*record)
	}
	return p, nil
}

func (p *Provider) Create(ctx context.Context, typeName string, props map[string]any, clientToken string) (*provider.Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rt := p.sch.ResourceTypes[typeName]
	if rt == nil {
		return nil, &provider.Error{Op: "create", TypeName: typeName, Err: errors.Errorf("unknown resource type")}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if clientToken != "" {
		if identifier, seen := p.tokens[clientToken]; seen {
			if rec := p.data.Resources[identifier]; rec != nil && rec.Type == typeName {
				return &provider.Resource{Type: typeName, Identifier: identifier, Properties: copyProps(rec.Properties)}, nil
			}
		}
	}

	identifier := fmt.Sprintf("local-%s", uuid.NewString()[:8])
	doc := copyProps(props)
	// Fill in read-only attributes with deterministic stand-in values, so
	// dependent resources can interpolate them the same way they would
	// interpolate real provider output.
	for name, attr := range rt.Attributes {
		if _, set := doc[name]; set {
			continue
		}
		switch {
		case attr.PrimitiveType == schema.String:
			doc[name] = fmt.Sprintf("%s/%s", identifier, name)
		case attr.PrimitiveType != "":
			doc[name] = 0
		default:
			doc[name] = []any{}
		}
	}

	p.data.Resources[identifier] = &record{Type: typeName, Properties: doc}
	if err := p.persist(); err != nil {
		return nil, &provider.Error{Op: "create", TypeName: typeName, Err: err}
	}
	if clientToken != "" {
		p.tokens[clientToken] = identifier
	}
	return &provider.Resource{Type: typeName, Identifier: identifier, Properties: copyProps(doc)}, nil
}

func (p *Provider) Read(ctx context.Context, typeName, identifier string) (*provider.Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	rec := p.data.Resources[identifier]
	if rec == nil || rec.Type != typeName {
		return nil, &provider.Error{Op: "read", TypeName: typeName, Identifier: identifier, Err: provider.ErrNotFound}
	}
	return &provider.Resource{Type: typeName, Identifier: identifier, Properties: copyProps(rec.Properties)}, nil
}

func (p *Provider) Update(ctx context.Context, typeName, identifier string, props map[string]any, removed []string) (*provider.Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	rec := p.data.Resources[identifier]
	if rec == nil || rec.Type != typeName {
		return nil, &provider.Error{Op: "update", TypeName: typeName, Identifier: identifier, Err: provider.ErrNotFound}
	}
	for name, val := range props {
		rec.Properties[name] = val
	}
	for _, name := range removed {
		delete(rec.Properties, name)
	}
	if err := p.persist(); err != nil {
		return nil, &provider.Error{Op: "update", TypeName: typeName, Identifier: identifier, Err: err}
	}
	return &provider.Resource{Type: typeName, Identifier: identifier, Properties: copyProps(rec.Properties)}, nil
}

func (p *Provider) Delete(ctx context.Context, typeName, identifier string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	rec := p.data.Resources[identifier]
	if rec == nil || rec.Type != typeName {
		return &provider.Error{Op: "delete", TypeName: typeName, Identifier: identifier, Err: provider.ErrNotFound}
	}
	delete(p.data.Resources, identifier)
	if err := p.persist(); err != nil {
		return &provider.Error{Op: "delete", TypeName: typeName, Identifier: identifier, Err: err}
	}
	return nil
}

func (p *Provider) persist() error {
	if p.path == "" {
		return nil
	}
	buf, err := yaml.Marshal(&p.data)
	if err != nil {
		return err
	}
	return os.WriteFile(p.path, buf, 0o644)
}

func copyProps(props map[string]any) map[string]any {
	ret := make(map[string]any, len(props))
	for k, v := range props {
		ret[k] = v
	}
	return ret
}
