package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	reflectschema "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// UpgradeFunc rewrites a payload from version N to version N+1.
type UpgradeFunc func(payload json.RawMessage) (json.RawMessage, error)

type upgradeKey struct {
	eventType string
	from      int
}

// Schemas holds the payload schemas known for each (event type, schema version).
//
// Event types with no registered schema are opaque: any JSON object at any version >= 1 is
// accepted. Once a type has a schema, only registered versions are readable.
type Schemas struct {
	mu       sync.RWMutex
	byType   map[string]map[int]*jsonschema.Schema
	upgrades map[upgradeKey]UpgradeFunc
}

func NewSchemas() *Schemas {
	return &Schemas{
		byType:   map[string]map[int]*jsonschema.Schema{},
		upgrades: map[upgradeKey]UpgradeFunc{},
	}
}

// Register compiles a JSON schema document for (eventType, version).
func (s *Schemas) Register(eventType string, version int, schemaJSON []byte) error {
	if eventType == "" || version < 1 {
		return Errorf(ErrBadRequest, "schema needs an event type and version >= 1")
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("mem://payloads/%s/v%d.json", eventType, version)
	if err := c.AddResource(url, bytes.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("schema %s v%d: %w", eventType, version, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("schema %s v%d: %w", eventType, version, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byType[eventType] == nil {
		s.byType[eventType] = map[int]*jsonschema.Schema{}
	}
	s.byType[eventType][version] = sch
	return nil
}

// RegisterType reflects the schema from v's Go type. Fields tagged `jsonschema:"required"`
// become required properties.
func (s *Schemas) RegisterType(eventType string, version int, v any) error {
	raw, err := ReflectSchema(v)
	if err != nil {
		return fmt.Errorf("schema %s v%d: %w", eventType, version, err)
	}
	return s.Register(eventType, version, raw)
}

// ReflectSchema renders the JSON schema of v's type without $schema/$id so it can be
// compiled under any resource URL.
func ReflectSchema(v any) ([]byte, error) {
	r := reflectschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		DoNotReference:             true,
	}
	b, err := json.Marshal(r.Reflect(v))
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	delete(doc, "$schema")
	delete(doc, "$id")
	return json.Marshal(doc)
}

// RegisterUpgrade installs the step that rewrites eventType payloads from version from to
// from+1.
func (s *Schemas) RegisterUpgrade(eventType string, from int, fn UpgradeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upgrades[upgradeKey{eventType: eventType, from: from}] = fn
}

// Versions lists the registered versions of eventType in ascending order.
func (s *Schemas) Versions(eventType string) []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int, 0, len(s.byType[eventType]))
	for v := range s.byType[eventType] {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// CheckVersion is the read-side guard: it never guesses at an unknown version.
func (s *Schemas) CheckVersion(eventType string, version int) error {
	if version < 1 {
		return Errorf(ErrSchemaMismatch, "%s: schema_version %d", eventType, version)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions, ok := s.byType[eventType]
	if !ok {
		return nil
	}
	if _, ok := versions[version]; !ok {
		return Errorf(ErrSchemaMismatch, "%s: unknown schema_version %d", eventType, version)
	}
	return nil
}

// Validate checks a payload before it is appended.
func (s *Schemas) Validate(eventType string, version int, payload json.RawMessage) error {
	if err := s.CheckVersion(eventType, version); err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return Wrap(ErrSchemaMismatch, err, "%s v%d: payload is not JSON", eventType, version)
	}
	if _, ok := doc.(map[string]any); !ok {
		return Errorf(ErrSchemaMismatch, "%s v%d: payload must be a JSON object", eventType, version)
	}

	s.mu.RLock()
	sch := s.byType[eventType][version]
	s.mu.RUnlock()
	if sch == nil {
		return nil
	}
	if err := sch.Validate(doc); err != nil {
		return Wrap(ErrSchemaMismatch, err, "%s v%d", eventType, version)
	}
	return nil
}

// Upgrade walks payload from version up to target through the registered steps. A missing
// step is a SchemaMismatch.
func (s *Schemas) Upgrade(eventType string, version int, payload json.RawMessage, target int) (json.RawMessage, error) {
	if version > target {
		return nil, Errorf(ErrSchemaMismatch, "%s: cannot downgrade v%d to v%d", eventType, version, target)
	}
	out := payload
	for v := version; v < target; v++ {
		s.mu.RLock()
		fn := s.upgrades[upgradeKey{eventType: eventType, from: v}]
		s.mu.RUnlock()
		if fn == nil {
			return nil, Errorf(ErrSchemaMismatch, "%s: no upgrade from v%d", eventType, v)
		}
		next, err := fn(out)
		if err != nil {
			return nil, Wrap(ErrSchemaMismatch, err, "%s: upgrade v%d", eventType, v)
		}
		out = next
	}
	return out, nil
}
