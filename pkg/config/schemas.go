package config

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry holds the CUE schemas profile documents are checked against.
// Every value it hands out belongs to its CUE context; values from other contexts
// cannot be unified with them.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// Names of the built-in schemas.
const (
	SchemaProfile    = "profile"
	SchemaUnit       = "unit"
	SchemaHost       = "host"
	SchemaDefinition = "definition"
)

// NewSchemaRegistry creates a registry with the built-in profile schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	builtin := map[string]string{
		SchemaProfile:    "#Profile",
		SchemaUnit:       "#Unit",
		SchemaHost:       "#Host",
		SchemaDefinition: "#Definition",
	}
	for name, def := range builtin {
		if err := sr.RegisterSchema(name, builtinProfileSchema, def); err != nil {
			panic(fmt.Sprintf("built-in schema %s: %v", name, err))
		}
	}
	return sr
}

// Context returns the CUE context of the registry's schemas.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// RegisterSchema compiles source and registers its definition under name. An empty
// definition registers the whole source value.
func (sr *SchemaRegistry) RegisterSchema(name, source, definition string) error {
	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	if definition != "" {
		val = val.LookupPath(cue.ParsePath(definition))
		if !val.Exists() {
			return fmt.Errorf("schema %s has no definition %s", name, definition)
		}
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Check unifies v with the named schema and requires the result to be concrete.
func (sr *SchemaRegistry) Check(name string, v cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", name)
	}
	unified := schema.Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return unified, err
	}
	return unified, nil
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	if _, err := sr.Check(schemaName, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// builtinProfileSchema describes profile documents. Identifiers may not contain
// slashes or spaces because bindings address capabilities as "unit/capability".
const builtinProfileSchema = `
#ID:  string & =~"^[^/\\s]+$"
#Ref: string & =~"^[^/\\s]+/[^/\\s]+$"

#Attribute: {
	key:          string & !=""
	value:        string
	type?:        "basic" | "derived"
	policy?:      "replace" | "add-if-absent" | "inherit"
	description?: string
}

#Capability: {
	name:  #ID
	kind?: #ID
}

#Package: {
	id:       #ID
	version?: string
	source?:  string
}

#Unit: {
	id:           #ID
	description?: string
	host_class?:  "local" | "remote"
	host?:        #ID
	package?:     #Package
	provides?: [...#Capability]
	requires?: [...#Capability]
	attributes?: [...#Attribute]
	commands?: [...string]
	key_filters?: {[string]: [...string]}
	depends_on?: [...#ID]
}

#Property: {
	key:          string & !=""
	default?:     string
	description?: string
}

#Definition: {
	id:           #ID
	description?: string
	properties?: [...#Property]
}

#Host: {
	id:          #ID
	address:     string & !=""
	port?:       int & >=1 & <=65535
	user?:       string
	key_path?:   string
	agent_path?: string
	labels?: {[string]: string}
}

#Binding: {
	consumer: #Ref
	producer: #Ref
}

#Dependency: {
	unit:       #ID
	depends_on: #ID
}

#Override: {
	unit:      #ID
	attribute: #Attribute
}

#Profile: {
	profile?:     #ID
	deployment?:  #ID
	description?: string
	imports?: [...string]
	definitions?: [...#Definition]
	units?: [...#Unit]
	hosts?: [...#Host]
	bindings?: [...#Binding]
	dependencies?: [...#Dependency]
	overrides?: [...#Override]
}
`
