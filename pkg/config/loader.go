package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/deployer/pkg/ids"
	"github.com/openfroyo/deployer/pkg/model"
	"github.com/openfroyo/deployer/pkg/telemetry"
)

// DefaultProfileNames are the file names looked up when a directory is loaded.
var DefaultProfileNames = []string{"profile.cue", "profile.yaml", "profile.yml", "profile.star"}

// documentFields are the top-level names a profile document may set.
var documentFields = []string{
	"profile", "deployment", "description", "imports", "definitions",
	"units", "hosts", "bindings", "dependencies", "overrides",
}

// scalarFields hold strings in the schema but are often written as numbers or
// booleans in YAML and Starlark.
var scalarFields = map[string]bool{"value": true, "default": true, "version": true}

// Loader reads profile documents and assembles them into a model.Profile.
//
// CUE, YAML and Starlark documents are all unified with the built-in #Profile schema
// before they are decoded, so every format reports the same validation errors.
type Loader struct {
	schemas  *SchemaRegistry
	starlark *StarlarkEvaluator
	validate *validator.Validate
	vars     map[string]string
	timeout  time.Duration
	logger   *telemetry.Logger
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithVars sets the values Starlark documents see as the dict "vars".
func WithVars(vars map[string]string) LoaderOption {
	return func(l *Loader) {
		l.vars = vars
	}
}

// WithLogger sets the loader's logger.
func WithLogger(logger *telemetry.Logger) LoaderOption {
	return func(l *Loader) {
		l.logger = logger
	}
}

// WithStarlarkTimeout bounds the run time of each Starlark document.
func WithStarlarkTimeout(d time.Duration) LoaderOption {
	return func(l *Loader) {
		l.timeout = d
	}
}

// NewLoader creates a profile loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		schemas:  NewSchemaRegistry(),
		validate: validator.New(),
		vars:     map[string]string{},
		logger:   telemetry.NopLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.NewComponentLogger("config")
	l.starlark = NewStarlarkEvaluator(l.timeout, l.logger)
	return l
}

// Schemas returns the registry documents are validated with.
func (l *Loader) Schemas() *SchemaRegistry {
	return l.schemas
}

// Load reads the profile at path, with its imports, and builds it.
func (l *Loader) Load(ctx context.Context, path string) (*model.Profile, error) {
	docs, err := l.LoadDocuments(ctx, path)
	if err != nil {
		return nil, err
	}
	return l.Build(docs)
}

// ResolvePath returns the profile file for path. A directory resolves to the first
// of DefaultProfileNames it contains.
func ResolvePath(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat profile %s: %w", path, err)
	}
	if !info.IsDir() {
		return filepath.Abs(path)
	}
	for _, name := range DefaultProfileNames {
		candidate := filepath.Join(path, name)
		if _, err := os.Stat(candidate); err == nil {
			return filepath.Abs(candidate)
		}
	}
	return "", fmt.Errorf("no profile found in %s (looked for %s)", path, strings.Join(DefaultProfileNames, ", "))
}

// LoadDocuments reads the profile at path and everything it imports. Imports come
// before the documents that import them; the root document is last. Each file is
// read once even when imported several times.
func (l *Loader) LoadDocuments(ctx context.Context, path string) ([]*Document, error) {
	root, err := ResolvePath(path)
	if err != nil {
		return nil, err
	}

	var docs []*Document
	loaded := make(map[string]bool)

	var visit func(file string, chain []string) error
	visit = func(file string, chain []string) error {
		if slices.Contains(chain, file) {
			return &ImportCycleError{Chain: append(slices.Clone(chain), file)}
		}
		if loaded[file] {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		doc, err := l.ParseDocument(ctx, file)
		if err != nil {
			return err
		}
		chain = append(slices.Clone(chain), file)
		for _, imp := range doc.Imports {
			target := imp
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(file), target)
			}
			if err := visit(filepath.Clean(target), chain); err != nil {
				if os.IsNotExist(err) {
					return fmt.Errorf("%s: import %q: %w", file, imp, err)
				}
				return err
			}
		}
		loaded[file] = true
		docs = append(docs, doc)
		return nil
	}

	if err := visit(root, nil); err != nil {
		return nil, err
	}
	return docs, nil
}

// ParseDocument reads and validates a single document without following imports.
// The format is chosen by extension: .cue, .yaml/.yml or .star.
func (l *Loader) ParseDocument(ctx context.Context, path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	format := strings.ToLower(filepath.Ext(path))
	var val cue.Value
	switch format {
	case ".cue":
		val = l.schemas.Context().CompileBytes(data, cue.Filename(path))
	case ".yaml", ".yml":
		var raw interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, &DocumentError{File: path, Errors: []ValidationError{{File: path, Message: err.Error()}}}
		}
		if raw == nil {
			raw = map[string]interface{}{}
		}
		val = l.schemas.Context().Encode(normalize("", raw))
	case ".star":
		res, err := l.starlark.Evaluate(ctx, path, string(data), map[string]interface{}{"vars": l.vars})
		if err != nil {
			return nil, &DocumentError{File: path, Errors: []ValidationError{{File: path, Message: err.Error()}}}
		}
		raw := make(map[string]interface{})
		for _, field := range documentFields {
			if v, ok := res.Output[field]; ok {
				raw[field] = v
			}
		}
		val = l.schemas.Context().Encode(normalize("", raw))
	default:
		return nil, fmt.Errorf("unsupported profile format %q for %s", format, path)
	}

	if err := val.Err(); err != nil {
		return nil, &DocumentError{File: path, Errors: convertCUEErrors(path, err)}
	}
	unified, err := l.schemas.Check(SchemaProfile, val)
	if err != nil {
		return nil, &DocumentError{File: path, Errors: convertCUEErrors(path, err)}
	}

	var doc Document
	if err := unified.Decode(&doc); err != nil {
		return nil, &DocumentError{File: path, Errors: convertCUEErrors(path, err)}
	}
	if err := l.validate.Struct(&doc); err != nil {
		return nil, &DocumentError{File: path, Errors: convertValidatorErrors(path, err)}
	}
	doc.Source = path

	l.logger.Debug().
		Str("file", path).
		Str("format", strings.TrimPrefix(format, ".")).
		Int("units", len(doc.Units)).
		Msg("Loaded profile document")
	return &doc, nil
}

// Build merges documents in order into a profile. Later documents extend units and
// definitions declared by earlier ones; the last document that names a deployment
// or description wins.
func (l *Loader) Build(docs []*Document) (*model.Profile, error) {
	if len(docs) == 0 {
		return nil, fmt.Errorf("no profile documents")
	}
	root := docs[len(docs)-1]

	profileName := root.Profile
	if profileName == "" {
		base := filepath.Base(root.Source)
		profileName = strings.TrimSuffix(base, filepath.Ext(base))
	}
	profileID, err := ids.NewProfileID(profileName)
	if err != nil {
		return nil, err
	}

	var deployment, description string
	for _, doc := range docs {
		if doc.Deployment != "" {
			deployment = doc.Deployment
		}
		if doc.Description != "" {
			description = doc.Description
		}
	}
	if deployment == "" {
		return nil, fmt.Errorf("profile %s names no deployment", profileID)
	}
	deploymentID, err := ids.NewDeploymentID(deployment)
	if err != nil {
		return nil, err
	}

	b := model.NewProfileBuilder(profileID, deploymentID).Describe(description)
	var errs []error
	for _, doc := range docs {
		if err := addDocument(b, doc); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", doc.Source, err))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return b.Build()
}

// Sources returns the files the documents were read from.
func Sources(docs []*Document) []string {
	files := make([]string, 0, len(docs))
	for _, doc := range docs {
		files = append(files, doc.Source)
	}
	return files
}

func addDocument(b *model.ProfileBuilder, doc *Document) error {
	for _, d := range doc.Definitions {
		def := &model.CapabilityDefinition{
			ID:          ids.MustParse[ids.Capability](d.ID),
			Description: d.Description,
		}
		for _, p := range d.Properties {
			def.Properties = append(def.Properties, model.PropertyDefinition{Key: p.Key, Default: p.Default, Description: p.Description})
		}
		b.AddDefinition(def)
	}

	for _, h := range doc.Hosts {
		b.AddHost(&model.Host{
			ID:        ids.MustParse[ids.Host](h.ID),
			Address:   h.Address,
			Port:      h.Port,
			User:      h.User,
			KeyPath:   h.KeyPath,
			AgentPath: h.AgentPath,
			Labels:    h.Labels,
		})
	}

	for _, u := range doc.Units {
		unit := toUnit(u)
		b.AddUnit(unit)
		for _, dep := range u.DependsOn {
			b.DependOn(unit.ID, ids.MustParse[ids.Unit](dep))
		}
	}

	var errs []error
	for i, bd := range doc.Bindings {
		consumer, err := parseCapabilityRef(bd.Consumer)
		if err != nil {
			errs = append(errs, fmt.Errorf("bindings[%d].consumer: %w", i, err))
			continue
		}
		producer, err := parseCapabilityRef(bd.Producer)
		if err != nil {
			errs = append(errs, fmt.Errorf("bindings[%d].producer: %w", i, err))
			continue
		}
		b.Bind(consumer, producer)
	}

	for _, d := range doc.Dependencies {
		b.DependOn(ids.MustParse[ids.Unit](d.Unit), ids.MustParse[ids.Unit](d.DependsOn))
	}
	for _, o := range doc.Overrides {
		b.Override(ids.MustParse[ids.Unit](o.Unit), toAttribute(o.Attribute))
	}
	return errors.Join(errs...)
}

// The schema guarantees identifiers are non-empty, so MustParse cannot panic on a
// validated document.
func toUnit(u UnitDoc) *model.Unit {
	unit := &model.Unit{
		ID:          ids.MustParse[ids.Unit](u.ID),
		Description: u.Description,
		HostClass:   model.HostClass(u.HostClass),
		Commands:    u.Commands,
		KeyFilters:  u.KeyFilters,
	}
	if u.Host != "" {
		unit.Host = ids.MustParse[ids.Host](u.Host)
	}
	if u.Package != nil {
		unit.Package = &model.PackageRef{
			ID:      ids.MustParse[ids.Package](u.Package.ID),
			Version: u.Package.Version,
			Source:  u.Package.Source,
		}
	}
	for _, c := range u.Provides {
		unit.Provides = append(unit.Provides, toCapability(c, model.DirectionProvided))
	}
	for _, c := range u.Requires {
		unit.Requires = append(unit.Requires, toCapability(c, model.DirectionRequired))
	}
	for _, a := range u.Attributes {
		unit.Attributes = append(unit.Attributes, toAttribute(a))
	}
	return unit
}

func toCapability(c CapabilityDoc, dir model.Direction) model.Capability {
	capability := model.Capability{Name: ids.MustParse[ids.Capability](c.Name), Direction: dir}
	if c.Kind != "" {
		capability.Kind = ids.MustParse[ids.Capability](c.Kind)
	}
	return capability
}

func toAttribute(a AttributeDoc) model.Attribute {
	return model.Attribute{
		Key:         a.Key,
		Value:       a.Value,
		Type:        model.AttributeType(a.Type),
		Policy:      model.OverwritePolicy(a.Policy),
		Description: a.Description,
	}
}

func parseCapabilityRef(s string) (model.CapabilityRef, error) {
	unit, capability, ok := strings.Cut(s, "/")
	if !ok {
		return model.CapabilityRef{}, fmt.Errorf("invalid capability reference %q: expected unit/capability", s)
	}
	u, err := ids.NewUnitID(unit)
	if err != nil {
		return model.CapabilityRef{}, err
	}
	c, err := ids.NewCapabilityID(capability)
	if err != nil {
		return model.CapabilityRef{}, err
	}
	return model.CapabilityRef{Unit: u, Capability: c}, nil
}

// normalize turns decoded YAML or Starlark data into values CUE can encode: map keys
// become strings and scalars under value, default and version become strings.
func normalize(key string, v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = normalize(k, item)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			ks := fmt.Sprint(k)
			out[ks] = normalize(ks, item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalize("", item)
		}
		return out
	}

	if !scalarFields[key] {
		return v
	}
	switch val := v.(type) {
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	}
	return v
}

// convertCUEErrors flattens a CUE error into positioned validation errors. Values
// encoded from YAML or Starlark carry no positions; their errors are attributed to
// file.
func convertCUEErrors(file string, err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{File: file, Path: strings.Join(e.Path(), ".")}
		if pos := cueerrors.Positions(e); len(pos) > 0 && pos[0].Filename() != "" {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		format, args := e.Msg()
		ve.Message = fmt.Sprintf(format, args...)
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{File: file, Message: err.Error()})
	}
	return out
}

func convertValidatorErrors(file string, err error) []ValidationError {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []ValidationError{{File: file, Message: err.Error()}}
	}
	out := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msg := fmt.Sprintf("failed on the '%s' rule", fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("failed on the '%s=%s' rule", fe.Tag(), fe.Param())
		}
		out = append(out, ValidationError{
			File:    file,
			Path:    strings.TrimPrefix(fe.Namespace(), "Document."),
			Message: msg,
		})
	}
	return out
}
