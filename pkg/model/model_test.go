package model

import (
	"errors"
	"strings"
	"testing"

	"github.com/openfroyo/deployer/pkg/ids"
)

func strPtr(s string) *string { return &s }

func unitID(s string) ids.UnitID      { return ids.MustParse[ids.Unit](s) }
func capID(s string) ids.CapabilityID { return ids.MustParse[ids.Capability](s) }
func ref(u, c string) CapabilityRef   { return CapabilityRef{Unit: unitID(u), Capability: capID(c)} }
func hostID(s string) ids.HostID      { return ids.MustParse[ids.Host](s) }

func newBuilder() *ProfileBuilder {
	return NewProfileBuilder(ids.MustParse[ids.Profile]("test"), ids.MustParse[ids.Deployment]("dev"))
}

func twoUnitBuilder() *ProfileBuilder {
	return newBuilder().
		AddDefinition(&CapabilityDefinition{
			ID:         capID("c1"),
			Properties: []PropertyDefinition{{Key: "key0", Default: strPtr("0")}},
		}).
		AddUnit(&Unit{ID: unitID("u1"), Provides: []Capability{{Name: capID("c1")}}}).
		AddUnit(&Unit{ID: unitID("u2"), Requires: []Capability{{Name: capID("c1")}}})
}

func TestProfileBuilder_Build(t *testing.T) {
	p, err := twoUnitBuilder().Bind(ref("u2", "c1"), ref("u1", "c1")).Build()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(p.Units) != 2 {
		t.Fatalf("Expected 2 units, got %d", len(p.Units))
	}
	u2, ok := p.Unit(unitID("u2"))
	if !ok {
		t.Fatal("Expected unit u2")
	}
	if u2.Requires[0].Direction != DirectionRequired {
		t.Errorf("Expected direction to be normalized, got %q", u2.Requires[0].Direction)
	}
	if u2.HostClass != HostClassLocal {
		t.Errorf("Expected default host class local, got %q", u2.HostClass)
	}
	if got := p.ConsumedBindings(unitID("u2")); len(got) != 1 {
		t.Errorf("Expected 1 consumed binding, got %d", len(got))
	}
}

func TestProfileBuilder_MergesLayers(t *testing.T) {
	p, err := newBuilder().
		AddDefinition(&CapabilityDefinition{ID: capID("db")}).
		AddUnit(&Unit{
			ID:         unitID("app"),
			Attributes: []Attribute{{Key: "port", Value: "80"}},
			Commands:   []string{"install"},
		}).
		AddUnit(&Unit{
			ID:          unitID("app"),
			Description: "web application",
			Attributes:  []Attribute{{Key: "port", Value: "8080"}},
			Requires:    []Capability{{Name: capID("db")}},
			Commands:    []string{"install", "start"},
		}).
		Build()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	app, _ := p.Unit(unitID("app"))
	if app.Description != "web application" {
		t.Errorf("Expected description from later layer, got %q", app.Description)
	}
	if len(app.Attributes) != 2 || app.Attributes[1].Value != "8080" {
		t.Errorf("Expected attributes appended in layer order, got %+v", app.Attributes)
	}
	if len(app.Commands) != 2 {
		t.Errorf("Expected commands merged without duplicates, got %v", app.Commands)
	}
	if len(app.Requires) != 1 {
		t.Errorf("Expected required capability from later layer, got %v", app.Requires)
	}
}

func TestProfileBuilder_ConflictingDefaults(t *testing.T) {
	_, err := newBuilder().
		AddDefinition(&CapabilityDefinition{ID: capID("c1"), Properties: []PropertyDefinition{{Key: "k", Default: strPtr("a")}}}).
		AddDefinition(&CapabilityDefinition{ID: capID("c1"), Properties: []PropertyDefinition{{Key: "k", Default: strPtr("b")}}}).
		Build()
	if err == nil {
		t.Fatal("Expected error for conflicting defaults")
	}
	if !strings.Contains(err.Error(), "different default") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestProfile_Validate(t *testing.T) {
	tests := []struct {
		name      string
		build     func() *ProfileBuilder
		wantError string
		check     func(t *testing.T, err error)
	}{
		{
			name: "self binding",
			build: func() *ProfileBuilder {
				return newBuilder().
					AddDefinition(&CapabilityDefinition{ID: capID("c1")}).
					AddUnit(&Unit{ID: unitID("u1"), Provides: []Capability{{Name: capID("c1")}}, Requires: []Capability{{Name: capID("c1")}}}).
					Bind(ref("u1", "c1"), ref("u1", "c1"))
			},
			wantError: "cannot bind to itself",
		},
		{
			name: "unknown producer unit",
			build: func() *ProfileBuilder {
				return twoUnitBuilder().Bind(ref("u2", "c1"), ref("u3", "c1"))
			},
			check: func(t *testing.T, err error) {
				var unknown *UnknownUnitError
				if !errors.As(err, &unknown) {
					t.Fatalf("Expected UnknownUnitError, got %v", err)
				}
				if unknown.Unit != unitID("u3") {
					t.Errorf("Expected u3, got %s", unknown.Unit)
				}
				if unknown.Suggestion == "" {
					t.Error("Expected a suggestion for a near miss")
				}
			},
		},
		{
			name: "binding to a required capability",
			build: func() *ProfileBuilder {
				return twoUnitBuilder().Bind(ref("u1", "c1"), ref("u2", "c1"))
			},
			check: func(t *testing.T, err error) {
				var unknown *UnknownCapabilityError
				if !errors.As(err, &unknown) {
					t.Fatalf("Expected UnknownCapabilityError, got %v", err)
				}
				if unknown.Direction != DirectionRequired {
					t.Errorf("Expected required direction, got %q", unknown.Direction)
				}
			},
		},
		{
			name: "kind mismatch",
			build: func() *ProfileBuilder {
				return newBuilder().
					AddDefinition(&CapabilityDefinition{ID: capID("db")}).
					AddDefinition(&CapabilityDefinition{ID: capID("cache")}).
					AddUnit(&Unit{ID: unitID("store"), Provides: []Capability{{Name: capID("db")}}}).
					AddUnit(&Unit{ID: unitID("app"), Requires: []Capability{{Name: capID("db"), Kind: capID("cache")}}}).
					Bind(ref("app", "db"), ref("store", "db"))
			},
			wantError: "kind mismatch",
		},
		{
			name: "undefined capability kind",
			build: func() *ProfileBuilder {
				return newBuilder().AddUnit(&Unit{ID: unitID("u1"), Provides: []Capability{{Name: capID("ghost")}}})
			},
			wantError: "undefined definition",
		},
		{
			name: "remote unit without host",
			build: func() *ProfileBuilder {
				return newBuilder().AddUnit(&Unit{ID: unitID("u1"), HostClass: HostClassRemote})
			},
			wantError: "remote unit requires a host",
		},
		{
			name: "remote unit with unknown host",
			build: func() *ProfileBuilder {
				return newBuilder().AddUnit(&Unit{ID: unitID("u1"), HostClass: HostClassRemote, Host: hostID("h1")})
			},
			wantError: "unknown host",
		},
		{
			name: "invalid attribute policy",
			build: func() *ProfileBuilder {
				return newBuilder().AddUnit(&Unit{ID: unitID("u1"), Attributes: []Attribute{{Key: "k", Policy: "sometimes"}}})
			},
			wantError: "oneof",
		},
		{
			name: "invalid package version",
			build: func() *ProfileBuilder {
				return newBuilder().AddUnit(&Unit{
					ID:      unitID("u1"),
					Package: &PackageRef{ID: ids.MustParse[ids.Package]("nginx"), Version: "latest-ish"},
				})
			},
			wantError: "invalid version",
		},
		{
			name: "self dependency",
			build: func() *ProfileBuilder {
				return newBuilder().AddUnit(&Unit{ID: unitID("u1")}).DependOn(unitID("u1"), unitID("u1"))
			},
			wantError: "cannot depend on itself",
		},
		{
			name: "key filter for undeclared command",
			build: func() *ProfileBuilder {
				return newBuilder().AddUnit(&Unit{
					ID:         unitID("u1"),
					Commands:   []string{"install"},
					KeyFilters: map[string][]string{"start": {"port"}},
				})
			},
			wantError: "undeclared command",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build().Build()
			if err == nil {
				t.Fatal("Expected validation error, got nil")
			}
			if tt.wantError != "" && !strings.Contains(err.Error(), tt.wantError) {
				t.Errorf("Expected error containing %q, got: %v", tt.wantError, err)
			}
			if tt.check != nil {
				tt.check(t, err)
			}
		})
	}
}

func TestProfile_ValidateRemoteUnit(t *testing.T) {
	_, err := newBuilder().
		AddHost(&Host{ID: hostID("web-1"), Address: "10.0.0.5", Port: 22, User: "deploy"}).
		AddUnit(&Unit{ID: unitID("nginx"), HostClass: HostClassRemote, Host: hostID("web-1")}).
		Build()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
}

func TestProfile_MustUnit(t *testing.T) {
	p, err := twoUnitBuilder().Build()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if _, err := p.MustUnit(unitID("u1")); err != nil {
		t.Errorf("Expected u1 to be found, got: %v", err)
	}

	_, err = p.MustUnit(unitID("u9"))
	var unknown *UnknownUnitError
	if !errors.As(err, &unknown) {
		t.Fatalf("Expected UnknownUnitError, got %v", err)
	}
	if !strings.Contains(err.Error(), "did you mean") {
		t.Errorf("Expected suggestion in message, got %q", err.Error())
	}
}

func TestSuggest(t *testing.T) {
	tests := []struct {
		target     string
		candidates []string
		want       string
	}{
		{"postgress", []string{"postgres", "redis"}, "postgres"},
		{"redis", []string{"redis"}, ""},
		{"frontend", []string{"db", "cache"}, ""},
		{"x", nil, ""},
	}
	for _, tt := range tests {
		if got := Suggest(tt.target, tt.candidates); got != tt.want {
			t.Errorf("Suggest(%q) = %q, want %q", tt.target, got, tt.want)
		}
	}
}

func TestCapabilityDefinition_Keys(t *testing.T) {
	def := &CapabilityDefinition{
		ID: capID("db"),
		Properties: []PropertyDefinition{
			{Key: "host"}, {Key: "port", Default: strPtr("5432")}, {Key: "host"},
		},
	}
	keys := def.Keys()
	if len(keys) != 2 || keys[0] != "host" || keys[1] != "port" {
		t.Errorf("Unexpected keys: %v", keys)
	}
	if p, ok := def.Property("port"); !ok || *p.Default != "5432" {
		t.Errorf("Expected port default 5432, got %+v", p)
	}
}

func TestAttribute_Defaults(t *testing.T) {
	a := Attribute{Key: "k"}
	if a.EffectiveType() != AttributeBasic {
		t.Errorf("Expected basic, got %q", a.EffectiveType())
	}
	if a.EffectivePolicy() != PolicyReplace {
		t.Errorf("Expected replace, got %q", a.EffectivePolicy())
	}
}

func TestPackageVersions(t *testing.T) {
	if !SameVersion("v1.2", "1.2.0") {
		t.Error("Expected v1.2 and 1.2.0 to be the same version")
	}
	if SameVersion("1.2.0", "1.3.0") {
		t.Error("Expected different versions")
	}
	if !SameVersion("nightly", "nightly") {
		t.Error("Expected unparseable equal strings to match")
	}

	up, err := IsUpgrade("1.2.0", "1.10.0")
	if err != nil || !up {
		t.Errorf("Expected upgrade, got %v (%v)", up, err)
	}

	pkg := &PackageRef{ID: ids.MustParse[ids.Package]("nginx"), Version: "v1.25"}
	if !pkg.Pinned() {
		t.Error("Expected package to be pinned")
	}
	if pkg.CanonicalVersion() != "1.25.0" {
		t.Errorf("Expected 1.25.0, got %s", pkg.CanonicalVersion())
	}
	var none *PackageRef
	if none.Pinned() {
		t.Error("Expected nil package to be unpinned")
	}
}
