package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/deployer/pkg/telemetry"
	"github.com/openfroyo/deployer/pkg/transports/ssh"
)

// SettingsFile is the settings file name looked up in the solution directory.
const SettingsFile = "deployer.toml"

// Settings configures the deployer tool itself, as opposed to a deployment profile.
// Relative paths are resolved against SolutionDir.
type Settings struct {
	// SolutionDir holds the profile, per-unit scripts and generated properties files.
	SolutionDir string `toml:"solution_dir" validate:"required"`

	// Profile is the profile file or directory to load.
	Profile string `toml:"profile"`

	// ScriptsDir holds <unit>/<command> scripts and .wasm modules.
	ScriptsDir string `toml:"scripts_dir" validate:"required"`

	// StateDB is the SQLite execution-state database.
	StateDB string `toml:"state_db" validate:"required"`

	// Parallelism bounds units run concurrently within a group. Zero means unbounded.
	Parallelism int `toml:"parallelism" validate:"min=0"`

	// LockWait is how long to wait for another run on the same deployment.
	LockWait time.Duration `toml:"lock_wait" validate:"min=0"`

	// UnitTimeout bounds a single unit command. Zero means no deadline.
	UnitTimeout time.Duration `toml:"unit_timeout" validate:"min=0"`

	Agent     AgentSettings     `toml:"agent"`
	SSH       SSHSettings       `toml:"ssh"`
	Wasm      WasmSettings      `toml:"wasm"`
	Policy    PolicySettings    `toml:"policy"`
	Telemetry *telemetry.Config `toml:"telemetry" validate:"required"`

	// Vars are passed to Starlark profile documents.
	Vars map[string]string `toml:"vars"`

	// path is the file the settings were read from, if any.
	path string
}

// AgentSettings configures the deploy agent used for remote units.
type AgentSettings struct {
	// Binary is the local deploy-agent build uploaded to hosts that have none installed.
	Binary string `toml:"binary"`

	// RemoteRoot is the working directory on remote hosts.
	RemoteRoot string `toml:"remote_root" validate:"required,startswith=/"`

	CommandTimeout time.Duration `toml:"command_timeout" validate:"min=0"`
}

// SSHSettings are the connection defaults; profile hosts override them.
type SSHSettings struct {
	User           string        `toml:"user"`
	Port           int           `toml:"port" validate:"min=1,max=65535"`
	AuthMethod     string        `toml:"auth_method" validate:"oneof=key agent password"`
	KeyPath        string        `toml:"key_path"`
	KnownHosts     string        `toml:"known_hosts"`
	StrictHostKeys bool          `toml:"strict_host_keys"`
	Timeout        time.Duration `toml:"timeout" validate:"min=0"`
	KeepAlive      time.Duration `toml:"keep_alive" validate:"min=0"`
}

// WasmSettings configures the WebAssembly runtime for .wasm unit commands.
type WasmSettings struct {
	Enabled          bool          `toml:"enabled"`
	MemoryLimitPages uint32        `toml:"memory_limit_pages" validate:"max=65536"`
	CacheDir         string        `toml:"cache_dir"`
	Timeout          time.Duration `toml:"timeout" validate:"min=0"`
}

// PolicySettings configures profile policy checks.
type PolicySettings struct {
	Enabled bool `toml:"enabled"`

	// Paths are .rego files or directories loaded next to the built-in policies.
	Paths []string `toml:"paths"`

	// Mode is enforce (deny blocks execution) or warn.
	Mode string `toml:"mode" validate:"oneof=enforce warn"`

	// Disabled lists built-in policy names that are not evaluated.
	Disabled []string `toml:"disabled"`
}

// DefaultSettings returns settings for a solution rooted at dir.
func DefaultSettings(dir string) *Settings {
	tel := telemetry.DefaultConfig()
	tel.Metrics.Enabled = false

	return &Settings{
		SolutionDir: dir,
		ScriptsDir:  "scripts",
		StateDB:     filepath.Join(".deployer", "state.db"),
		LockWait:    30 * time.Second,
		Agent: AgentSettings{
			RemoteRoot: "/var/tmp/deployer",
		},
		SSH: SSHSettings{
			Port:           22,
			AuthMethod:     string(ssh.AuthMethodKey),
			StrictHostKeys: true,
			Timeout:        30 * time.Second,
		},
		Wasm: WasmSettings{
			Enabled:          true,
			MemoryLimitPages: 256,
		},
		Policy: PolicySettings{
			Enabled: true,
			Mode:    "enforce",
		},
		Telemetry: tel,
		Vars:      map[string]string{},
	}
}

// LoadSettings reads <dir>/deployer.toml over the defaults. A missing file yields the
// defaults. Unknown keys are returned as warnings.
func LoadSettings(dir string) (*Settings, []string, error) {
	s := DefaultSettings(dir)
	path := filepath.Join(dir, SettingsFile)

	md, err := toml.DecodeFile(path, s)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to read settings %s: %w", path, err)
	}
	s.path = path
	s.SolutionDir = dir

	var warnings []string
	for _, key := range md.Undecoded() {
		warnings = append(warnings, fmt.Sprintf("%s: unknown setting %q", path, key.String()))
	}
	sort.Strings(warnings)

	if err := s.Validate(); err != nil {
		return nil, warnings, fmt.Errorf("invalid settings %s: %w", path, err)
	}
	return s, warnings, nil
}

// Path returns the file the settings were loaded from, or "" for defaults.
func (s *Settings) Path() string {
	return s.path
}

// Validate checks the settings.
func (s *Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return err
	}
	return s.Telemetry.Validate()
}

// Save writes the settings to <SolutionDir>/deployer.toml.
func (s *Settings) Save() error {
	path := filepath.Join(s.SolutionDir, SettingsFile)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create settings %s: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(s); err != nil {
		return fmt.Errorf("failed to write settings %s: %w", path, err)
	}
	s.path = path
	return nil
}

// Resolve returns p relative to the solution directory unless it is absolute.
func (s *Settings) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(s.SolutionDir, p)
}

// ProfilePath returns the profile location, defaulting to the solution directory.
func (s *Settings) ProfilePath() string {
	if s.Profile == "" {
		return s.SolutionDir
	}
	return s.Resolve(s.Profile)
}

// PolicyPaths returns the configured policy paths resolved against the solution.
func (s *Settings) PolicyPaths() []string {
	paths := make([]string, 0, len(s.Policy.Paths))
	for _, p := range s.Policy.Paths {
		paths = append(paths, s.Resolve(p))
	}
	return paths
}

// SSHBase returns the connection defaults profile hosts are layered on. Relative key
// and known_hosts paths are resolved against the solution directory.
func (s *Settings) SSHBase() *ssh.Config {
	user := s.SSH.User
	if user == "" {
		user = os.Getenv("USER")
	}
	cfg := ssh.DefaultConfig("", user)
	cfg.Port = s.SSH.Port
	cfg.AuthMethod = ssh.AuthMethod(strings.ToLower(s.SSH.AuthMethod))
	cfg.PrivateKeyPath = s.Resolve(expandHome(s.SSH.KeyPath))
	if s.SSH.KnownHosts != "" {
		cfg.KnownHostsPath = s.Resolve(expandHome(s.SSH.KnownHosts))
	}
	cfg.StrictHostKeyChecking = s.SSH.StrictHostKeys
	if s.SSH.Timeout > 0 {
		cfg.ConnectionTimeout = s.SSH.Timeout
	}
	cfg.KeepAliveInterval = s.SSH.KeepAlive
	return cfg
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
