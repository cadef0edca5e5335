package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/deployer/pkg/config"
	"github.com/openfroyo/deployer/pkg/dispatch"
	"github.com/openfroyo/deployer/pkg/engine"
	"github.com/openfroyo/deployer/pkg/ids"
	"github.com/openfroyo/deployer/pkg/model"
	"github.com/openfroyo/deployer/pkg/policy"
	"github.com/openfroyo/deployer/pkg/stores"
	"github.com/openfroyo/deployer/pkg/telemetry"
)

// app holds what a subcommand needs: settings, telemetry and the profile loader.
type app struct {
	opts     *globalOptions
	settings *config.Settings
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
	loader   *config.Loader
}

func newApp(cmd *cobra.Command, opts *globalOptions) (*app, error) {
	dir, err := filepath.Abs(opts.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve solution directory: %w", err)
	}

	settings, warnings, err := config.LoadSettings(dir)
	if err != nil {
		return nil, err
	}
	if opts.verbose {
		settings.Telemetry.Logging.Level = "debug"
	}
	if opts.build.Version != "" {
		settings.Telemetry.ServiceVersion = opts.build.Version
	}

	tel, err := telemetry.NewTelemetry(settings.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger.NewComponentLogger("cli")
	for _, w := range warnings {
		logger.Warn().Msg(w)
	}

	tel.Metrics.StartMetricsServer(cmd.Context(), func(err error) {
		logger.Error().Err(err).Msg("Metrics server failed")
	})

	return &app{
		opts:     opts,
		settings: settings,
		tel:      tel,
		logger:   logger,
		loader:   config.NewLoader(config.WithVars(settings.Vars), config.WithLogger(tel.Logger)),
	}, nil
}

func (a *app) close(ctx context.Context) {
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Telemetry shutdown failed")
	}
}

func (a *app) loadProfile(ctx context.Context) (*model.Profile, error) {
	return a.loader.Load(ctx, a.settings.ProfilePath())
}

// openStore opens the state database, creating and migrating it when needed.
func (a *app) openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	path := a.settings.Resolve(a.settings.StateDB)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// policyEngine loads the built-in and configured policies.
func (a *app) policyEngine(ctx context.Context) (*policy.Engine, error) {
	eng, err := policy.NewEngine(ctx, a.tel.Logger)
	if err != nil {
		return nil, err
	}
	for _, name := range a.settings.Policy.Disabled {
		if err := eng.DisablePolicy(name); err != nil {
			a.logger.Warn().Err(err).Msg("Cannot disable policy")
		}
	}
	if err := eng.LoadPolicies(ctx, a.settings.PolicyPaths()); err != nil {
		return nil, err
	}
	return eng, nil
}

// checkPolicies evaluates the profile and prints non-blocking findings to w. In warn
// mode blocking findings are printed as well; in enforce mode they are returned.
func (a *app) checkPolicies(ctx context.Context, profile *model.Profile, req policy.Request, w io.Writer) error {
	if !a.settings.Policy.Enabled {
		return nil
	}
	eng, err := a.policyEngine(ctx)
	if err != nil {
		return err
	}
	return a.evaluatePolicies(ctx, eng, profile, req, w)
}

func (a *app) evaluatePolicies(ctx context.Context, eng *policy.Engine, profile *model.Profile, req policy.Request, w io.Writer) error {
	if req.User == "" {
		req.User = os.Getenv("USER")
	}
	result, err := eng.Evaluate(ctx, profile, req)
	if err != nil {
		return err
	}

	for _, v := range result.Warnings {
		fmt.Fprintf(w, "warning: %s\n", v)
	}
	enforce := a.settings.Policy.Mode != "warn"
	if len(result.Errors) > 0 && enforce {
		return fmt.Errorf("policy evaluation failed: %s", strings.Join(result.Errors, "; "))
	}
	for _, e := range result.Errors {
		a.logger.Warn().Msg(e)
	}

	if denied := result.Err(); denied != nil {
		if enforce {
			return denied
		}
		for _, v := range result.Violations {
			fmt.Fprintf(w, "warning: %s\n", v)
		}
	}
	return nil
}

// router wires the local, remote and WebAssembly dispatchers.
func (a *app) router(ctx context.Context) (*dispatch.Router, error) {
	s := a.settings
	scripts := dispatch.Scripts{Dir: s.Resolve(s.ScriptsDir)}

	remote, err := dispatch.NewRemoteDispatcher(dispatch.RemoteConfig{
		Scripts:        scripts,
		Connect:        dispatch.SSHConnector(s.SSHBase(), a.tel.Logger),
		AgentPath:      s.Resolve(s.Agent.Binary),
		RemoteRoot:     s.Agent.RemoteRoot,
		CommandTimeout: s.Agent.CommandTimeout,
		Logger:         a.tel.Logger,
	})
	if err != nil {
		return nil, err
	}

	r := &dispatch.Router{
		Scripts: scripts,
		Local:   dispatch.NewLocalDispatcher(scripts, a.tel.Logger),
		Remote:  remote,
	}

	if s.Wasm.Enabled {
		wasm, err := dispatch.NewWasmDispatcher(ctx, dispatch.WasmConfig{
			Scripts:          scripts,
			MemoryLimitPages: s.Wasm.MemoryLimitPages,
			Timeout:          s.Wasm.Timeout,
			CacheDir:         s.Resolve(s.Wasm.CacheDir),
			Logger:           a.tel.Logger,
		})
		if err != nil {
			return nil, err
		}
		r.Wasm = wasm
	}
	return r, nil
}

func (a *app) orchestrator(ctx context.Context, profile *model.Profile, store engine.StateStore, d engine.Dispatcher) (*engine.Orchestrator, error) {
	return engine.NewOrchestrator(ctx, engine.Config{
		Profile:     profile,
		Dispatcher:  d,
		Store:       store,
		SolutionDir: a.settings.SolutionDir,
		MaxParallel: a.settings.Parallelism,
		LockWait:    a.settings.LockWait,
		Telemetry:   a.tel,
	})
}

func parseUnits(values []string) ([]ids.UnitID, error) {
	units, err := ids.ParseAll[ids.Unit](values)
	if err != nil {
		return nil, fmt.Errorf("invalid --unit: %w", err)
	}
	return units, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
