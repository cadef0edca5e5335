// Package config loads deployment profiles and the deployer's own settings.
//
// # Profiles
//
// A profile is one or more documents written in CUE (.cue), YAML (.yaml, .yml)
// or Starlark (.star). Every document is unified with the built-in #Profile CUE
// schema, so a typo in a field name or a host_class of "remot" is reported with
// its path whatever the format. Documents may import others:
//
//	# base.yaml
//	definitions:
//	  - id: http
//	    properties:
//	      - key: port
//	        default: "80"
//
//	# profile.yaml
//	imports: [base.yaml]
//	deployment: staging
//	units:
//	  - id: web
//	    provides: [{name: http}]
//
// Imports are merged before the importing document, and a unit declared again in
// a later document is extended rather than replaced. Starlark documents set the
// same names as globals and see the loader's variables as the dict "vars":
//
//	units = [{"id": "web-%d" % i} for i in range(int(vars["replicas"]))]
//	deployment = vars["env"]
//
// Loader.Load returns the validated model.Profile. Watcher reloads it whenever
// one of the documents changes.
//
// # Settings
//
// Tool settings live in deployer.toml in the solution directory: where scripts
// and the state database are, SSH defaults, the deploy agent, the WebAssembly
// runtime, policies and telemetry. LoadSettings layers the file over
// DefaultSettings.
package config
