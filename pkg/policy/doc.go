// Package policy checks deployment profiles against Open Policy Agent (OPA) policies.
//
// A policy is a Rego module with a deny set. Each entry is either a message string
// or an object with a message and optionally severity, unit and remediation.
// Entries of severity error or critical block execution; the others are reported
// as warnings.
//
// Policies see this input:
//
//	{
//	  "profile": { "id": ..., "deployment": ..., "units": [...], "hosts": [...], ... },
//	  "command": "install",
//	  "units": ["web"],
//	  "context": { "user": "ops", "timestamp": "...", "dry_run": false }
//	}
//
// # Built-in policies
//
//   - unit-naming: unit ids are lowercase and safe to use as file names
//   - remote-host: remote units name a declared host
//   - package-pinned: packages carry an explicit version
//   - command-coverage: units declaring commands include install, and a
//     requested command is supported by some unit
//
// # Usage
//
//	eng, err := policy.NewEngine(ctx, logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"policies"}); err != nil {
//	    return err
//	}
//
//	result, err := eng.Evaluate(ctx, profile, policy.Request{Command: "install"})
//	if err != nil {
//	    return err
//	}
//	for _, w := range result.Warnings {
//	    fmt.Println(w)
//	}
//	return result.Err()
//
// User policies are .rego files named after their file, or .json files holding a
// Policy. A .rego file's leading comment becomes its description and may set
// "# severity: error" and "# tags: a, b".
package policy
