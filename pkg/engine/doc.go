// Package engine runs lifecycle commands across the units of a deployment.
//
// An Orchestrator is built from a validated profile. Construction computes the
// dependency graph and resolves every unit's properties, so cycles and resolution
// errors surface before any command runs.
//
// # Commands
//
// The closed set of lifecycle commands lives in a CommandRegistry. Each CommandSpec
// decides how the orchestrator treats the command:
//
//   - PersistentState commands record successes in the state store
//   - Skippable commands reuse a recorded success unless forced
//   - Reverse commands run dependency groups consumers first
//   - BestEffort commands attempt every unit even after failures
//   - ResetsState commands clear the unit's records when they succeed
//
// # Execution
//
// Execute takes the deployment lock, then runs one dependency group at a time.
// Units of a group run concurrently up to MaxParallel. Before a unit runs its
// properties are written to
//
//	<solution dir>/<deployment>/<unit>/<command>.properties
//
// and the unit is handed to a Dispatcher, which runs it locally or on its remote host.
//
// A failing unit lets its group finish and cancels every later group. Cancelling the
// context stops scheduling new units; units already running complete and their
// outcome is recorded.
//
// # Planning
//
// Plan computes the same order and skip decisions without side effects:
//
//	plan, err := orch.Plan(ctx, engine.CommandInstall, engine.PlanOptions{})
//	fmt.Print(plan)
//
// # Errors
//
// Errors are classified for reporting. ClassOf and CodeOf map any error produced by the
// package, including graph and property errors, to an ErrorClass and an error code.
// A failing unit is reported as a *CommandExecutionError naming the deployment, unit
// and command.
package engine
