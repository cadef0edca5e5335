package policy

// Names of the built-in policies.
const (
	PolicyUnitNaming      = "unit-naming"
	PolicyRemoteHost      = "remote-host"
	PolicyPackagePinned   = "package-pinned"
	PolicyCommandCoverage = "command-coverage"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		unitNamingPolicy(),
		remoteHostPolicy(),
		packagePinnedPolicy(),
		commandCoveragePolicy(),
	}
}

// unitNamingPolicy keeps unit ids usable as directory and file names.
func unitNamingPolicy() Policy {
	return Policy{
		Name:        PolicyUnitNaming,
		Description: "Unit identifiers are lowercase letters, digits, dots, underscores and hyphens",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming", "conventions"},
		Rego: `package deployer.policies.naming

deny contains violation if {
	some unit in input.profile.units
	not regex.match("^[a-z0-9][a-z0-9._-]*$", unit.id)
	violation := {
		"message": sprintf("unit id '%s' must be lowercase and contain only letters, digits, '.', '_' and '-'", [unit.id]),
		"unit": unit.id,
		"remediation": sprintf("rename the unit to '%s'", [lower(unit.id)]),
	}
}

deny contains violation if {
	some host in input.profile.hosts
	not regex.match("^[a-z0-9][a-z0-9._-]*$", host.id)
	violation := {
		"message": sprintf("host id '%s' must be lowercase and contain only letters, digits, '.', '_' and '-'", [host.id]),
		"severity": "warning",
	}
}
`,
	}
}

// remoteHostPolicy checks that remote units point at declared, reachable hosts.
func remoteHostPolicy() Policy {
	return Policy{
		Name:        PolicyRemoteHost,
		Description: "Remote units name a declared host and hosts name a login user",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"hosts", "ssh"},
		Rego: `package deployer.policies.hosts

declared contains host.id if {
	some host in input.profile.hosts
}

deny contains violation if {
	some unit in input.profile.units
	unit.host_class == "remote"
	not unit.host
	violation := {
		"message": "remote unit has no host",
		"unit": unit.id,
	}
}

deny contains violation if {
	some unit in input.profile.units
	unit.host_class == "remote"
	unit.host
	not declared[unit.host]
	violation := {
		"message": sprintf("host '%s' is not declared in the profile", [unit.host]),
		"unit": unit.id,
		"remediation": "add the host to the profile's hosts",
	}
}

deny contains violation if {
	some host in input.profile.hosts
	not host.user
	violation := {
		"message": sprintf("host '%s' has no user; the configured SSH user is used", [host.id]),
		"severity": "warning",
	}
}
`,
	}
}

// packagePinnedPolicy flags packages deployed without a fixed version.
func packagePinnedPolicy() Policy {
	return Policy{
		Name:        PolicyPackagePinned,
		Description: "Unit packages pin an explicit version",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"packages", "versioning"},
		Rego: `package deployer.policies.packages

deny contains violation if {
	some unit in input.profile.units
	unit.package
	not unit.package.version
	violation := {
		"message": sprintf("package '%s' has no version", [unit.package.id]),
		"unit": unit.id,
		"remediation": "pin the package to a semantic version",
	}
}

deny contains violation if {
	some unit in input.profile.units
	lower(unit.package.version) == "latest"
	violation := {
		"message": sprintf("package '%s' uses 'latest'", [unit.package.id]),
		"unit": unit.id,
		"remediation": "pin the package to a semantic version",
	}
}
`,
	}
}

// commandCoveragePolicy checks that units declare a usable set of lifecycle commands.
func commandCoveragePolicy() Policy {
	return Policy{
		Name:        PolicyCommandCoverage,
		Description: "Units declaring lifecycle commands can be installed and stopped",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"lifecycle"},
		Rego: `package deployer.policies.commands

deny contains violation if {
	some unit in input.profile.units
	count(object.get(unit, "commands", [])) > 0
	not "install" in unit.commands
	violation := {
		"message": "unit declares commands but not install",
		"unit": unit.id,
	}
}

deny contains violation if {
	some unit in input.profile.units
	"start" in object.get(unit, "commands", [])
	not "stop" in unit.commands
	violation := {
		"message": "unit can be started but not stopped",
		"unit": unit.id,
		"severity": "warning",
	}
}

deny contains violation if {
	input.command
	not input.command in {"start", "stop"}
	count([unit |
		some unit in input.profile.units
		input.command in object.get(unit, "commands", [])
	]) == 0
	violation := {
		"message": sprintf("no unit supports command '%s'", [input.command]),
		"severity": "warning",
	}
}
`,
	}
}
