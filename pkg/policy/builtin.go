package policy

import "time"

// BuiltinPolicies returns the policies compiled into the binary.
func BuiltinPolicies() []Policy {
	return []Policy{
		trustGrantPolicy(),
		applicationNamingPolicy(),
	}
}

// trustGrantPolicy gates elevated cluster permissions. A trusted
// application must either appear on the trust allowlist or the
// evaluation context must not restrict grants at all.
func trustGrantPolicy() Policy {
	return Policy{
		Name:        "trust-grant",
		Description: "Trusted applications must be allow-listed before the cluster grants elevated permissions",
		Severity:    SeverityError,
		Enabled:     true,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package kfops.policies.trust

import rego.v1

deny contains violation if {
	input.application
	input.application.trust == true
	count(input.context.trust_allowlist) > 0
	not allowlisted
	violation := {
		"message": sprintf("application %s requests trust but is not allow-listed", [input.application.name]),
		"severity": "error",
		"application": input.application.name,
	}
}

allowlisted if {
	some name in input.context.trust_allowlist
	name == input.application.name
}
`,
	}
}

// applicationNamingPolicy enforces the charm naming conventions the
// cluster expects.
func applicationNamingPolicy() Policy {
	return Policy{
		Name:        "application-naming",
		Description: "Application names must be lowercase alphanumeric with hyphens, not starting or ending with one",
		Severity:    SeverityError,
		Enabled:     true,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package kfops.policies.naming

import rego.v1

deny contains violation if {
	input.application
	name := input.application.name
	not regex.match("^[a-z0-9]([a-z0-9-]*[a-z0-9])?$", name)
	violation := {
		"message": sprintf("application name %q must be lowercase alphanumeric with interior hyphens", [name]),
		"severity": "error",
		"application": name,
	}
}

deny contains violation if {
	input.application
	name := input.application.name
	count(name) > 63
	violation := {
		"message": sprintf("application name %q exceeds 63 characters", [name]),
		"severity": "error",
		"application": name,
	}
}
`,
	}
}
