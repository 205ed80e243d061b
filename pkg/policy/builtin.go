package policy

// BuiltinPolicies returns the policies every verifier starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		archivePathPolicy(),
		declaredSizePolicy(),
		emptyArchivePolicy(),
	}
}

// archivePathPolicy rejects archive ids that would escape the site.
func archivePathPolicy() Policy {
	return Policy{
		Name:        "archive-path",
		Description: "Archive ids must be relative and must not traverse upwards",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package siteconf.policies.archive_path

import rego.v1

deny contains violation if {
	startswith(input.archive.id, "/")
	violation := {
		"message": sprintf("archive %s has an absolute path", [input.archive.id]),
		"severity": "error",
	}
}

deny contains violation if {
	some part in split(input.archive.id, "/")
	part == ".."
	violation := {
		"message": sprintf("archive %s traverses outside the site", [input.archive.id]),
		"severity": "error",
	}
}`,
	}
}

// declaredSizePolicy rejects plugin archives whose length differs from the
// manifest's download size.
func declaredSizePolicy() Policy {
	return Policy{
		Name:        "declared-size",
		Description: "Plugin archives must match their declared download size",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package siteconf.policies.declared_size

import rego.v1

deny contains violation if {
	input.archive.declared_size >= 0
	input.archive.length >= 0
	input.archive.length != input.archive.declared_size
	violation := {
		"message": sprintf("archive %s is %d bytes, manifest declares %d", [input.archive.id, input.archive.length, input.archive.declared_size]),
		"severity": "error",
	}
}`,
	}
}

// emptyArchivePolicy warns about zero-length archives.
func emptyArchivePolicy() Policy {
	return Policy{
		Name:        "empty-archive",
		Description: "Warns when an archive carries no bytes",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package siteconf.policies.empty_archive

import rego.v1

deny contains msg if {
	input.archive.length == 0
	msg := sprintf("archive %s is empty", [input.archive.id])
}`,
	}
}
