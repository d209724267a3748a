package sandbox

import "github.com/pml-dev/gateway/pkg/models"

// Subprocess-mode permission flag sets. Worker-mode execution (this package)
// has no filesystem, network or environment surface at all, so these flags
// only apply when a capability is routed to a subprocess runner; they are
// part of the public permission-set contract either way.
//
// --deny-run and --deny-ffi are always applied regardless of set.
var subprocessFlags = map[models.PermissionSet][]string{
	models.PermissionMinimal: {},
	models.PermissionReadonly: {
		"--allow-read=./data,/tmp",
	},
	models.PermissionFilesystem: {
		"--allow-read",
		"--allow-write=/tmp",
	},
	models.PermissionNetworkAPI: {
		"--allow-net",
	},
	models.PermissionMCPStandard: {
		"--allow-read",
		"--allow-net",
		"--allow-write=/tmp,./output",
		"--allow-env=HOME,PATH",
	},
	models.PermissionTrusted: {
		"--allow-read",
		"--allow-write",
		"--allow-net",
		"--allow-env",
	},
}

// alwaysDenied flags are appended to every subprocess flag set.
var alwaysDenied = []string{"--deny-run", "--deny-ffi"}

// SubprocessFlags returns the deny-by-default flag set a subprocess runner
// must apply for the given permission set. Unknown sets map to minimal.
func SubprocessFlags(p models.PermissionSet) []string {
	flags, ok := subprocessFlags[p]
	if !ok {
		flags = subprocessFlags[models.PermissionMinimal]
	}
	out := make([]string, 0, len(flags)+len(alwaysDenied))
	out = append(out, flags...)
	out = append(out, alwaysDenied...)
	return out
}

// NetworkAllowed reports whether the permission set grants network access,
// gating the worker's fetch binding.
func NetworkAllowed(p models.PermissionSet) bool {
	switch p {
	case models.PermissionNetworkAPI, models.PermissionMCPStandard, models.PermissionTrusted:
		return true
	}
	return false
}
