/*
 * Copyright 2026 The Pakfire Build Service Authors
 * See LICENSE file for licensing details.
 */

// Package version reports the build version of the service.
package version

import "runtime/debug"

// version is overridden at build time with
// -ldflags "-X github.com/ipfire/pbs/internal/version.version=...".
var version = ""

// String returns the service version, falling back to the VCS revision
// embedded in the build info.
func String() string {
	if version != "" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" {
				return s.Value
			}
		}
		if info.Main.Version != "" {
			return info.Main.Version
		}
	}
	return "unknown"
}
