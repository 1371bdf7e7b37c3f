// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"regexp"
	"runtime/debug"
)

const (
	// appName is the application name.
	appName string = "lendexd"
)

// semverRE matches a semantic version string, capturing the build metadata.
var semverRE = regexp.MustCompile(`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)` +
	`(?:-((?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*)(?:\.(?:0|[1-9]\d*|\d*` +
	`[a-zA-Z-][0-9a-zA-Z-]*))*))?(?:\+([0-9a-zA-Z-]+(?:\.[0-9a-zA-Z-]+)*))?$`)

// Version is the application version per the semantic versioning 2.0.0 spec
// (https://semver.org/). It may be overridden at build time with
// '-ldflags "-X main.Version=fullsemver"'. Without build metadata, the vcs
// revision recorded by the go tool is appended.
var Version = "0.1.0-pre"

func init() {
	Version = parseVersion(Version)
}

func parseVersion(v string) string {
	m := semverRE.FindStringSubmatch(v)
	if m == nil {
		panic(fmt.Sprintf("malformed version %q", v))
	}
	if m[5] != "" {
		return v
	}
	if rev := vcsRevision(); rev != "" {
		return v + "+" + rev
	}
	return v
}

// vcsRevision is the first 12 characters of the vcs revision from the build
// info, if any.
func vcsRevision() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range bi.Settings {
		if s.Key == "vcs.revision" {
			if len(s.Value) > 12 {
				return s.Value[:12]
			}
			return s.Value
		}
	}
	return ""
}
