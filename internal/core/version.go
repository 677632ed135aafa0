// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package core

import (
	"runtime/debug"
	"strings"
	"sync"
)

const AppName = "proxyfleet"

// version is set with -ldflags "-X .../internal/core.version=v1.2.3".
var version string

var (
	AppNameVersion = AppName + "-" + GetVersion()

	buildOnce sync.Once
	build     struct {
		version  string
		revision string
	}
)

// GetVersion returns the linked version, or the module version of the
// binary, suffixed with -dirty for builds from a modified tree.
func GetVersion() string {
	readBuild()
	return build.version
}

// GetRevision returns the short vcs revision the binary was built from.
func GetRevision() string {
	readBuild()
	return build.revision
}

func readBuild() {
	buildOnce.Do(func() {
		v := strings.TrimSpace(version)
		dirty := false

		if bi, ok := debug.ReadBuildInfo(); ok {
			if v == "" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
				v = bi.Main.Version
			}
			for _, s := range bi.Settings {
				switch s.Key {
				case "vcs.modified":
					dirty = s.Value == "true"
				case "vcs.revision":
					build.revision = s.Value[:min(len(s.Value), 12)]
				}
			}
		}

		if v == "" {
			v = "dev"
		}
		if dirty && !strings.HasSuffix(v, "-dirty") {
			v += "-dirty"
		}
		build.version = v
	})
}
