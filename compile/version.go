package compile

import (
	"runtime/debug"
	"sync"
)

var (
	versionOnce   sync.Once
	cachedVersion string
)

/**
 * Version identifies the compiler build in manifest annotations and
 * task environments. It is computed once per process and never
 * invalidated; compilation is single threaded so the once guard is
 * only there for concurrent callers of the facade.
 */
func Version() string {
	versionOnce.Do(func() {
		cachedVersion = "metaflow-dev"
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
			cachedVersion = "metaflow-" + info.Main.Version
		}
	})
	return cachedVersion
}
