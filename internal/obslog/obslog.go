// Package obslog wires every sync-pipeline component onto a single
// named-logger convention, the way juju's apiserver packages call
// loggo.GetLogger("juju.apiserver.<subpackage>").
package obslog

import "github.com/juju/loggo"

// Get returns the named logger for a component, rooted under "sync.".
// Call it once per package and store the result in a package-level var,
// matching the teacher's `var logger = loggo.GetLogger(...)` idiom.
func Get(component string) loggo.Logger {
	return loggo.GetLogger("sync." + component)
}

// ConfigureRootLevel sets the logging level for the whole "sync" tree at
// process startup, driven by config.Config.LogLevel.
func ConfigureRootLevel(level string) {
	lvl, ok := loggo.ParseLevel(level)
	if !ok {
		lvl = loggo.INFO
	}
	loggo.GetLogger("sync").SetLogLevel(lvl)
}
