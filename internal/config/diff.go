package config

import (
	"maps"
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// BargeInChanged is applied to the next reply without restart.
	BargeInChanged bool

	// RestartRequired lists the changed top-level sections that only take
	// effect after a restart.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.BargeInChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.BargeInChanged = old.BargeIn != new.BargeIn

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""

	sections := map[string][2]any{
		"server":    {oldServer, newServer},
		"audio":     {old.Audio, new.Audio},
		"standby":   {old.Standby, new.Standby},
		"speech":    {old.Speech, new.Speech},
		"session":   {old.Session, new.Session},
		"wake":      {old.Wake, new.Wake},
		"reply":     {old.Reply, new.Reply},
		"providers": {old.Providers, new.Providers},
		"turnlog":   {old.TurnLog, new.TurnLog},
	}
	for _, name := range slices.Sorted(maps.Keys(sections)) {
		pair := sections[name]
		if !reflect.DeepEqual(pair[0], pair[1]) {
			d.RestartRequired = append(d.RestartRequired, name)
		}
	}
	return d
}
