package config

import "reflect"

// ConfigDiff describes what changed between two configs. Only the log level
// is applied without a restart; every other changed section is listed in
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired names the changed sections that only take effect
	// after a restart, e.g. "providers" or "server.listen_addr".
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	oldServer.ReloadInterval, newServer.ReloadInterval = 0, 0
	if oldServer.ListenAddr != newServer.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	} else if !reflect.DeepEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}

	for _, s := range []struct {
		name     string
		old, new any
	}{
		{"providers", old.Providers, new.Providers},
		{"session", old.Session, new.Session},
		{"pipeline", old.Pipeline, new.Pipeline},
		{"cache", old.Cache, new.Cache},
		{"retrieval", old.Retrieval, new.Retrieval},
		{"voices", old.Voices, new.Voices},
		{"call_log", old.CallLog, new.CallLog},
	} {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
