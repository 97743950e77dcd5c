package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/voxline/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	config.ApplyDefaults(cfg)
	if d := config.Diff(cfg, cfg); d.Changed() {
		t.Errorf("identical configs differ: %+v", d)
	}
}

func TestDiff_LogLevelOnly(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo, ReloadInterval: 1}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug, ReloadInterval: 2}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("restart required = %v, want none", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":9" }, "server.listen_addr"},
		{"log format", func(c *config.Config) { c.Server.LogFormat = config.LogJSON }, "server"},
		{"provider model", func(c *config.Config) { c.Providers.LLM.Model = "other" }, "providers"},
		{"busy policy", func(c *config.Config) { c.Session.Busy = "queue" }, "session"},
		{"chunk bounds", func(c *config.Config) { c.Pipeline.Chunker.MaxLength = 200 }, "pipeline"},
		{"cache ttl", func(c *config.Config) { c.Cache.TTL = 1 }, "cache"},
		{"retrieval", func(c *config.Config) { c.Retrieval.Qdrant = &config.QdrantConfig{URL: "q"} }, "retrieval"},
		{"voices", func(c *config.Config) { c.Voices.Voices = map[string]string{"A-B": "c"} }, "voices"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old := &config.Config{}
			config.ApplyDefaults(old)
			new := &config.Config{}
			config.ApplyDefaults(new)
			tt.mutate(new)

			d := config.Diff(old, new)
			if !slices.Equal(d.RestartRequired, []string{tt.want}) {
				t.Errorf("restart required = %v, want [%s]", d.RestartRequired, tt.want)
			}
			if d.LogLevelChanged {
				t.Error("log level reported as changed")
			}
		})
	}
}
