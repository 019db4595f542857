package config

import (
	"context"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Flags is the feature-flag source backed by viper. The value is cached
// in an atomic so readers never touch viper while a config reload rewrites
// it; Watch refreshes the cache after every reload.
type Flags struct {
	v          *viper.Viper
	enrichment atomic.Bool
}

// NewFlags wraps v and captures its current values.
func NewFlags(v *viper.Viper) *Flags {
	f := &Flags{v: v}
	f.refresh()
	return f
}

func (f *Flags) refresh() {
	f.enrichment.Store(f.v.GetBool("flows.enrichment_enabled"))
}

// EnrichmentEnabled reports whether best-effort writes are accepted.
func (f *Flags) EnrichmentEnabled(ctx context.Context) bool {
	return f.enrichment.Load()
}

// Watch reloads the config file on change, refreshes the cached flags and
// calls onChange afterwards. It must be called at most once.
func (f *Flags) Watch(onChange func(fsnotify.Event)) {
	f.v.OnConfigChange(func(e fsnotify.Event) {
		f.refresh()
		if onChange != nil {
			onChange(e)
		}
	})
	f.v.WatchConfig()
}

// StaticFlags is a fixed flag source, mostly for tests and tools.
type StaticFlags struct {
	enabled atomic.Bool
}

// NewStaticFlags returns a flag source with the given enrichment value.
func NewStaticFlags(enabled bool) *StaticFlags {
	s := &StaticFlags{}
	s.enabled.Store(enabled)
	return s
}

// EnrichmentEnabled reports the stored value.
func (s *StaticFlags) EnrichmentEnabled(context.Context) bool {
	return s.enabled.Load()
}

// Set flips the stored value.
func (s *StaticFlags) Set(enabled bool) {
	s.enabled.Store(enabled)
}
