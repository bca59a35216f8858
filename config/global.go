package config

import "sync/atomic"

var global atomic.Value

// Init installs Default() as the process-wide config.
func Init() {
	c := Default()
	global.Store(&c)
}

// Load returns the current config. Treat the returned value as read-only;
// mutate through Update or Swap.
func Load() *Config {
	v := global.Load()
	if v == nil {
		Init()
		v = global.Load()
	}
	return v.(*Config)
}

// Update applies mut to a copy of the current config and installs the
// result atomically, returning it.
func Update(mut func(*Config)) *Config {
	curr := Load()
	next := *curr
	mut(&next)
	global.Store(&next)
	return &next
}

// Swap replaces the global config outright.
func Swap(next Config) *Config {
	global.Store(&next)
	return &next
}
