package config

import "reflect"

// LiveSections can be applied without a restart.
var LiveSections = map[string]bool{
	"logging":  true,
	"telegram": true,
	"dispatch": true,
	"feedback": true,
}

// ChangedSections lists the top-level sections that differ between two
// configs, in file order. Secrets are compared but never returned.
func ChangedSections(oldCfg, newCfg *Config) []string {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var out []string
	check := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			out = append(out, name)
		}
	}
	check("telegram", oldCfg.Telegram, newCfg.Telegram)
	check("logging", oldCfg.Logging, newCfg.Logging)
	check("storage", oldCfg.Storage, newCfg.Storage)
	check("capacity", oldCfg.Capacity, newCfg.Capacity)
	check("pricing", oldCfg.Pricing, newCfg.Pricing)
	check("dispatch", oldCfg.Dispatch, newCfg.Dispatch)
	check("schedule", oldCfg.Schedule, newCfg.Schedule)
	check("health", oldCfg.Health, newCfg.Health)
	check("tracing", oldCfg.Tracing, newCfg.Tracing)
	check("feedback", oldCfg.Feedback, newCfg.Feedback)
	return out
}

// RestartRequired filters sections that only take effect after a restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if !LiveSections[s] {
			out = append(out, s)
		}
	}
	return out
}
