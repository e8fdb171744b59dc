package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	RuntimeChanged bool
	NewRuntime     RuntimeConfig

	TickIntervalChanged bool

	CatalogChanged bool

	NotifyLevelChanged bool
	NewNotifyLevel     string

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return d.RuntimeChanged ||
		d.TickIntervalChanged ||
		d.CatalogChanged ||
		d.NotifyLevelChanged
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if !reflect.DeepEqual(old.Runtime, new.Runtime) {
		d.RuntimeChanged = true
		d.NewRuntime = new.Runtime
	}
	if old.Runtime.TickInterval != new.Runtime.TickInterval {
		d.TickIntervalChanged = true
	}
	if old.Catalog != new.Catalog {
		d.CatalogChanged = true
	}
	if old.Telegram.MinLevel != new.Telegram.MinLevel {
		d.NotifyLevelChanged = true
		d.NewNotifyLevel = new.Telegram.MinLevel
	}

	if old.Runtime.Shell.Backend != new.Runtime.Shell.Backend {
		d.NonReloadable = append(d.NonReloadable, "runtime.shell.backend")
	}
	if old.Telegram.Token != new.Telegram.Token {
		d.NonReloadable = append(d.NonReloadable, "telegram.token")
	}
	if old.Web.Port != new.Web.Port {
		d.NonReloadable = append(d.NonReloadable, "web.port")
	}
	if old.NATS != new.NATS {
		d.NonReloadable = append(d.NonReloadable, "nats")
	}
	if old.Store != new.Store {
		d.NonReloadable = append(d.NonReloadable, "store")
	}
	if old.Backup != new.Backup {
		d.NonReloadable = append(d.NonReloadable, "backup")
	}

	return d
}
