package config

// ServerDiffDetail is the per-server detail entry of a ConfigDiff.
type ServerDiffDetail struct {
	ModifiedFields []string
	OldValues      map[string]any
	NewValues      map[string]any
}

// Diff is the result of comparing two server maps (spec §3 ConfigDiff).
type Diff struct {
	Added     []string
	Removed   []string
	Modified  []string
	Unchanged []string
	Details   map[string]ServerDiffDetail
}

// significantFields lists the fields whose change makes a server
// "modified" (spec §3).
var significantFields = []string{"command", "args", "env", "disabled", "url", "headers", "dev", "name"}

// computeDiff compares old and new server maps using the significant
// field set, with deep equality for structured values.
func computeDiff(old, new map[string]ServerConfig) Diff {
	d := Diff{Details: make(map[string]ServerDiffDetail)}

	for name := range old {
		if _, ok := new[name]; !ok {
			d.Removed = append(d.Removed, name)
		}
	}

	for name, newCfg := range new {
		oldCfg, existed := old[name]
		if !existed {
			d.Added = append(d.Added, name)
			continue
		}

		detail, changed := diffServer(oldCfg, newCfg)
		if changed {
			d.Modified = append(d.Modified, name)
			d.Details[name] = detail
		} else {
			d.Unchanged = append(d.Unchanged, name)
		}
	}

	return d
}

func diffServer(oldCfg, newCfg ServerConfig) (ServerDiffDetail, bool) {
	detail := ServerDiffDetail{OldValues: map[string]any{}, NewValues: map[string]any{}}

	check := func(field string, oldV, newV any, equal bool) {
		if !equal {
			detail.ModifiedFields = append(detail.ModifiedFields, field)
			detail.OldValues[field] = oldV
			detail.NewValues[field] = newV
		}
	}

	check("name", oldCfg.Name, newCfg.Name, oldCfg.Name == newCfg.Name)
	check("command", oldCfg.Command, newCfg.Command, oldCfg.Command == newCfg.Command)
	check("args", oldCfg.Args, newCfg.Args, stringSliceEqual(oldCfg.Args, newCfg.Args))
	check("env", oldCfg.Env, newCfg.Env, envEqual(oldCfg.Env, newCfg.Env))
	check("disabled", oldCfg.Disabled, newCfg.Disabled, oldCfg.Disabled == newCfg.Disabled)
	check("url", oldCfg.URL, newCfg.URL, oldCfg.URL == newCfg.URL)
	check("headers", oldCfg.Headers, newCfg.Headers, stringMapEqual(oldCfg.Headers, newCfg.Headers))
	check("dev", oldCfg.Dev, newCfg.Dev, devEqual(oldCfg.Dev, newCfg.Dev))

	return detail, len(detail.ModifiedFields) > 0
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func stringMapEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func envEqual(a, b map[string]*string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		ov, ok := b[k]
		if !ok {
			return false
		}
		if (v == nil) != (ov == nil) {
			return false
		}
		if v != nil && ov != nil && *v != *ov {
			return false
		}
	}
	return true
}

func devEqual(a, b *DevConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Enabled != b.Enabled || a.Cwd != b.Cwd {
		return false
	}
	return stringSliceEqual(a.Watch, b.Watch)
}
