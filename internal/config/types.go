package config

// Config is the top-level configuration structure parsed from bot YAML.
type Config struct {
	Bot Bot `yaml:"bot"`
}

// Bot defines one build bot: identity, targets, and its stage sequence.
type Bot struct {
	Name         string       `yaml:"name"`
	Type         string       `yaml:"type"` // e.g. "paladin", "release"; free-form
	Boards       []string     `yaml:"boards"`
	Buildroot    string       `yaml:"buildroot"`
	ReportDir    string       `yaml:"report_dir"`
	DashboardURL string       `yaml:"dashboard_url"` // template; %s is the stage name
	Defaults     Defaults     `yaml:"defaults"`
	ReExec       ReExecPolicy `yaml:"reexec"`
	Stages       []Stage      `yaml:"stages"`
}

// Defaults holds values applied to stages that don't set their own.
type Defaults struct {
	Timeout string `yaml:"timeout"`
}

// ReExecPolicy controls whether the bot re-executes itself in the freshly
// synced checkout after the sync stage.
type ReExecPolicy struct {
	Enabled bool `yaml:"enabled"`
}

// Stage defines a single unit of build work.
type Stage struct {
	ID          string `yaml:"id"`
	Type        string `yaml:"type"` // "command" (default) or "sync"
	Command     string `yaml:"command"`
	Description string `yaml:"description"`
	Timeout     string `yaml:"timeout"`
	// PerBoard expands the stage into one unit per configured board; the
	// units run in parallel under one coordinator.
	PerBoard bool `yaml:"per_board"`
	// Group names a parallel group: consecutive stages sharing a group
	// run concurrently.
	Group string `yaml:"group"`
	// Forgivable marks failures of this stage as expected: recorded,
	// reported, but not fatal to the build.
	Forgivable bool `yaml:"forgivable"`
}
