package model

// Config holds the application configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Database  Database        `mapstructure:"database" yaml:"database"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle" yaml:"lifecycle"`
	Hub       HubConfig       `mapstructure:"hub" yaml:"hub"`
	Build     BuildConfig     `mapstructure:"build" yaml:"build"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // console or json
}

// ServerConfig holds the http listener settings.
type ServerConfig struct {
	Host      string `mapstructure:"host" yaml:"host"`
	Port      int    `mapstructure:"port" yaml:"port"`
	StaticDir string `mapstructure:"staticDir" yaml:"staticDir"`
	TLSCert   string `mapstructure:"tlsCert" yaml:"tlsCert"` // TLS is enabled when cert and key are set
	TLSKey    string `mapstructure:"tlsKey" yaml:"tlsKey"`
}

func (sc ServerConfig) TLSEnabled() bool {
	return sc.TLSCert != "" && sc.TLSKey != ""
}

type DatabaseDriver string

const (
	DatabaseDriverSqlite DatabaseDriver = "sqlite"
	DatabaseDriverMemory DatabaseDriver = "memory"
)

type Database struct {
	Driver DatabaseDriver `mapstructure:"driver" yaml:"driver"` // "sqlite" or "memory"
	Dsn    string         `mapstructure:"dsn" yaml:"dsn"`
}

// LifecycleConfig controls TTL defaults and the expiry sweep.
type LifecycleConfig struct {
	DefaultTTL      int64  `mapstructure:"defaultTtl" yaml:"defaultTtl"`           // seconds, applied when a dashboard has neither ttl nor permanent
	CleanupInterval string `mapstructure:"cleanupInterval" yaml:"cleanupInterval"` // e.g. "300s"
}

type HubConfig struct {
	ChannelCapacity int `mapstructure:"channelCapacity" yaml:"channelCapacity"` // per subscriber buffer
}

// BuildConfig describes the external renderer toolchain.
type BuildConfig struct {
	Enabled         bool   `mapstructure:"enabled" yaml:"enabled"`         // false leaves new dashboards pending
	Workspace       string `mapstructure:"workspace" yaml:"workspace"`     // cargo workspace root, compiler runs here
	TemplateDir     string `mapstructure:"templateDir" yaml:"templateDir"` // crate that embeds dashboard.json
	TemplatePackage string `mapstructure:"templatePackage" yaml:"templatePackage"`
	TargetDir       string `mapstructure:"targetDir" yaml:"targetDir"` // cargo target dir, relative to workspace
	WorkDir         string `mapstructure:"workDir" yaml:"workDir"`     // scratch space for build inputs
	ArtifactDir     string `mapstructure:"artifactDir" yaml:"artifactDir"`
	MaxConcurrent   int64  `mapstructure:"maxConcurrent" yaml:"maxConcurrent"`
	StageTimeout    string `mapstructure:"stageTimeout" yaml:"stageTimeout"`
	Compiler        string `mapstructure:"compiler" yaml:"compiler"`
	WasmTarget      string `mapstructure:"wasmTarget" yaml:"wasmTarget"`
	Bindgen         string `mapstructure:"bindgen" yaml:"bindgen"`
	BindgenVersion  string `mapstructure:"bindgenVersion" yaml:"bindgenVersion"`   // semver constraint, e.g. "0.2.x"
	BindgenExpected string `mapstructure:"bindgenExpected" yaml:"bindgenExpected"` // version the renderer was built against
	Optimizer       string `mapstructure:"optimizer" yaml:"optimizer"`             // empty disables the optimize stage
}
