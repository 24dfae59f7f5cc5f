package config

// Config is the root of the configuration file. Durations are Go duration
// strings ("500ms", "30s", "2m"); empty means the component default.
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Store       StoreConfig       `json:"store"`
	Limits      LimitsConfig      `json:"limits,omitempty"`
	TaskQueue   TaskQueueConfig   `json:"task_queue,omitempty"`
	Pipeline    PipelineConfig    `json:"pipeline,omitempty"`
	Deferred    DeferredConfig    `json:"deferred,omitempty"`
	Automation  AutomationConfig  `json:"automation,omitempty"`
	Device      DeviceConfig      `json:"device,omitempty"`
	RemoteData  RemoteDataConfig  `json:"remote_data,omitempty"`
	Scheduler   SchedulerConfig   `json:"scheduler,omitempty"`
	DebugServer DebugServerConfig `json:"debug_server,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StoreConfig selects the persistence driver.
//
//	"store": { "driver": "sqlite", "path": "./automator.db", "busy_timeout": "5s" }
type StoreConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type LimitsConfig struct {
	// CacheSize bounds how many constraints keep their occurrences in memory.
	CacheSize int `json:"cache_size,omitempty"`
}

type TaskQueueConfig struct {
	InitialBackoff string `json:"initial_backoff,omitempty"`
	MaxBackoff     string `json:"max_backoff,omitempty"`
	MaxAttempts    int    `json:"max_attempts,omitempty"`
	// NetworkAvailable is the connectivity assumed at startup.
	NetworkAvailable *bool `json:"network_available,omitempty"`
}

type PolicyConfig struct {
	MaxAttempts int    `json:"max_attempts,omitempty"`
	BaseBackoff string `json:"base_backoff,omitempty"`
	MaxBackoff  string `json:"max_backoff,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

type PipelineConfig struct {
	Capacity      int          `json:"capacity,omitempty"`
	DefaultPolicy PolicyConfig `json:"default_policy,omitempty"`
}

type DeferredConfig struct {
	Timeout           string       `json:"timeout,omitempty"`
	RequestsPerSecond float64      `json:"requests_per_second,omitempty"`
	Burst             int          `json:"burst,omitempty"`
	UserAgent         string       `json:"user_agent,omitempty"`
	Retry             PolicyConfig `json:"retry,omitempty"`
}

type AutomationConfig struct {
	MaxInvalidations int          `json:"max_invalidations,omitempty"`
	Prepare          PolicyConfig `json:"prepare,omitempty"`
	// SweepInterval is how often expired schedules are removed; a scheduler spec.
	SweepInterval string `json:"sweep_interval,omitempty"`
	Paused        bool   `json:"paused,omitempty"`
}

// DeviceConfig is the static device state audience checks run against.
type DeviceConfig struct {
	ChannelID         string   `json:"channel_id,omitempty"`
	ContactID         string   `json:"contact_id,omitempty"`
	NewUser           bool     `json:"new_user,omitempty"`
	NotificationOptIn bool     `json:"notification_opt_in,omitempty"`
	LocaleLanguage    string   `json:"locale_language,omitempty"`
	LocaleCountry     string   `json:"locale_country,omitempty"`
	Tags              []string `json:"tags,omitempty"`
	AppVersion        string   `json:"app_version,omitempty"`
}

// RemoteDataConfig points at a JSON or YAML payload of schedules and constraints.
type RemoteDataConfig struct {
	Path  string `json:"path,omitempty"`
	Watch bool   `json:"watch,omitempty"`
	// Refresh is a scheduler spec for periodic refreshes ("15m", "@hourly").
	Refresh  string `json:"refresh,omitempty"`
	Debounce string `json:"debounce,omitempty"`
}

type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
}

// DebugServerConfig controls the optional HTTP debug listener.
//
// Bind to loopback, or set a token, or explicitly allow_insecure.
type DebugServerConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
