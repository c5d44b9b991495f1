package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`

	// TraceExporter picks the span exporter: otlp, stdout or none. Empty means
	// otlp when an endpoint is set and stdout otherwise.
	TraceExporter string `yaml:"trace_exporter"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Live        LiveConfig       `yaml:"live"`
	Audio       AudioConfig      `yaml:"audio"`
	Transport   TransportConfig  `yaml:"transport"`
	Tools       ToolsConfig      `yaml:"tools"`
	Skills      SkillsConfig     `yaml:"skills"`
	Memory      MemoryConfig     `yaml:"memory"`
	EventStore  EventStoreConfig `yaml:"event_store"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	// Presence heartbeats are only sent when the nats transport is active.
	HeartbeatIntervalMS int `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int `yaml:"heartbeat_timeout_ms"`
}

// LiveConfig controls the session engine itself.
type LiveConfig struct {
	CaptureSampleRate  int    `yaml:"capture_sample_rate"`
	PlaybackSampleRate int    `yaml:"playback_sample_rate"`
	FrameSize          int    `yaml:"frame_size"`
	OutboundQueue      int    `yaml:"outbound_queue"`
	FlushOnMute        bool   `yaml:"flush_on_mute"`
	Instructions       string `yaml:"instructions"`
}

type AudioConfig struct {
	Input  DeviceConfig `yaml:"input"`
	Output DeviceConfig `yaml:"output"`
}

type DeviceConfig struct {
	Mode    string `yaml:"mode"` // null, exec
	Command string `yaml:"command"`
}

type TransportConfig struct {
	Mode        string `yaml:"mode"` // gemini, nats
	Endpoint    string `yaml:"endpoint"`
	APIKey      string `yaml:"api_key"`
	Model       string `yaml:"model"`
	Voice       string `yaml:"voice"`
	SetupWaitMS int    `yaml:"setup_wait_ms"`
}

type ToolsConfig struct {
	CallTimeoutMS     int    `yaml:"call_timeout_ms"`
	SearchEndpoint    string `yaml:"search_endpoint"`
	SearchAPIKey      string `yaml:"search_api_key"`
	SearchMaxResults  int    `yaml:"search_max_results"`
	LocationEndpoint  string `yaml:"location_endpoint"`
	LocationTimeoutMS int    `yaml:"location_timeout_ms"`
}

type SkillsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Directory string `yaml:"directory"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type MemoryConfig struct {
	Path string `yaml:"path"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-live",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       false,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,

			HeartbeatIntervalMS: 5000,
			HeartbeatTimeoutMS:  15000,
		},
		Live: LiveConfig{
			CaptureSampleRate:  16000,
			PlaybackSampleRate: 24000,
			FrameSize:          4096,
			OutboundQueue:      256,
			Instructions:       "You are a helpful voice assistant.",
		},
		Audio: AudioConfig{
			Input:  DeviceConfig{Mode: "null"},
			Output: DeviceConfig{Mode: "null"},
		},
		Transport: TransportConfig{
			Mode:        "gemini",
			Endpoint:    "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent",
			Model:       "models/gemini-2.5-flash-native-audio-preview-09-2025",
			Voice:       "Zephyr",
			SetupWaitMS: 10000,
		},
		Tools: ToolsConfig{
			SearchEndpoint:    "https://api.tavily.com",
			SearchMaxResults:  5,
			LocationEndpoint:  "https://ipapi.co/json/",
			LocationTimeoutMS: 5000,
		},
		Skills: SkillsConfig{
			Enabled:   false,
			Directory: "./skills",
			TimeoutMS: 30000,
		},
		Memory: MemoryConfig{
			Path: "./data/loqa-memory.db",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-live-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.TraceExporter, "LOQA_TELEMETRY_TRACE_EXPORTER")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.HeartbeatIntervalMS, "LOQA_BUS_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Bus.HeartbeatTimeoutMS, "LOQA_BUS_HEARTBEAT_TIMEOUT_MS")
	overrideInt(&cfg.Live.CaptureSampleRate, "LOQA_LIVE_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Live.PlaybackSampleRate, "LOQA_LIVE_PLAYBACK_SAMPLE_RATE")
	overrideInt(&cfg.Live.FrameSize, "LOQA_LIVE_FRAME_SIZE")
	overrideInt(&cfg.Live.OutboundQueue, "LOQA_LIVE_OUTBOUND_QUEUE")
	overrideBool(&cfg.Live.FlushOnMute, "LOQA_LIVE_FLUSH_ON_MUTE")
	overrideString(&cfg.Live.Instructions, "LOQA_LIVE_INSTRUCTIONS")
	overrideString(&cfg.Audio.Input.Mode, "LOQA_AUDIO_INPUT_MODE")
	overrideString(&cfg.Audio.Input.Command, "LOQA_AUDIO_INPUT_COMMAND")
	overrideString(&cfg.Audio.Output.Mode, "LOQA_AUDIO_OUTPUT_MODE")
	overrideString(&cfg.Audio.Output.Command, "LOQA_AUDIO_OUTPUT_COMMAND")
	overrideString(&cfg.Transport.Mode, "LOQA_TRANSPORT_MODE")
	overrideString(&cfg.Transport.Endpoint, "LOQA_TRANSPORT_ENDPOINT")
	overrideString(&cfg.Transport.APIKey, "LOQA_TRANSPORT_API_KEY")
	overrideString(&cfg.Transport.Model, "LOQA_TRANSPORT_MODEL")
	overrideString(&cfg.Transport.Voice, "LOQA_TRANSPORT_VOICE")
	overrideInt(&cfg.Transport.SetupWaitMS, "LOQA_TRANSPORT_SETUP_WAIT_MS")
	overrideInt(&cfg.Tools.CallTimeoutMS, "LOQA_TOOLS_CALL_TIMEOUT_MS")
	overrideString(&cfg.Tools.SearchEndpoint, "LOQA_TOOLS_SEARCH_ENDPOINT")
	overrideString(&cfg.Tools.SearchAPIKey, "LOQA_TOOLS_SEARCH_API_KEY")
	overrideInt(&cfg.Tools.SearchMaxResults, "LOQA_TOOLS_SEARCH_MAX_RESULTS")
	overrideString(&cfg.Tools.LocationEndpoint, "LOQA_TOOLS_LOCATION_ENDPOINT")
	overrideInt(&cfg.Tools.LocationTimeoutMS, "LOQA_TOOLS_LOCATION_TIMEOUT_MS")
	overrideBool(&cfg.Skills.Enabled, "LOQA_SKILLS_ENABLED")
	overrideString(&cfg.Skills.Directory, "LOQA_SKILLS_DIRECTORY")
	overrideInt(&cfg.Skills.TimeoutMS, "LOQA_SKILLS_TIMEOUT_MS")
	overrideString(&cfg.Memory.Path, "LOQA_MEMORY_PATH")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Telemetry.TraceExporter {
	case "", "otlp", "stdout", "none":
	default:
		return errors.New("telemetry.trace_exporter must be one of otlp|stdout|none")
	}
	if cfg.Telemetry.TraceExporter == "otlp" && strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
		return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
	}
	if cfg.Live.CaptureSampleRate <= 0 {
		return errors.New("live.capture_sample_rate must be positive")
	}
	if cfg.Live.PlaybackSampleRate <= 0 {
		return errors.New("live.playback_sample_rate must be positive")
	}
	if cfg.Live.FrameSize < 256 {
		return errors.New("live.frame_size must be >= 256")
	}
	if cfg.Live.OutboundQueue <= 0 {
		return errors.New("live.outbound_queue must be >= 1")
	}
	if err := validateDevice("audio.input", cfg.Audio.Input); err != nil {
		return err
	}
	if err := validateDevice("audio.output", cfg.Audio.Output); err != nil {
		return err
	}
	switch cfg.Transport.Mode {
	case "gemini":
		if cfg.Transport.Endpoint == "" {
			return errors.New("transport.endpoint must be set when mode=gemini")
		}
		if cfg.Transport.Model == "" {
			return errors.New("transport.model must be set when mode=gemini")
		}
	case "nats":
		if !cfg.Bus.Embedded && len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when transport.mode=nats and the bus is not embedded")
		}
	default:
		return errors.New("transport.mode must be one of gemini|nats")
	}
	if cfg.Bus.Embedded && (cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535) {
		return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
	}
	if cfg.Transport.Mode == "nats" {
		if cfg.Bus.HeartbeatIntervalMS <= 0 {
			return errors.New("bus.heartbeat_interval_ms must be positive")
		}
		if cfg.Bus.HeartbeatTimeoutMS <= cfg.Bus.HeartbeatIntervalMS {
			return errors.New("bus.heartbeat_timeout_ms must exceed bus.heartbeat_interval_ms")
		}
	}
	if cfg.Tools.CallTimeoutMS < 0 {
		return errors.New("tools.call_timeout_ms must be >= 0")
	}
	if cfg.Tools.LocationTimeoutMS <= 0 {
		return errors.New("tools.location_timeout_ms must be positive")
	}
	if cfg.Skills.Enabled && cfg.Skills.Directory == "" {
		return errors.New("skills.directory must not be empty when skills are enabled")
	}
	if cfg.Memory.Path == "" {
		return errors.New("memory.path must not be empty")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	return nil
}

func validateDevice(prefix string, dev DeviceConfig) error {
	switch dev.Mode {
	case "null":
	case "exec":
		if strings.TrimSpace(dev.Command) == "" {
			return fmt.Errorf("%s.command must be set when mode=exec", prefix)
		}
	default:
		return fmt.Errorf("%s.mode must be one of null|exec", prefix)
	}
	return nil
}
