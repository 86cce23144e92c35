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
	StdoutTraces bool   `yaml:"stdout_traces"`
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
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Speech      SpeechConfig     `yaml:"speech"`
	OnDevice    OnDeviceConfig   `yaml:"on_device"`
	Remote      RemoteConfig     `yaml:"remote"`
	Tone        ToneConfig       `yaml:"tone"`
	Playback    PlaybackConfig   `yaml:"playback"`
	Policy      PolicyConfig     `yaml:"policy"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// NodeConfig controls how this engine announces itself to other engines on
// the bus.
type NodeConfig struct {
	ID                string `yaml:"id"`
	Room              string `yaml:"room"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// SpeechConfig tunes the fallback orchestrator.
type SpeechConfig struct {
	SettleDelayMS  int `yaml:"settle_delay_ms"`
	StartTimeoutMS int `yaml:"start_timeout_ms"`
}

type OnDeviceConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Command           string `yaml:"command"`
	VoicesCommand     string `yaml:"voices_command"`
	PollIntervalMS    int    `yaml:"poll_interval_ms"`
	VoiceWaitMS       int    `yaml:"voice_wait_ms"`
	RefreshIntervalMS int    `yaml:"refresh_interval_ms"`
}

type RemoteConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Endpoint      string `yaml:"endpoint"`
	Client        string `yaml:"client"`
	InputEncoding string `yaml:"input_encoding"`
	// Language is sent as tl; empty sends the base tag of policy.language.
	Language      string `yaml:"language"`
	UserAgent     string `yaml:"user_agent"`
	TimeoutMS     int    `yaml:"timeout_ms"`
	MaxClipBytes  int    `yaml:"max_clip_bytes"`
}

type ToneConfig struct {
	Enabled    bool    `yaml:"enabled"`
	SampleRate int     `yaml:"sample_rate"`
	DurationMS int     `yaml:"duration_ms"`
	LowpassHz  float64 `yaml:"lowpass_hz"`
}

type PlaybackConfig struct {
	Mode    string `yaml:"mode"` // exec, device, discard
	Command string `yaml:"command"`
}

// PolicyConfig overrides the built-in pronunciation table per letter.
type PolicyConfig struct {
	Language  string                    `yaml:"language"`
	Volume    float64                   `yaml:"volume"`
	Overrides map[string]LetterOverride `yaml:"overrides"`
}

// LetterOverride replaces individual fields of one letter's entry. Zero
// values leave the built-in value untouched.
type LetterOverride struct {
	Text          string   `yaml:"text"`
	Rate          float64  `yaml:"rate"`
	Pitch         float64  `yaml:"pitch"`
	Volume        float64  `yaml:"volume"`
	ToneHz        float64  `yaml:"tone_hz"`
	Cascade       []string `yaml:"cascade"`
	AudioFallback *bool    `yaml:"audio_fallback"`
}

func Default() Config {
	return Config{
		RuntimeName: "alfabeto",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
			StdoutTraces: false,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "alfabeto-local",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/alfabeto-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Speech: SpeechConfig{
			SettleDelayMS:  100,
			StartTimeoutMS: 4000,
		},
		OnDevice: OnDeviceConfig{
			Enabled:           true,
			Command:           "espeak-ng",
			VoicesCommand:     "espeak-ng --voices",
			PollIntervalMS:    100,
			VoiceWaitMS:       1000,
			RefreshIntervalMS: 30000,
		},
		Remote: RemoteConfig{
			Enabled:       true,
			Endpoint:      "https://translate.google.com/translate_tts",
			Client:        "tw-ob",
			InputEncoding: "UTF-8",
			Language:      "pt",
			UserAgent:     "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36",
			TimeoutMS:     4000,
			MaxClipBytes:  1 << 20,
		},
		Tone: ToneConfig{
			Enabled:    true,
			SampleRate: 22050,
			DurationMS: 1500,
			LowpassHz:  800,
		},
		Playback: PlaybackConfig{
			Mode:    "exec",
			Command: "ffplay -nodisp -autoexit -loglevel error -i pipe:0",
		},
		Policy: PolicyConfig{
			Language: "pt-PT",
			Volume:   1.0,
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
	overrideString(&cfg.RuntimeName, "ALFABETO_RUNTIME_NAME")
	overrideString(&cfg.Environment, "ALFABETO_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "ALFABETO_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "ALFABETO_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "ALFABETO_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "ALFABETO_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "ALFABETO_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "ALFABETO_TELEMETRY_STDOUT_TRACES")
	overrideBool(&cfg.Bus.Enabled, "ALFABETO_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "ALFABETO_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "ALFABETO_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "ALFABETO_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "ALFABETO_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "ALFABETO_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "ALFABETO_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "ALFABETO_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "ALFABETO_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "ALFABETO_NODE_ID")
	overrideString(&cfg.Node.Room, "ALFABETO_NODE_ROOM")
	overrideInt(&cfg.Node.HeartbeatInterval, "ALFABETO_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "ALFABETO_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "ALFABETO_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "ALFABETO_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "ALFABETO_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "ALFABETO_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "ALFABETO_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Speech.SettleDelayMS, "ALFABETO_SPEECH_SETTLE_DELAY_MS")
	overrideInt(&cfg.Speech.StartTimeoutMS, "ALFABETO_SPEECH_START_TIMEOUT_MS")
	overrideBool(&cfg.OnDevice.Enabled, "ALFABETO_ON_DEVICE_ENABLED")
	overrideString(&cfg.OnDevice.Command, "ALFABETO_ON_DEVICE_COMMAND")
	overrideString(&cfg.OnDevice.VoicesCommand, "ALFABETO_ON_DEVICE_VOICES_COMMAND")
	overrideInt(&cfg.OnDevice.PollIntervalMS, "ALFABETO_ON_DEVICE_POLL_INTERVAL_MS")
	overrideInt(&cfg.OnDevice.VoiceWaitMS, "ALFABETO_ON_DEVICE_VOICE_WAIT_MS")
	overrideInt(&cfg.OnDevice.RefreshIntervalMS, "ALFABETO_ON_DEVICE_REFRESH_INTERVAL_MS")
	overrideBool(&cfg.Remote.Enabled, "ALFABETO_REMOTE_ENABLED")
	overrideString(&cfg.Remote.Endpoint, "ALFABETO_REMOTE_ENDPOINT")
	overrideString(&cfg.Remote.Client, "ALFABETO_REMOTE_CLIENT")
	overrideString(&cfg.Remote.InputEncoding, "ALFABETO_REMOTE_INPUT_ENCODING")
	overrideString(&cfg.Remote.Language, "ALFABETO_REMOTE_LANGUAGE")
	overrideString(&cfg.Remote.UserAgent, "ALFABETO_REMOTE_USER_AGENT")
	overrideInt(&cfg.Remote.TimeoutMS, "ALFABETO_REMOTE_TIMEOUT_MS")
	overrideInt(&cfg.Remote.MaxClipBytes, "ALFABETO_REMOTE_MAX_CLIP_BYTES")
	overrideBool(&cfg.Tone.Enabled, "ALFABETO_TONE_ENABLED")
	overrideInt(&cfg.Tone.SampleRate, "ALFABETO_TONE_SAMPLE_RATE")
	overrideInt(&cfg.Tone.DurationMS, "ALFABETO_TONE_DURATION_MS")
	overrideFloat(&cfg.Tone.LowpassHz, "ALFABETO_TONE_LOWPASS_HZ")
	overrideString(&cfg.Playback.Mode, "ALFABETO_PLAYBACK_MODE")
	overrideString(&cfg.Playback.Command, "ALFABETO_PLAYBACK_COMMAND")
	overrideString(&cfg.Policy.Language, "ALFABETO_POLICY_LANGUAGE")
	overrideFloat(&cfg.Policy.Volume, "ALFABETO_POLICY_VOLUME")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
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
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty")
		}
		if cfg.Node.HeartbeatInterval <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat_interval_ms")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Speech.SettleDelayMS < 0 {
		return errors.New("speech.settle_delay_ms must be >= 0")
	}
	if cfg.Speech.StartTimeoutMS <= 0 {
		return errors.New("speech.start_timeout_ms must be positive")
	}
	if cfg.OnDevice.Enabled {
		if cfg.OnDevice.Command == "" {
			return errors.New("on_device.command must be set when on-device speech is enabled")
		}
		if cfg.OnDevice.PollIntervalMS <= 0 {
			return errors.New("on_device.poll_interval_ms must be positive")
		}
	}
	if cfg.Remote.Enabled {
		if cfg.Remote.Endpoint == "" {
			return errors.New("remote.endpoint must be set when remote speech is enabled")
		}
		if cfg.Remote.TimeoutMS <= 0 {
			return errors.New("remote.timeout_ms must be positive")
		}
		if cfg.Remote.MaxClipBytes <= 0 {
			return errors.New("remote.max_clip_bytes must be positive")
		}
	}
	if cfg.Tone.Enabled {
		if cfg.Tone.SampleRate <= 0 {
			return errors.New("tone.sample_rate must be positive")
		}
		if cfg.Tone.DurationMS < 400 {
			return errors.New("tone.duration_ms must be at least 400")
		}
		if cfg.Tone.LowpassHz <= 0 || cfg.Tone.LowpassHz*2 >= float64(cfg.Tone.SampleRate) {
			return errors.New("tone.lowpass_hz must be positive and below the nyquist frequency")
		}
	}
	switch cfg.Playback.Mode {
	case "exec":
		if cfg.Playback.Command == "" {
			return errors.New("playback.command must be set when mode=exec")
		}
	case "device", "discard":
	default:
		return errors.New("playback.mode must be one of exec|device|discard")
	}
	if cfg.Policy.Language == "" {
		return errors.New("policy.language must not be empty")
	}
	if cfg.Policy.Volume <= 0 || cfg.Policy.Volume > 1 {
		return errors.New("policy.volume must be in (0, 1]")
	}
	return nil
}
