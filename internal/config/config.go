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
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
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
}

type NoteStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
	MaxNotes      int    `yaml:"max_notes"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type CaptureConfig struct {
	Enabled          bool `yaml:"enabled"`
	HeartbeatTimeout int  `yaml:"heartbeat_timeout_ms"`
}

// STTConfig selects and parameterizes the transcription provider.
type STTConfig struct {
	Provider   string         `yaml:"provider"`
	SampleRate int            `yaml:"sample_rate"`
	Channels   int            `yaml:"channels"`
	OnDevice   OnDeviceConfig `yaml:"on_device"`
	Cloud      CloudConfig    `yaml:"cloud"`
}

type OnDeviceConfig struct {
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	ModelURL  string `yaml:"model_url"`
	Language  string `yaml:"language"`
}

type CloudConfig struct {
	Endpoint       string `yaml:"endpoint"`
	Model          string `yaml:"model"`
	Language       string `yaml:"language"`
	APIKey         string `yaml:"-"`
	ConnectTimeout int    `yaml:"connect_timeout_ms"`
	RequestTimeout int    `yaml:"request_timeout_ms"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Capture     CaptureConfig   `yaml:"capture"`
	NoteStore   NoteStoreConfig `yaml:"note_store"`
	STT         STTConfig       `yaml:"stt"`
}

func Default() Config {
	return Config{
		RuntimeName: "voxnote-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Capture: CaptureConfig{
			Enabled:          true,
			HeartbeatTimeout: 6000,
		},
		NoteStore: NoteStoreConfig{
			Path:          "./data/voxnote.db",
			RetentionDays: 0,
			MaxNotes:      0,
		},
		STT: STTConfig{
			Provider:   "on-device",
			SampleRate: 16000,
			Channels:   1,
			OnDevice: OnDeviceConfig{
				Command:   "voxnote-recognizer",
				ModelPath: "./data/models/recognizer-small-en",
				Language:  "en",
			},
			Cloud: CloudConfig{
				Endpoint:       "https://api.openai.com/v1/audio/transcriptions",
				Model:          "whisper-1",
				Language:       "en",
				ConnectTimeout: 30000,
				RequestTimeout: 60000,
			},
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
	overrideString(&cfg.RuntimeName, "VOXNOTE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOXNOTE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOXNOTE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOXNOTE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOXNOTE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOXNOTE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOXNOTE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "VOXNOTE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOXNOTE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "VOXNOTE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "VOXNOTE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOXNOTE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOXNOTE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOXNOTE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOXNOTE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOXNOTE_BUS_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.Capture.Enabled, "VOXNOTE_CAPTURE_ENABLED")
	overrideInt(&cfg.Capture.HeartbeatTimeout, "VOXNOTE_CAPTURE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.NoteStore.Path, "VOXNOTE_NOTE_STORE_PATH")
	overrideInt(&cfg.NoteStore.RetentionDays, "VOXNOTE_NOTE_STORE_RETENTION_DAYS")
	overrideInt(&cfg.NoteStore.MaxNotes, "VOXNOTE_NOTE_STORE_MAX_NOTES")
	overrideBool(&cfg.NoteStore.VacuumOnStart, "VOXNOTE_NOTE_STORE_VACUUM_ON_START")
	overrideString(&cfg.STT.Provider, "VOXNOTE_STT_PROVIDER")
	overrideInt(&cfg.STT.SampleRate, "VOXNOTE_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "VOXNOTE_STT_CHANNELS")
	overrideString(&cfg.STT.OnDevice.Command, "VOXNOTE_STT_ONDEVICE_COMMAND")
	overrideString(&cfg.STT.OnDevice.ModelPath, "VOXNOTE_STT_ONDEVICE_MODEL_PATH")
	overrideString(&cfg.STT.OnDevice.ModelURL, "VOXNOTE_STT_ONDEVICE_MODEL_URL")
	overrideString(&cfg.STT.OnDevice.Language, "VOXNOTE_STT_ONDEVICE_LANGUAGE")
	overrideString(&cfg.STT.Cloud.Endpoint, "VOXNOTE_STT_CLOUD_ENDPOINT")
	overrideString(&cfg.STT.Cloud.Model, "VOXNOTE_STT_CLOUD_MODEL")
	overrideString(&cfg.STT.Cloud.Language, "VOXNOTE_STT_CLOUD_LANGUAGE")
	overrideString(&cfg.STT.Cloud.APIKey, "VOXNOTE_STT_CLOUD_API_KEY")
	overrideInt(&cfg.STT.Cloud.ConnectTimeout, "VOXNOTE_STT_CLOUD_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.STT.Cloud.RequestTimeout, "VOXNOTE_STT_CLOUD_REQUEST_TIMEOUT_MS")
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Capture.Enabled && cfg.Capture.HeartbeatTimeout <= 0 {
		return errors.New("capture.heartbeat_timeout_ms must be positive")
	}
	if cfg.NoteStore.Path == "" {
		return errors.New("note_store.path must not be empty")
	}
	if cfg.NoteStore.RetentionDays < 0 {
		return errors.New("note_store.retention_days must be >= 0")
	}
	switch cfg.STT.Provider {
	case "on-device", "cloud":
	default:
		return errors.New("stt.provider must be one of on-device|cloud")
	}
	if cfg.STT.SampleRate <= 0 {
		return errors.New("stt.sample_rate must be positive")
	}
	if cfg.STT.Channels <= 0 {
		return errors.New("stt.channels must be positive")
	}
	if cfg.STT.OnDevice.Command == "" {
		return errors.New("stt.on_device.command must not be empty")
	}
	if cfg.STT.Cloud.Endpoint == "" {
		return errors.New("stt.cloud.endpoint must not be empty")
	}
	if cfg.STT.Cloud.ConnectTimeout <= 0 || cfg.STT.Cloud.RequestTimeout <= 0 {
		return errors.New("stt.cloud timeouts must be positive")
	}
	return nil
}
