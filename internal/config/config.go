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

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Audio       AudioConfig     `yaml:"audio"`
	Models      ModelsConfig    `yaml:"models"`
	Decoder     DecoderConfig   `yaml:"decoder"`
	Channel     ChannelConfig   `yaml:"channel"`
	History     HistoryConfig   `yaml:"history"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
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

// AudioConfig drives capture, gating and segment accumulation.
type AudioConfig struct {
	Source      string  `yaml:"source"` // exec, wav
	Command     string  `yaml:"command"`
	File        string  `yaml:"file"`
	SampleRate  int     `yaml:"sample_rate"`
	BlockSize   int     `yaml:"block_size"`
	Threshold   float64 `yaml:"threshold"`
	ChunkBlocks int     `yaml:"chunk_blocks"`
	FlushOnStop bool    `yaml:"flush_on_stop"`
	AutoStart   bool    `yaml:"auto_start"`
}

// Asset names one downloadable model dependency.
type Asset struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

type ModelsConfig struct {
	CacheDir         string `yaml:"cache_dir"`
	DownloadAttempts int    `yaml:"download_attempts"`
	Runtime          Asset  `yaml:"runtime"`
	Encoder          Asset  `yaml:"encoder"`
	Decoder          Asset  `yaml:"decoder"`
	Joiner           Asset  `yaml:"joiner"`
	Tokens           Asset  `yaml:"tokens"`
}

type DecoderConfig struct {
	Mode       string `yaml:"mode"` // wasm, mock
	NumThreads int    `yaml:"num_threads"`
	Debug      bool   `yaml:"debug"`
}

type ChannelConfig struct {
	QueueDepth int `yaml:"queue_depth"`
}

type HistoryConfig struct {
	Path string `yaml:"path"`
}

const reazonBaseURL = "https://huggingface.co/reazon-research/reazonspeech-k2-v2/resolve/main/"

func Default() Config {
	return Config{
		RuntimeName: "loqa-transcribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Audio: AudioConfig{
			Source:      "exec",
			Command:     "arecord -q -t raw -f S16_LE -r 16000 -c 1",
			SampleRate:  16000,
			BlockSize:   4096,
			Threshold:   0.015,
			ChunkBlocks: 30,
			AutoStart:   true,
		},
		Models: ModelsConfig{
			CacheDir:         "./data/models",
			DownloadAttempts: 3,
			Runtime: Asset{
				Name: "sherpa-onnx-asr.wasm",
				URL:  "https://huggingface.co/spaces/k2-fsa/automatic-speech-recognition/resolve/main/wasm/sherpa-onnx-asr.wasm",
			},
			Encoder: Asset{Name: "encoder.onnx", URL: reazonBaseURL + "encoder-epoch-99-avg-1.int8.onnx"},
			Decoder: Asset{Name: "decoder.onnx", URL: reazonBaseURL + "decoder-epoch-99-avg-1.int8.onnx"},
			Joiner:  Asset{Name: "joiner.onnx", URL: reazonBaseURL + "joiner-epoch-99-avg-1.int8.onnx"},
			Tokens:  Asset{Name: "tokens.txt", URL: reazonBaseURL + "tokens.txt"},
		},
		Decoder: DecoderConfig{
			Mode:       "wasm",
			NumThreads: 1,
			Debug:      true,
		},
		Channel: ChannelConfig{
			QueueDepth: 8,
		},
		History: HistoryConfig{
			Path: "./data/history.db",
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
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Audio.Source, "LOQA_AUDIO_SOURCE")
	overrideString(&cfg.Audio.Command, "LOQA_AUDIO_COMMAND")
	overrideString(&cfg.Audio.File, "LOQA_AUDIO_FILE")
	overrideInt(&cfg.Audio.SampleRate, "LOQA_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.BlockSize, "LOQA_AUDIO_BLOCK_SIZE")
	overrideFloat(&cfg.Audio.Threshold, "LOQA_AUDIO_THRESHOLD")
	overrideInt(&cfg.Audio.ChunkBlocks, "LOQA_AUDIO_CHUNK_BLOCKS")
	overrideBool(&cfg.Audio.FlushOnStop, "LOQA_AUDIO_FLUSH_ON_STOP")
	overrideBool(&cfg.Audio.AutoStart, "LOQA_AUDIO_AUTO_START")
	overrideString(&cfg.Models.CacheDir, "LOQA_MODELS_CACHE_DIR")
	overrideInt(&cfg.Models.DownloadAttempts, "LOQA_MODELS_DOWNLOAD_ATTEMPTS")
	overrideString(&cfg.Models.Runtime.URL, "LOQA_MODELS_RUNTIME_URL")
	overrideString(&cfg.Models.Encoder.URL, "LOQA_MODELS_ENCODER_URL")
	overrideString(&cfg.Models.Decoder.URL, "LOQA_MODELS_DECODER_URL")
	overrideString(&cfg.Models.Joiner.URL, "LOQA_MODELS_JOINER_URL")
	overrideString(&cfg.Models.Tokens.URL, "LOQA_MODELS_TOKENS_URL")
	overrideString(&cfg.Decoder.Mode, "LOQA_DECODER_MODE")
	overrideInt(&cfg.Decoder.NumThreads, "LOQA_DECODER_NUM_THREADS")
	overrideBool(&cfg.Decoder.Debug, "LOQA_DECODER_DEBUG")
	overrideInt(&cfg.Channel.QueueDepth, "LOQA_CHANNEL_QUEUE_DEPTH")
	overrideString(&cfg.History.Path, "LOQA_HISTORY_PATH")
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
	}
	switch cfg.Audio.Source {
	case "exec":
		if strings.TrimSpace(cfg.Audio.Command) == "" {
			return errors.New("audio.command must be set when source=exec")
		}
	case "wav":
		if cfg.Audio.File == "" {
			return errors.New("audio.file must be set when source=wav")
		}
	default:
		return errors.New("audio.source must be one of exec|wav")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.BlockSize <= 0 {
		return errors.New("audio.block_size must be positive")
	}
	if cfg.Audio.ChunkBlocks <= 0 {
		return errors.New("audio.chunk_blocks must be positive")
	}
	if cfg.Audio.Threshold < 0 || cfg.Audio.Threshold >= 1 {
		return errors.New("audio.threshold must be in [0, 1)")
	}
	if cfg.Models.CacheDir == "" {
		return errors.New("models.cache_dir must not be empty")
	}
	if cfg.Models.DownloadAttempts <= 0 {
		return errors.New("models.download_attempts must be >= 1")
	}
	switch cfg.Decoder.Mode {
	case "mock":
	case "wasm":
		for _, a := range cfg.Models.Assets() {
			if a.Name == "" || a.URL == "" {
				return fmt.Errorf("models: asset %q requires name and url", a.Name)
			}
		}
	default:
		return errors.New("decoder.mode must be one of wasm|mock")
	}
	if cfg.Decoder.NumThreads <= 0 {
		return errors.New("decoder.num_threads must be positive")
	}
	if cfg.Channel.QueueDepth < 0 {
		return errors.New("channel.queue_depth must be >= 0")
	}
	if cfg.History.Path == "" {
		return errors.New("history.path must not be empty")
	}
	return nil
}

// Assets lists every model dependency, runtime image first.
func (m ModelsConfig) Assets() []Asset {
	return []Asset{m.Runtime, m.Encoder, m.Decoder, m.Joiner, m.Tokens}
}
