package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
)

// readSecret reads a secret from a file path specified by an env var with
// _FILE suffix. If FOO is already set directly, the file is skipped.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	RunPod  RunPodConfig
	Pod     PodConfig
	SSH     SSHConfig
	Comfy   ComfyConfig
	Retry   RetryConfig
	Monitor MonitorConfig
	Log     LogConfig
}

type RunPodConfig struct {
	APIKey  string
	BaseURL string
}

// PodConfig holds the control-plane spec used when the orchestrator
// creates pods itself.
type PodConfig struct {
	NamePrefix      string
	Image           string
	GPUType         string
	GPUCount        int
	DiskGB          int
	NetworkVolumeID string
	Ports           string
	DataCenter      string
}

type SSHConfig struct {
	User    string
	KeyPath string
}

type ComfyConfig struct {
	Dir               string
	StartupScript     string
	WorkflowDirs      []string
	PollIntervalSec   int
	MessageWaitSec    int
	GenerationTimeout int // seconds
	StartupTimeout    int // seconds
	ProvisionTimeout  int // seconds
}

type RetryConfig struct {
	MaxRetries  int
	BackoffSec  int
	Exponential bool
}

type MonitorConfig struct {
	Enabled bool
	Port    string
	Secret  string // bearer-token auth when non-empty
}

type LogConfig struct {
	Level  string
	Format string // "json" or "text"
}

func Load() (*Config, error) {
	readSecret("RUNPOD_API_KEY")
	readSecret("MONITOR_SECRET")

	viper.SetConfigName("podbatch")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.AutomaticEnv()

	_ = viper.BindEnv("runpod.api_key", "RUNPOD_API_KEY")
	_ = viper.BindEnv("runpod.base_url", "RUNPOD_BASE_URL")
	_ = viper.BindEnv("pod.name_prefix", "POD_NAME_PREFIX")
	_ = viper.BindEnv("pod.image", "POD_IMAGE")
	_ = viper.BindEnv("pod.gpu_type", "POD_GPU_TYPE")
	_ = viper.BindEnv("pod.network_volume_id", "POD_NETWORK_VOLUME_ID")
	_ = viper.BindEnv("pod.data_center", "POD_DATA_CENTER")
	_ = viper.BindEnv("ssh.user", "SSH_USER")
	_ = viper.BindEnv("ssh.key_path", "SSH_KEY_PATH")
	_ = viper.BindEnv("comfy.dir", "COMFYUI_DIR")
	_ = viper.BindEnv("monitor.enabled", "MONITOR_ENABLED")
	_ = viper.BindEnv("monitor.port", "MONITOR_PORT")
	_ = viper.BindEnv("monitor.secret", "MONITOR_SECRET")
	_ = viper.BindEnv("log.level", "LOG_LEVEL")
	_ = viper.BindEnv("log.format", "LOG_FORMAT")

	// Defaults
	viper.SetDefault("runpod.base_url", "https://api.runpod.io/graphql")
	viper.SetDefault("pod.name_prefix", "podbatch-worker")
	viper.SetDefault("pod.image", "runpod/comfyui:latest-5090")
	viper.SetDefault("pod.gpu_type", "NVIDIA RTX PRO 6000 Blackwell Server Edition")
	viper.SetDefault("pod.gpu_count", 1)
	viper.SetDefault("pod.disk_gb", 150)
	viper.SetDefault("pod.ports", "8188/http,22/tcp")
	viper.SetDefault("ssh.user", "root")
	viper.SetDefault("ssh.key_path", "~/.ssh/id_ed25519")
	viper.SetDefault("comfy.dir", "/workspace/ComfyUI")
	viper.SetDefault("comfy.startup_script", "/workspace/start_comfyui.sh")
	viper.SetDefault("comfy.workflow_dirs", []string{
		"/workspace/ComfyUI/workflows_api",
		"/workspace/ComfyUI/user/default/workflows",
		"/workspace/ComfyUI/workflows",
	})
	viper.SetDefault("comfy.poll_interval", 5)
	viper.SetDefault("comfy.message_wait", 7)
	viper.SetDefault("comfy.generation_timeout", 600)
	viper.SetDefault("comfy.startup_timeout", 300)
	viper.SetDefault("comfy.provision_timeout", 300)
	viper.SetDefault("retry.max_retries", 2)
	viper.SetDefault("retry.backoff", 5)
	viper.SetDefault("retry.exponential", false)
	viper.SetDefault("monitor.enabled", false)
	viper.SetDefault("monitor.port", "8811")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")

	// Config file is optional
	_ = viper.ReadInConfig()

	cfg := &Config{
		RunPod: RunPodConfig{
			APIKey:  viper.GetString("runpod.api_key"),
			BaseURL: viper.GetString("runpod.base_url"),
		},
		Pod: PodConfig{
			NamePrefix:      viper.GetString("pod.name_prefix"),
			Image:           viper.GetString("pod.image"),
			GPUType:         viper.GetString("pod.gpu_type"),
			GPUCount:        viper.GetInt("pod.gpu_count"),
			DiskGB:          viper.GetInt("pod.disk_gb"),
			NetworkVolumeID: viper.GetString("pod.network_volume_id"),
			Ports:           viper.GetString("pod.ports"),
			DataCenter:      viper.GetString("pod.data_center"),
		},
		SSH: SSHConfig{
			User:    viper.GetString("ssh.user"),
			KeyPath: viper.GetString("ssh.key_path"),
		},
		Comfy: ComfyConfig{
			Dir:               viper.GetString("comfy.dir"),
			StartupScript:     viper.GetString("comfy.startup_script"),
			WorkflowDirs:      viper.GetStringSlice("comfy.workflow_dirs"),
			PollIntervalSec:   viper.GetInt("comfy.poll_interval"),
			MessageWaitSec:    viper.GetInt("comfy.message_wait"),
			GenerationTimeout: viper.GetInt("comfy.generation_timeout"),
			StartupTimeout:    viper.GetInt("comfy.startup_timeout"),
			ProvisionTimeout:  viper.GetInt("comfy.provision_timeout"),
		},
		Retry: RetryConfig{
			MaxRetries:  viper.GetInt("retry.max_retries"),
			BackoffSec:  viper.GetInt("retry.backoff"),
			Exponential: viper.GetBool("retry.exponential"),
		},
		Monitor: MonitorConfig{
			Enabled: viper.GetBool("monitor.enabled"),
			Port:    viper.GetString("monitor.port"),
			Secret:  viper.GetString("monitor.secret"),
		},
		Log: LogConfig{
			Level:  viper.GetString("log.level"),
			Format: viper.GetString("log.format"),
		},
	}

	return cfg, nil
}
