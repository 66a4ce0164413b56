// Package config loads the optional YAML tuning file shared by the flowgraph binaries.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dukex/flowgraph/pkg/engine"
	"github.com/dukex/flowgraph/pkg/notify"
	"github.com/dukex/flowgraph/pkg/permission"
	"github.com/dukex/flowgraph/pkg/protocol"
	"github.com/dukex/flowgraph/pkg/scheduler"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// File is the layout of the configuration file. Every section is optional.
type File struct {
	Engine      EngineConfig      `yaml:"engine"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Notify      NotifyConfig      `yaml:"notify"`
}

type EngineConfig struct {
	MaxConcurrentExecutions int           `yaml:"max_concurrent_executions" validate:"gte=0"`
	MaxParallelBranches     int           `yaml:"max_parallel_branches"     validate:"gte=0"`
	DefaultNodeTimeout      time.Duration `yaml:"default_node_timeout"      validate:"gte=0"`
	RetryBaseDelay          time.Duration `yaml:"retry_base_delay"          validate:"gte=0"`
	RetryMaxDelay           time.Duration `yaml:"retry_max_delay"           validate:"gte=0"`
	MaxSteps                int           `yaml:"max_steps"                 validate:"gte=0"`
	ShutdownTimeout         time.Duration `yaml:"shutdown_timeout"          validate:"gte=0"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" validate:"gte=0"`
	LockTTL      time.Duration `yaml:"lock_ttl"      validate:"gte=0"`
	LockPrefix   string        `yaml:"lock_prefix"`
}

// PermissionsConfig is a static role table. An empty table allows everything.
type PermissionsConfig struct {
	Roles   map[string][]string `yaml:"roles"`
	Members map[string][]string `yaml:"members"`
}

// NotifyConfig relays email and SMS messages to HTTP endpoints. Channels
// without a URL are only logged.
type NotifyConfig struct {
	EmailWebhookURL string            `yaml:"email_webhook_url" validate:"omitempty,url"`
	SMSWebhookURL   string            `yaml:"sms_webhook_url"   validate:"omitempty,url"`
	Headers         map[string]string `yaml:"headers"`
}

const defaultShutdownTimeout = 30 * time.Second

// Load reads path. An empty path yields the defaults.
func Load(path string) (*File, error) {
	file := &File{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		err = yaml.Unmarshal(data, file)
		if err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	err := validator.New(validator.WithRequiredStructEnabled()).Struct(file)
	if err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}

	if file.Engine.ShutdownTimeout == 0 {
		file.Engine.ShutdownTimeout = defaultShutdownTimeout
	}

	if file.Scheduler.LockPrefix == "" {
		file.Scheduler.LockPrefix = "flowgraph:schedule:"
	}

	return file, nil
}

// EngineConfig converts the engine section. Zero fields take the engine defaults.
func (f *File) EngineConfig() engine.Config {
	return engine.Config{
		MaxConcurrentExecutions: f.Engine.MaxConcurrentExecutions,
		MaxParallelBranches:     f.Engine.MaxParallelBranches,
		DefaultNodeTimeout:      f.Engine.DefaultNodeTimeout,
		RetryBaseDelay:          f.Engine.RetryBaseDelay,
		RetryMaxDelay:           f.Engine.RetryMaxDelay,
		MaxSteps:                f.Engine.MaxSteps,
	}
}

func (f *File) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		PollInterval: f.Scheduler.PollInterval,
		LockTTL:      f.Scheduler.LockTTL,
	}
}

func (f *File) PermissionChecker() protocol.PermissionChecker {
	if len(f.Permissions.Roles) == 0 {
		return permission.AllowAll{}
	}

	return permission.Static{Roles: f.Permissions.Roles, Members: f.Permissions.Members}
}

// Sender routes email and SMS to their webhooks, falling back to the log.
func (f *File) Sender(logger *slog.Logger) protocol.Sender {
	var opts []notify.WebhookOption
	for key, value := range f.Notify.Headers {
		opts = append(opts, notify.WithHeader(key, value))
	}

	router := notify.Router{}

	for channel, url := range map[protocol.Channel]string{
		protocol.ChannelEmail: f.Notify.EmailWebhookURL,
		protocol.ChannelSMS:   f.Notify.SMSWebhookURL,
	} {
		if url == "" {
			router[channel] = notify.NewLogSender(logger)

			continue
		}

		router[channel] = notify.NewWebhookSender(url, logger, opts...)
	}

	return router
}
