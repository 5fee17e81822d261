package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/NodePath81/droprate/internal/search"
	"github.com/NodePath81/droprate/internal/soak"
	"github.com/NodePath81/droprate/internal/util"
)

const (
	defaultLogLevel = "info"

	defaultControlAddr           = "127.0.0.1"
	defaultControlPort           = 8080
	defaultControlEnabled        = false
	defaultControlMetricsEnabled = true

	defaultJournalPath = "droprate.db"

	defaultRepetitions = 1

	defaultSimulatorModel       = ModelStep
	defaultSimulatorLossAbove   = 1.0
	defaultSimulatorExcessRatio = 0.5

	KindNDRPDR   = "ndrpdr"
	KindSoak     = "soak"
	ModelStep    = "step"
	ModelPoisson = "poisson"

	EnvAuthToken   = "DROPRATE_AUTH_TOKEN"
	EnvJournalPath = "DROPRATE_JOURNAL_PATH"

	maxSessions = 64
)

type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	switch value.Tag {
	case "!!int", "!!float":
		var secs float64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	default:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		if raw == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Hostname string          `yaml:"hostname"`
	Log      LogConfig       `yaml:"log"`
	Control  ControlConfig   `yaml:"control"`
	Journal  JournalConfig   `yaml:"journal"`
	Sessions []SessionConfig `yaml:"sessions" validate:"required,min=1,dive"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

type ControlConfig struct {
	Enabled   *bool                `yaml:"enabled"`
	BindAddr  string               `yaml:"bind_addr" validate:"required"`
	BindPort  int                  `yaml:"bind_port" validate:"min=1,max=65535"`
	AuthToken string               `yaml:"auth_token"`
	Metrics   ControlMetricsConfig `yaml:"metrics"`
}

type ControlMetricsConfig struct {
	Enabled *bool `yaml:"enabled"`
}

type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// SessionConfig describes one search run against one simulated system.
type SessionConfig struct {
	Name        string          `yaml:"name" validate:"required"`
	Kind        string          `yaml:"kind" validate:"oneof=ndrpdr soak"`
	Repetitions int             `yaml:"repetitions" validate:"min=1,max=1000"`
	MinRate     string          `yaml:"min_rate" validate:"required"`
	MaxRate     string          `yaml:"max_rate" validate:"required"`
	Search      SearchConfig    `yaml:"search"`
	Soak        SoakConfig      `yaml:"soak"`
	Simulator   SimulatorConfig `yaml:"simulator"`

	MinRatePPS float64 `yaml:"-"`
	MaxRatePPS float64 `yaml:"-"`
}

// SearchConfig is the bisection part of a session. An explicit zero for
// timeout or max_iterations disables that budget.
type SearchConfig struct {
	LossRatios           []float64 `yaml:"loss_ratios" validate:"dive,gte=0,lt=1"`
	FinalRelativeWidth   float64   `yaml:"final_relative_width" validate:"gte=0,lt=1"`
	InitialTrialDuration Duration  `yaml:"initial_trial_duration"`
	FinalTrialDuration   Duration  `yaml:"final_trial_duration"`
	IntermediatePhases   *int      `yaml:"intermediate_phases"`
	Doublings            int       `yaml:"doublings" validate:"gte=0"`
	Timeout              *Duration `yaml:"timeout"`
	MaxIterations        *int      `yaml:"max_iterations" validate:"omitempty,gte=0"`
}

type SoakConfig struct {
	TargetLossRatio       float64  `yaml:"target_loss_ratio" validate:"gte=0,lt=1"`
	TargetLossPerSecond   float64  `yaml:"target_loss_per_second" validate:"gte=0"`
	TrialDurationPerTrial Duration `yaml:"trial_duration_per_trial"`
	TrialNumberOffset     int      `yaml:"trial_number_offset" validate:"gte=0"`
	Timeout               Duration `yaml:"timeout"`
	WidthGoal             float64  `yaml:"width_goal" validate:"gte=0"`
	MaxSamples            int      `yaml:"max_samples" validate:"gte=0"`
	SampleBudget          Duration `yaml:"sample_budget"`
	Seed                  int64    `yaml:"seed"`
}

// SimulatorConfig selects the stand-in system under test.
type SimulatorConfig struct {
	Model       string  `yaml:"model" validate:"oneof=step poisson"`
	Threshold   string  `yaml:"threshold"`
	LossAbove   float64 `yaml:"loss_above" validate:"gte=0,lte=1"`
	SafeRate    string  `yaml:"safe_rate"`
	ExcessRatio float64 `yaml:"excess_ratio" validate:"gte=0,lte=1"`
	Seed        int64   `yaml:"seed"`

	ThresholdPPS float64 `yaml:"-"`
	SafeRatePPS  float64 `yaml:"-"`
}

func (c ControlConfig) IsEnabled() bool {
	return util.BoolValue(c.Enabled, defaultControlEnabled)
}

func (m ControlMetricsConfig) IsEnabled() bool {
	return util.BoolValue(m.Enabled, defaultControlMetricsEnabled)
}

func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(raw)
}

// Parse decodes a YAML document and applies defaults, environment
// overrides and validation.
func Parse(raw []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, err
	}
	cfg.setDefaults()
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))

	if c.Control.BindAddr == "" {
		c.Control.BindAddr = defaultControlAddr
	}
	if c.Control.BindPort == 0 {
		c.Control.BindPort = defaultControlPort
	}
	if c.Journal.Path == "" {
		c.Journal.Path = defaultJournalPath
	}

	for i := range c.Sessions {
		s := &c.Sessions[i]
		s.Name = strings.TrimSpace(s.Name)
		s.Kind = strings.ToLower(strings.TrimSpace(s.Kind))
		if s.Repetitions == 0 {
			s.Repetitions = defaultRepetitions
		}
		setSearchDefaults(&s.Search)
		setSoakDefaults(&s.Soak)
		if s.Simulator.Model == "" {
			s.Simulator.Model = defaultSimulatorModel
		}
		s.Simulator.Model = strings.ToLower(strings.TrimSpace(s.Simulator.Model))
		if s.Simulator.LossAbove == 0 {
			s.Simulator.LossAbove = defaultSimulatorLossAbove
		}
		if s.Simulator.ExcessRatio == 0 {
			s.Simulator.ExcessRatio = defaultSimulatorExcessRatio
		}
	}
}

func setSearchDefaults(cfg *SearchConfig) {
	if len(cfg.LossRatios) == 0 {
		cfg.LossRatios = []float64{0, 0.005}
	}
	if cfg.FinalRelativeWidth == 0 {
		cfg.FinalRelativeWidth = search.DefaultFinalRelativeWidth
	}
	if cfg.InitialTrialDuration == 0 {
		cfg.InitialTrialDuration = Duration(search.DefaultInitialTrialDuration)
	}
	if cfg.FinalTrialDuration == 0 {
		cfg.FinalTrialDuration = Duration(search.DefaultFinalTrialDuration)
	}
	if cfg.IntermediatePhases == nil {
		val := search.DefaultIntermediatePhases
		cfg.IntermediatePhases = &val
	}
	if cfg.Doublings == 0 {
		cfg.Doublings = search.DefaultDoublings
	}
	if cfg.Timeout == nil {
		val := Duration(search.DefaultTimeout)
		cfg.Timeout = &val
	}
	if cfg.MaxIterations == nil {
		val := search.DefaultMaxIterations
		cfg.MaxIterations = &val
	}
}

func setSoakDefaults(cfg *SoakConfig) {
	if cfg.TargetLossRatio == 0 {
		cfg.TargetLossRatio = soak.DefaultTargetLossRatio
	}
	if cfg.TrialDurationPerTrial == 0 {
		cfg.TrialDurationPerTrial = Duration(soak.DefaultTrialDurationPerTrial)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = Duration(soak.DefaultTimeout)
	}
	if cfg.WidthGoal == 0 {
		cfg.WidthGoal = soak.DefaultWidthGoal
	}
}

func (c *Config) applyEnv() {
	if token := os.Getenv(EnvAuthToken); token != "" {
		c.Control.AuthToken = token
	}
	if path := os.Getenv(EnvJournalPath); path != "" {
		c.Journal.Path = path
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (c *Config) validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s: invalid value %v (%s %s)", fieldPath(fe.Namespace()), fe.Value(), fe.Tag(), fe.Param())
		}
		return err
	}
	if len(c.Sessions) > maxSessions {
		return fmt.Errorf("too many sessions: %d (max %d)", len(c.Sessions), maxSessions)
	}
	if c.Control.IsEnabled() && c.Control.AuthToken == "" {
		return errors.New("control.auth_token must not be empty when control is enabled")
	}
	if c.Journal.Enabled && strings.TrimSpace(c.Journal.Path) == "" {
		return errors.New("journal.path must not be empty")
	}

	seen := make(map[string]struct{}, len(c.Sessions))
	for i := range c.Sessions {
		s := &c.Sessions[i]
		if _, ok := seen[s.Name]; ok {
			return fmt.Errorf("duplicate session name: %s", s.Name)
		}
		seen[s.Name] = struct{}{}
		if err := s.resolve(); err != nil {
			return fmt.Errorf("sessions[%s]: %w", s.Name, err)
		}
	}
	return nil
}

// resolve parses rate strings and checks the derived search settings.
func (s *SessionConfig) resolve() error {
	var err error
	if s.MinRatePPS, err = ParseRate(s.MinRate); err != nil {
		return fmt.Errorf("min_rate: %w", err)
	}
	if s.MaxRatePPS, err = ParseRate(s.MaxRate); err != nil {
		return fmt.Errorf("max_rate: %w", err)
	}
	switch s.Simulator.Model {
	case ModelStep:
		if s.Simulator.Threshold == "" {
			return errors.New("simulator.threshold must be set for the step model")
		}
		if s.Simulator.ThresholdPPS, err = ParseRate(s.Simulator.Threshold); err != nil {
			return fmt.Errorf("simulator.threshold: %w", err)
		}
	case ModelPoisson:
		if s.Simulator.SafeRate == "" {
			return errors.New("simulator.safe_rate must be set for the poisson model")
		}
		if s.Simulator.SafeRatePPS, err = ParseRate(s.Simulator.SafeRate); err != nil {
			return fmt.Errorf("simulator.safe_rate: %w", err)
		}
	}
	switch s.Kind {
	case KindNDRPDR:
		return s.SearchConfig().Validate()
	case KindSoak:
		return s.SoakConfig().Validate()
	}
	return nil
}

// SearchConfig converts the session into a bisection search config.
func (s SessionConfig) SearchConfig() search.Config {
	cfg := search.DefaultConfig(s.MinRatePPS, s.MaxRatePPS, s.Search.LossRatios...)
	cfg.FinalRelativeWidth = s.Search.FinalRelativeWidth
	cfg.InitialTrialDuration = s.Search.InitialTrialDuration.Duration()
	cfg.FinalTrialDuration = s.Search.FinalTrialDuration.Duration()
	if s.Search.IntermediatePhases != nil {
		cfg.IntermediatePhases = *s.Search.IntermediatePhases
	}
	cfg.Doublings = s.Search.Doublings
	if s.Search.Timeout != nil {
		cfg.Timeout = s.Search.Timeout.Duration()
	}
	if s.Search.MaxIterations != nil {
		cfg.MaxIterations = *s.Search.MaxIterations
	}
	return cfg
}

// SoakConfig converts the session into a soak search config.
func (s SessionConfig) SoakConfig() soak.Config {
	cfg := soak.DefaultConfig(s.MinRatePPS, s.MaxRatePPS)
	cfg.TargetLossRatio = s.Soak.TargetLossRatio
	cfg.TargetLossPerSecond = s.Soak.TargetLossPerSecond
	cfg.TrialDurationPerTrial = s.Soak.TrialDurationPerTrial.Duration()
	cfg.TrialNumberOffset = s.Soak.TrialNumberOffset
	cfg.Timeout = s.Soak.Timeout.Duration()
	cfg.WidthGoal = s.Soak.WidthGoal
	cfg.Integrator = soak.IntegratorConfig{
		MaxSamples:   s.Soak.MaxSamples,
		SampleBudget: s.Soak.SampleBudget.Duration(),
		Seed:         s.Soak.Seed,
	}
	return cfg
}

// fieldPath drops the root type name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
