package jobregistry

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ModePolicy selects between simulated and real execution.
type ModePolicy string

const (
	PolicyAuto ModePolicy = "auto"
	PolicyMock ModePolicy = "mock"
	PolicyReal ModePolicy = "real"
)

const (
	DefaultTimeout     = 1800 * time.Second
	MinTimeout         = 5 * time.Second
	DefaultGracePeriod = 3 * time.Second
	DefaultEpochs      = 1
)

// ParseModePolicy normalizes s; unknown values fall back to auto.
func ParseModePolicy(s string) ModePolicy {
	switch ModePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case PolicyMock:
		return PolicyMock
	case PolicyReal:
		return PolicyReal
	default:
		return PolicyAuto
	}
}

// Settings are the executor knobs read at submission time.
type Settings struct {
	Mode          ModePolicy
	RunnerCommand []string
	Timeout       time.Duration
	Epochs        int
	ArtifactsDir  string
	WorkDir       string
	GracePeriod   time.Duration
}

// UseReal reports whether a newly submitted job should spawn a process.
func (s Settings) UseReal() bool {
	switch s.Mode {
	case PolicyMock:
		return false
	case PolicyReal:
		return true
	default:
		return len(s.RunnerCommand) > 0
	}
}

// EffectiveTimeout applies the default and the 5s floor.
func (s Settings) EffectiveTimeout() time.Duration {
	if s.Timeout == 0 {
		return DefaultTimeout
	}
	if s.Timeout < MinTimeout {
		return MinTimeout
	}
	return s.Timeout
}

func (s Settings) EffectiveGracePeriod() time.Duration {
	if s.GracePeriod <= 0 {
		return DefaultGracePeriod
	}
	return s.GracePeriod
}

func (s Settings) EffectiveEpochs() int {
	if s.Epochs <= 0 {
		return DefaultEpochs
	}
	return s.Epochs
}

// SettingsProvider supplies current Settings. Implementations may reload.
type SettingsProvider interface {
	Settings() Settings
}

// StaticSettings is a SettingsProvider that never changes.
type StaticSettings Settings

func (s StaticSettings) Settings() Settings {
	return Settings(s)
}

// CommandResolver builds the argv for a job.
type CommandResolver interface {
	Resolve(rec JobRecord, s Settings) (name string, args []string, err error)
}

// TemplateResolver appends the job's run flags to Settings.RunnerCommand:
//
//	<cmd...> --run-id R --artifacts-dir D --model-type M --feature-mode F --epochs N --verbose 0
type TemplateResolver struct{}

func (TemplateResolver) Resolve(rec JobRecord, s Settings) (string, []string, error) {
	if len(s.RunnerCommand) == 0 || strings.TrimSpace(s.RunnerCommand[0]) == "" {
		return "", nil, fmt.Errorf("runner command is not configured")
	}
	artifactsDir := s.ArtifactsDir
	if artifactsDir != "" {
		if abs, err := filepath.Abs(artifactsDir); err == nil {
			artifactsDir = abs
		}
	}
	args := append([]string{}, s.RunnerCommand[1:]...)
	args = append(args,
		"--run-id", rec.RunID,
		"--artifacts-dir", artifactsDir,
		"--model-type", rec.ModelType,
		"--feature-mode", rec.FeatureMode,
		"--epochs", strconv.Itoa(s.EffectiveEpochs()),
		"--verbose", "0",
	)
	return s.RunnerCommand[0], args, nil
}

// Finalizer materializes artifacts for a run that exited cleanly.
type Finalizer interface {
	Finalize(ctx context.Context, rec JobRecord) error
}

// FinalizerFunc adapts a function to Finalizer.
type FinalizerFunc func(ctx context.Context, rec JobRecord) error

func (f FinalizerFunc) Finalize(ctx context.Context, rec JobRecord) error {
	return f(ctx, rec)
}
