package execution

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/dentix-ortho/goaltest-server/packages/common"
	"github.com/dentix-ortho/goaltest-server/packages/config"
	"github.com/dentix-ortho/goaltest-server/packages/store"
)

// Process is a started runner process.
type Process interface {
	Signal(sig os.Signal) error
	// Wait blocks until the process exits and all output was delivered.
	Wait() error
}

// LaunchSpec is everything needed to start the runner for one run.
type LaunchSpec struct {
	RunID   string
	Command string
	// Display is Command with credential values masked, for logs.
	Display string
	Dir     string
	Env     []string
}

// Spawner starts runner processes. onLine receives every output line.
type Spawner interface {
	Spawn(spec LaunchSpec, onLine common.LineHandler) (Process, error)
}

// ShellSpawner runs the launch command through the system shell.
type ShellSpawner struct {
	log *zap.Logger
}

func NewShellSpawner(log *zap.Logger) *ShellSpawner {
	return &ShellSpawner{log: log}
}

func (s *ShellSpawner) Spawn(spec LaunchSpec, onLine common.LineHandler) (Process, error) {
	log := s.log.With(zap.String("run_id", spec.RunID))
	log.Info("Running command", zap.String("command", spec.Display), zap.String("dir", spec.Dir))
	cmd, err := common.StartCommand(spec.Command, spec.Dir, spec.Env, onLine, log)
	if err != nil {
		return nil, err
	}
	return cmd, nil
}

// Selection picks which tests to run. Scenarios win over categories.
type Selection struct {
	Categories []string `json:"categories,omitempty"`
	Scenarios  []string `json:"scenarios,omitempty"`
}

// EnvironmentSelection names the target environment of a run. SandboxID
// takes priority over explicit profile ids, which take priority over the
// tenant's default profiles.
type EnvironmentSelection struct {
	SandboxID        string `json:"sandboxId,omitempty"`
	FlowiseConfigID  *int64 `json:"flowiseConfigId,omitempty"`
	LangfuseConfigID *int64 `json:"langfuseConfigId,omitempty"`
	TenantID         int64  `json:"tenantId,omitempty"`
}

// ProfileSource looks up stored Flowise and Langfuse profiles.
type ProfileSource interface {
	GetFlowiseConfig(ctx context.Context, id int64) (common.FlowiseConfig, error)
	DefaultFlowiseConfig(ctx context.Context, tenantID int64) (common.FlowiseConfig, error)
	GetLangfuseConfig(ctx context.Context, id int64) (common.LangfuseConfig, error)
	DefaultLangfuseConfig(ctx context.Context, tenantID int64) (common.LangfuseConfig, error)
}

// PresetSource looks up sandbox presets.
type PresetSource interface {
	Sandbox(id string) (config.Sandbox, bool)
}

// Environment is a resolved target environment. At most one of Sandbox or
// the profile pair is set.
type Environment struct {
	Sandbox  *config.Sandbox
	Flowise  *common.FlowiseConfig
	Langfuse *common.LangfuseConfig
}

// DisplayNames returns human-readable names of the resolved environment.
func (e Environment) DisplayNames() map[string]string {
	names := map[string]string{}
	if e.Sandbox != nil {
		names["environment"] = e.Sandbox.Name
	}
	if e.Flowise != nil {
		names["flowise"] = e.Flowise.Name
	}
	if e.Langfuse != nil {
		names["langfuse"] = e.Langfuse.Name
	}
	return names
}

// Launcher builds runner command lines.
type Launcher struct {
	command         string
	dir             string
	defaultTenantID int64
	presets         PresetSource
	profiles        ProfileSource
}

func NewLauncher(runner config.RunnerConfig, defaultTenantID int64, presets PresetSource, profiles ProfileSource) *Launcher {
	return &Launcher{
		command:         runner.Command,
		dir:             runner.Workdir,
		defaultTenantID: defaultTenantID,
		presets:         presets,
		profiles:        profiles,
	}
}

// Resolve picks the environment for sel. Unknown sandboxes or explicit
// profile ids are request errors; a missing tenant default is not.
func (l *Launcher) Resolve(ctx context.Context, sel EnvironmentSelection) (Environment, error) {
	var env Environment

	if sel.SandboxID != "" {
		if l.presets == nil {
			return env, fmt.Errorf("%w: unknown sandbox %q", ErrInvalidRequest, sel.SandboxID)
		}
		sb, ok := l.presets.Sandbox(sel.SandboxID)
		if !ok {
			return env, fmt.Errorf("%w: unknown sandbox %q", ErrInvalidRequest, sel.SandboxID)
		}
		env.Sandbox = &sb
		return env, nil
	}

	if l.profiles == nil {
		return env, nil
	}
	tenant := sel.TenantID
	if tenant == 0 {
		tenant = l.defaultTenantID
	}

	var (
		fw  common.FlowiseConfig
		err error
	)
	if sel.FlowiseConfigID != nil {
		fw, err = l.profiles.GetFlowiseConfig(ctx, *sel.FlowiseConfigID)
	} else {
		fw, err = l.profiles.DefaultFlowiseConfig(ctx, tenant)
	}
	switch {
	case err == nil:
		env.Flowise = &fw
	case errors.Is(err, store.ErrNotFound) && sel.FlowiseConfigID == nil:
	case errors.Is(err, store.ErrNotFound):
		return env, fmt.Errorf("%w: unknown flowise config %d", ErrInvalidRequest, *sel.FlowiseConfigID)
	default:
		return env, fmt.Errorf("resolve flowise config: %w", err)
	}

	var lf common.LangfuseConfig
	if sel.LangfuseConfigID != nil {
		lf, err = l.profiles.GetLangfuseConfig(ctx, *sel.LangfuseConfigID)
	} else {
		lf, err = l.profiles.DefaultLangfuseConfig(ctx, tenant)
	}
	switch {
	case err == nil:
		env.Langfuse = &lf
	case errors.Is(err, store.ErrNotFound) && sel.LangfuseConfigID == nil:
	case errors.Is(err, store.ErrNotFound):
		return env, fmt.Errorf("%w: unknown langfuse config %d", ErrInvalidRequest, *sel.LangfuseConfigID)
	default:
		return env, fmt.Errorf("resolve langfuse config: %w", err)
	}
	return env, nil
}

// Args returns the runner arguments for one run.
func Args(sel Selection, concurrency int, env Environment) []string {
	var args []string
	switch {
	case len(sel.Scenarios) > 0:
		args = append(args, "--scenarios", strings.Join(sel.Scenarios, ","))
	case len(sel.Categories) > 0:
		args = append(args, "--categories", strings.Join(sel.Categories, ","))
	}
	args = append(args, "--concurrency", strconv.Itoa(concurrency))

	if sb := env.Sandbox; sb != nil {
		args = appendFlag(args, "--flowise-endpoint", sb.FlowiseEndpoint)
		args = appendFlag(args, "--flowise-api-key", sb.FlowiseAPIKey)
		args = appendFlag(args, "--langfuse-host", sb.LangfuseHost)
		args = appendFlag(args, "--langfuse-public-key", sb.LangfusePublicKey)
		args = appendFlag(args, "--langfuse-secret-key", sb.LangfuseSecretKey)
		args = append(args, "--environment-preset-id", sb.ID)
		args = appendFlag(args, "--environment-preset-name", sb.Name)
		return args
	}
	if fw := env.Flowise; fw != nil {
		args = append(args, "--flowise-config-id", strconv.FormatInt(fw.ID, 10))
		args = appendFlag(args, "--flowise-config-name", fw.Name)
		args = appendFlag(args, "--flowise-endpoint", fw.URL)
		args = appendFlag(args, "--flowise-api-key", fw.APIKey)
	}
	if lf := env.Langfuse; lf != nil {
		args = append(args, "--langfuse-config-id", strconv.FormatInt(lf.ID, 10))
		args = appendFlag(args, "--langfuse-config-name", lf.Name)
		args = appendFlag(args, "--langfuse-host", lf.Host)
		args = appendFlag(args, "--langfuse-public-key", lf.PublicKey)
		args = appendFlag(args, "--langfuse-secret-key", lf.SecretKey)
	}
	return args
}

func appendFlag(args []string, flag, value string) []string {
	if value == "" {
		return args
	}
	return append(args, flag, value)
}

// Spec returns the launch spec for args.
func (l *Launcher) Spec(runID string, args []string) LaunchSpec {
	command, display := l.command, l.command
	if len(args) > 0 {
		command += " " + common.ShellJoin(args)
		display += " " + common.ShellJoin(common.RedactArgs(args))
	}
	return LaunchSpec{
		RunID:   runID,
		Command: command,
		Display: display,
		Dir:     l.dir,
		Env:     []string{"GOALTEST_RUN_ID=" + runID},
	}
}
