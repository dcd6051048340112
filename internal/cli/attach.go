package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/coral-mesh/coral-attach/internal/attach"
	"github.com/coral-mesh/coral-attach/internal/attach/strategy"
	"github.com/coral-mesh/coral-attach/internal/materialize"
	"github.com/coral-mesh/coral-attach/internal/process"
	"github.com/coral-mesh/coral-attach/internal/retry"
)

// maxParallelAttaches bounds concurrent attaches when several pids are given.
const maxParallelAttaches = 4

type attachOptions struct {
	pids       []string
	port       uint32
	set        []string
	configFile string
	resource   string
	payload    string
	rawArgs    string
	retries    int
}

func newAttachCmd(a *app) *cobra.Command {
	var opts attachOptions

	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Attach the agent to a process",
		Long: `Attach the agent to the processes given by --pid, or to this process.
Several pids are attached in parallel; every failure is reported.

The built-in strategies need an agent payload: the one bundled in this
binary, --payload, or payload.path in the configuration file.

Agent options come from, lowest priority first: attach.properties in the
configuration file, the --resource properties file, --set flags, and the
file given by --config-file, whose values override all others.`,
		Example: `  coral-attach attach --pid 1234 --set server_url=http://apm:8200
  coral-attach attach --port 8080 --set service_name=checkout
  coral-attach attach --pid 1234,1235 --set service_name=workers
  coral-attach attach --pid 1234 --config-file /etc/coral/agent.properties`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagChanged(cmd.Flags(), "payload") {
				a.cfg.Payload.Path = opts.payload
			}
			if flagChanged(cmd.Flags(), "retries") {
				a.cfg.Attach.Retries = opts.retries
			}
			if opts.port != 0 {
				pid, err := process.FindByPort(cmd.Context(), opts.port)
				if err != nil {
					return err
				}
				a.logger.Info().Uint32("port", opts.port).Str("pid", pid).Msg("Resolved target by listening port")
				opts.pids = []string{pid}
			}
			return runAttach(cmd.Context(), a, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVarP(&opts.pids, "pid", "p", nil, "Target process ids, repeatable or comma separated (default: this process)")
	flags.Uint32Var(&opts.port, "port", 0, "Target the process listening on this TCP port")
	flags.StringArrayVarP(&opts.set, "set", "s", nil, "Agent option as key=value (repeatable)")
	flags.StringVar(&opts.configFile, "config-file", "", "External agent properties file, overrides other options")
	flags.StringVar(&opts.resource, "resource", "", "Agent properties resource to start from")
	flags.StringVar(&opts.payload, "payload", "", "Agent payload on disk (default: the bundled payload)")
	flags.StringVar(&opts.rawArgs, "raw-args", "", "Pass agent arguments as is, without a configuration file (deprecated)")
	flags.IntVar(&opts.retries, "retries", 0, "Extra attempts while the target process is not found")

	_ = flags.MarkDeprecated("raw-args", "use --set or --config-file")
	cmd.MarkFlagsMutuallyExclusive("pid", "port")

	return cmd
}

func runAttach(ctx context.Context, a *app, opts attachOptions) error {
	if err := a.cfg.Validate(); err != nil {
		return err
	}

	set, err := parseSet(opts.set)
	if err != nil {
		return err
	}

	attacher, err := a.newAttacher()
	if err != nil {
		return err
	}

	cfg := materialize.Map(a.cfg.Attach.Properties).Clone()
	if opts.resource != "" {
		for k, v := range materialize.LoadResource(a.resources(), opts.resource, a.logger) {
			cfg[k] = v
		}
	}
	for k, v := range set {
		cfg[k] = v
	}
	if opts.configFile != "" {
		cfg[materialize.ExternalConfigKey] = opts.configFile
	}

	if len(opts.pids) == 0 {
		if opts.rawArgs != "" {
			return fmt.Errorf("--raw-args requires --pid")
		}
		return a.withTimeout(ctx, func(ctx context.Context) error {
			return attacher.AttachConfig(ctx, cfg)
		})
	}

	errs := make([]error, len(opts.pids))
	var g errgroup.Group
	g.SetLimit(maxParallelAttaches)
	for i, pid := range opts.pids {
		i, pid := i, pid
		g.Go(func() error {
			errs[i] = a.attachPID(ctx, attacher, pid, cfg, opts.rawArgs)
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

// attachPID attaches to one external process, retrying while it is not found.
func (a *app) attachPID(ctx context.Context, attacher *attach.Attacher, pid string, cfg materialize.Map, rawArgs string) error {
	if info, err := process.Describe(ctx, pid); err == nil {
		a.logger.Debug().
			Str("pid", pid).
			Str("name", info.Name).
			Str("user", info.Username).
			Msg("Target process")
	}

	policy := retry.Attempts(a.cfg.Attach.Retries + 1)
	policy.OnRetry = func(attempt int, err error, backoff time.Duration) {
		a.logger.Warn().
			Err(err).
			Str("pid", pid).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("Attach failed, retrying")
	}

	return retry.Do(ctx, policy, func() error {
		return a.withTimeout(ctx, func(ctx context.Context) error {
			if rawArgs != "" {
				//nolint:staticcheck // --raw-args is kept for existing scripts.
				return attacher.AttachPIDRaw(ctx, pid, rawArgs)
			}
			return attacher.AttachPID(ctx, pid, cfg)
		})
	}, func(err error) bool {
		return errors.Is(err, strategy.ErrProcessNotFound)
	})
}

func (a *app) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	if a.cfg.Attach.Timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Attach.Timeout)
	defer cancel()
	return fn(ctx)
}

// parseSet parses key=value pairs. Later pairs win.
func parseSet(pairs []string) (materialize.Map, error) {
	out := materialize.Map{}
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --set %q, expected key=value", pair)
		}
		out[k] = v
	}
	return out, nil
}

// ErrorHint returns a remediation hint for common attach failures, or "".
func ErrorHint(err error) string {
	switch {
	case errors.Is(err, strategy.ErrPermissionDenied):
		return "the target runs as another user; retry as that user or with sudo"
	case errors.Is(err, strategy.ErrNoProvider):
		return "install " + strategy.DefaultHelper + " or bundle an agent payload"
	case errors.Is(err, strategy.ErrPayloadInvalid):
		return "this build has no bundled payload; pass --payload or set payload.path"
	case errors.Is(err, attach.ErrAttachInProgress):
		return "another attach of this process is still running"
	}
	return ""
}
