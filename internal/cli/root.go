// Package cli implements the storestack command line: one-shot commands
// over a configured store plus an interactive shell.
package cli

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"storestack/internal/app"
	"storestack/internal/config"
)

type globalFlags struct {
	configPath  string
	driver      string
	location    string
	mergePolicy string
	logLevel    string
	jsonOutput  bool
}

// runner carries the flags and output streams shared by every command.
type runner struct {
	flags  globalFlags
	out    io.Writer
	errOut io.Writer
	build  func(ctx context.Context, cfg config.Config, opts ...app.Option) (*app.Stack, error)
}

// NewRootCommand returns the storestack command tree.
func NewRootCommand(version string) *cobra.Command {
	r := &runner{out: os.Stdout, errOut: os.Stderr, build: app.Build}
	if version == "" {
		version = "dev"
	}
	root := &cobra.Command{
		Use:     "storestack",
		Version: version,
		Short:   "Inspect and edit a storestack object store",
		Long: `storestack opens an object store through the persistence manager and
runs one operation against it. Every write goes through a unit of work and a
save, exactly as an embedding program would do it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			r.out = cmd.OutOrStdout()
			r.errOut = cmd.ErrOrStderr()
		},
	}
	root.SetVersionTemplate("{{.Version}}\n")
	r.bindFlags(root.PersistentFlags())

	root.AddGroup(
		&cobra.Group{ID: "objects", Title: "Object Commands:"},
		&cobra.Group{ID: "store", Title: "Store Commands:"},
	)
	for _, cmd := range []*cobra.Command{r.putCommand(), r.getCommand(), r.listCommand(), r.deleteCommand()} {
		cmd.GroupID = "objects"
		root.AddCommand(cmd)
	}
	for _, cmd := range []*cobra.Command{r.infoCommand(), r.cleanupCommand(), r.shellCommand()} {
		cmd.GroupID = "store"
		root.AddCommand(cmd)
	}
	return root
}

func (r *runner) bindFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&r.flags.configPath, "config", "c", "", "config file (.json, .jsonc, .yaml, .toml)")
	fs.StringVar(&r.flags.driver, "driver", "", "storage driver: sqlite, snapshot, postgres or memory")
	fs.StringVar(&r.flags.location, "location", "", "store file path or postgres DSN")
	fs.StringVar(&r.flags.mergePolicy, "merge-policy", "", "child_wins, ancestor_wins or error")
	fs.StringVar(&r.flags.logLevel, "log-level", "", "debug, info, warn or error")
	fs.BoolVar(&r.flags.jsonOutput, "json", false, "output in JSON format")
}

// loadConfig layers command-line flags over the loaded config.
func (r *runner) loadConfig(fs *pflag.FlagSet) (config.Config, error) {
	cfg, err := config.Load(r.flags.configPath)
	if err != nil {
		return config.Config{}, err
	}
	overrides := map[string]*string{
		"driver":       &cfg.Driver,
		"location":     &cfg.Location,
		"merge-policy": &cfg.MergePolicy,
		"log-level":    &cfg.Log.Level,
	}
	for name, dst := range overrides {
		if f := fs.Lookup(name); f != nil && f.Changed {
			*dst = f.Value.String()
		}
	}
	return cfg, cfg.Validate()
}

// withStack opens the configured stack, runs fn and closes it.
func (r *runner) withStack(cmd *cobra.Command, fn func(*session) error) error {
	cfg, err := r.loadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	stack, err := r.build(cmd.Context(), cfg, app.WithLogWriter(r.errOut))
	if err != nil {
		return err
	}
	s := &session{stack: stack, out: r.out, json: r.flags.jsonOutput}
	runErr := fn(s)
	if err := stack.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Execute runs the command tree with process arguments.
func Execute(ctx context.Context, version string) error {
	return NewRootCommand(version).ExecuteContext(ctx)
}
