// Package app builds the cobra command of a binary from its option groups:
// flags are grouped in the help output, values can come from a config file
// or the environment, and options are completed and validated before the
// run function is called.
package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	cliflag "k8s.io/component-base/cli/flag"
	"k8s.io/component-base/cli/globalflag"
	"k8s.io/component-base/term"
)

// RunFunc is the body of the root command.
type RunFunc func() error

// NamedFlagSetOptions is implemented by the options of a binary.
type NamedFlagSetOptions interface {
	// Flags returns the flags grouped by option group.
	Flags() cliflag.NamedFlagSets
	// Complete fills in derived values.
	Complete() error
	// Validate returns every problem found, aggregated.
	Validate() error
}

// App is a command line application.
type App struct {
	name        string
	shortDesc   string
	description string
	envPrefix   string
	run         RunFunc
	options     NamedFlagSetOptions
	args        cobra.PositionalArgs
	noConfig    bool
	watch       bool
	subCommands []*cobra.Command

	cmd *cobra.Command
}

// Option configures an App.
type Option func(*App)

// WithOptions sets the options unmarshaled from flags, environment and
// config file.
func WithOptions(opts NamedFlagSetOptions) Option {
	return func(a *App) { a.options = opts }
}

// WithRunFunc sets the body of the root command.
func WithRunFunc(run RunFunc) Option {
	return func(a *App) { a.run = run }
}

func WithDescription(desc string) Option {
	return func(a *App) { a.description = desc }
}

// WithDefaultValidArgs rejects positional arguments on the root command.
func WithDefaultValidArgs() Option {
	return func(a *App) {
		a.args = func(cmd *cobra.Command, args []string) error {
			for _, arg := range args {
				if len(arg) > 0 {
					return fmt.Errorf("%q does not take any arguments, got %q", cmd.CommandPath(), args)
				}
			}
			return nil
		}
	}
}

// WithSubCommands attaches extra commands. They share the root's persistent
// flags, including --config.
func WithSubCommands(cmds ...*cobra.Command) Option {
	return func(a *App) { a.subCommands = append(a.subCommands, cmds...) }
}

// WithEnvPrefix overrides the prefix of environment variables, derived from
// the name by default.
func WithEnvPrefix(prefix string) Option {
	return func(a *App) { a.envPrefix = prefix }
}

// WithNoConfig drops the --config flag.
func WithNoConfig() Option {
	return func(a *App) { a.noConfig = true }
}

// WithWatchConfig reloads the log level when the config file changes.
func WithWatchConfig() Option {
	return func(a *App) { a.watch = true }
}

// NewApp creates an application named name.
func NewApp(name string, shortDesc string, opts ...Option) *App {
	a := &App{
		name:      name,
		shortDesc: shortDesc,
		envPrefix: strings.ToUpper(strings.ReplaceAll(name, "-", "_")),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.buildCommand()
	return a
}

// Command returns the root command.
func (a *App) Command() *cobra.Command {
	return a.cmd
}

// Run executes the root command and exits the process on failure.
func (a *App) Run() {
	if err := a.cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func (a *App) buildCommand() {
	cmd := &cobra.Command{
		Use:           a.name,
		Short:         a.shortDesc,
		Long:          a.description,
		SilenceUsage:  true,
		SilenceErrors: false,
		Args:          a.args,
	}
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)
	cmd.Flags().SortFlags = true

	var fss cliflag.NamedFlagSets
	if a.options != nil {
		fss = a.options.Flags()
	}
	if !a.noConfig {
		addConfigFlag(fss.FlagSet("global"), a.name, a.envPrefix)
	}
	globalflag.AddGlobalFlags(fss.FlagSet("global"), cmd.Name())

	for _, f := range fss.FlagSets {
		cmd.PersistentFlags().AddFlagSet(f)
	}

	if a.run != nil {
		cmd.RunE = a.runCommand
	}
	cmd.PersistentPreRunE = a.prepare

	for _, sub := range a.subCommands {
		cmd.AddCommand(sub)
	}

	cols, _, _ := term.TerminalSize(cmd.OutOrStdout())
	cliflag.SetUsageAndHelpFunc(cmd, fss, cols)

	a.cmd = cmd
}

// prepare loads flags, environment and config file into the options. The
// root command also validates them; subcommands check what they use.
func (a *App) prepare(cmd *cobra.Command, _ []string) error {
	if a.options == nil {
		return nil
	}

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if err := viper.Unmarshal(a.options); err != nil {
		return fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := a.options.Complete(); err != nil {
		return err
	}
	if cmd != a.cmd {
		return nil
	}
	if err := a.options.Validate(); err != nil {
		return err
	}

	if a.watch && viper.ConfigFileUsed() != "" {
		watchConfig()
	}
	return nil
}

func (a *App) runCommand(cmd *cobra.Command, args []string) error {
	return a.run()
}
