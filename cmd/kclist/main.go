package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/fatih/color"
	"github.com/leodido/kclist"
	"github.com/leodido/structcli"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/thediveo/enumflag/v2"
)

// Build metadata injected via ldflags.
// When built without ldflags (e.g., plain `go build`), these remain
// at their zero values and the version command omits them gracefully.
var (
	version = ""
	commit  = ""
	date    = ""
)

// Exit statuses, following sysexits(3).
const (
	exitOK       = 0
	exitUsage    = 64
	exitDataErr  = 65
	exitNoInput  = 66
	exitSoftware = 70
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	logger := &log.Logger{Handler: cli.New(stderr), Level: log.InfoLevel}

	root := rootCmd(stdout, logger)
	root.AddCommand(versionCmd(stdout))
	if args == nil {
		args = []string{}
	}
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	code := exitCode(err)
	if err != nil {
		logError(logger, err)
	}
	return code
}

// usageError marks command line mistakes.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ue usageError
	if errors.As(err, &ue) {
		return exitUsage
	}
	switch kclist.ClassOf(err) {
	case kclist.ClassBadInput:
		return exitDataErr
	case kclist.ClassNotFound:
		return exitNoInput
	default:
		return exitSoftware
	}
}

func logError(logger log.Interface, err error) {
	var ke *kclist.Error
	if !errors.As(err, &ke) {
		logger.Error(err.Error())
		return
	}
	fields := log.Fields{"kind": ke.Kind.String()}
	if ke.Name != "" {
		fields["name"] = ke.Name
	}
	if ke.HasOffset {
		fields["offset"] = fmt.Sprintf("0x%x", ke.Offset)
	}
	if len(ke.Available) > 0 {
		names := make([]string, 0, len(ke.Available))
		for _, a := range ke.Available {
			names = append(names, a.String())
		}
		fields["available"] = strings.Join(names, ",")
	}
	msg := ke.Kind.String()
	if ke.Err != nil {
		msg = ke.Err.Error()
	}
	logger.WithFields(fields).Error(msg)
}

// Options defines the flags of the root command. Every flag can also be set
// from the configuration file or from a KCLIST_ environment variable.
type Options struct {
	Arch        archName      `flag:"arch" flagshort:"a" flagdescr:"Architecture slice to inspect" flagcustom:"true"`
	UUIDs       bool          `flag:"uuid" flagshort:"u" flagdescr:"Show module UUIDs"`
	Verbose     bool          `flag:"verbose" flagshort:"v" flagdescr:"Show paths, dependencies, segments and debug logs"`
	Format      kclist.Format `flag:"format" flagshort:"f" flagdescr:"Output format (text, json, yaml)" flagcustom:"true"`
	NoColor     bool          `flag:"no-color" flagdescr:"Disable colored output"`
	Policy      string        `flag:"policy" flagdescr:"YAML file with allow/deny bundle patterns"`
	Config      string        `flag:"config" flagdescr:"Configuration file"`
	MaxInfoSize int           `flag:"max-info-size" flagdescr:"Maximum decompressed size of the prelink info region in bytes"`
	Workers     int           `flag:"workers" flagdescr:"Number of modules resolved concurrently"`
}

func (o *Options) Attach(c *cobra.Command) error {
	return structcli.Define(c, o)
}

func (o *Options) DefineArch(name, short, descr string, structField reflect.StructField, fieldValue reflect.Value) (pflag.Value, string) {
	fieldPtr := fieldValue.Addr().Interface().(*archName)
	return fieldPtr, fmt.Sprintf("%s (%s)", descr, strings.Join(kclist.ArchNames(), ", "))
}

func (o *Options) DecodeArch(input any) (any, error) {
	s, ok := input.(string)
	if !ok {
		return input, nil
	}

	var a archName
	if err := a.Set(s); err != nil {
		return nil, err
	}
	return a, nil
}

func (o *Options) CompleteArch(c *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	prefix := strings.ToLower(toComplete)
	var out []string
	for _, name := range kclist.ArchNames() {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	return out, cobra.ShellCompDirectiveNoFileComp
}

func (o *Options) DefineFormat(name, short, descr string, structField reflect.StructField, fieldValue reflect.Value) (pflag.Value, string) {
	fieldPtr := fieldValue.Addr().Interface().(*kclist.Format)
	return enumflag.New(fieldPtr, "format", formatIdentifierMap, enumflag.EnumCaseInsensitive), descr
}

func (o *Options) DecodeFormat(input any) (any, error) {
	s, ok := input.(string)
	if !ok {
		return input, nil
	}
	return parseFormat(s)
}

func rootCmd(stdout io.Writer, logger *log.Logger) *cobra.Command {
	opts := &Options{}

	cmd := &cobra.Command{
		Use:   "kclist [flags] <kernelcache> [bundle-id...]",
		Short: "List the kernel extensions of a prelinked kernel cache",
		Long: `kclist reads a prelinked kernel cache and lists the kernel extensions it
embeds: identifier, version, load address and size, and optionally the build
UUID read from each extension's own Mach-O header.

Extra arguments restrict the listing to the given bundle identifiers.

Exit status is 0 on success, 64 on usage errors, 65 when the cache is
malformed, 66 when the file, architecture, or a prelink region is missing,
and 70 on internal errors.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(c *cobra.Command, args []string) error {
			if len(args) < 1 {
				return usageError{fmt.Errorf("missing kernel cache path")}
			}
			return nil
		},
		PreRunE: func(c *cobra.Command, args []string) error {
			if err := applyConfig(c); err != nil {
				return usageError{err}
			}
			if err := structcli.Unmarshal(c, opts); err != nil {
				return usageError{err}
			}
			return nil
		},
		RunE: func(c *cobra.Command, args []string) error {
			if opts.Verbose {
				logger.Level = log.DebugLevel
			}

			inspectOpts := []kclist.Option{
				kclist.WithLogger(logger),
				kclist.WithWorkers(opts.Workers),
				kclist.WithMaxDecompressedSize(int64(opts.MaxInfoSize)),
				kclist.WithIdentifiers(args[1:]...),
			}
			if opts.Arch != "" {
				a, err := kclist.ParseArch(string(opts.Arch))
				if err != nil {
					return usageError{err}
				}
				inspectOpts = append(inspectOpts, kclist.WithArch(a))
			}

			policy, err := loadPolicy(c, opts.Policy)
			if err != nil {
				return usageError{err}
			}

			r, err := kclist.Inspect(c.Context(), args[0], inspectOpts...)
			if err != nil {
				return err
			}

			emitter := kclist.NewEmitter(stdout, kclist.EmitterConfig{
				Format:  opts.Format,
				UUIDs:   opts.UUIDs,
				Verbose: opts.Verbose,
				Color:   !opts.NoColor && !color.NoColor,
				Policy:  policy,
			})
			return emitter.Emit(r)
		},
	}
	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return usageError{err}
	})

	if err := opts.Attach(cmd); err != nil {
		panic(err)
	}
	return cmd
}

// applyConfig fills every flag left unset on the command line from the
// KCLIST_ environment or from the file named by --config, in that order.
func applyConfig(c *cobra.Command) error {
	v, err := newViper(c)
	if err != nil {
		return err
	}

	var errs []error
	c.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Changed || f.Name == "config" || f.Name == "help" || !v.IsSet(f.Name) {
			return
		}
		if err := c.Flags().Set(f.Name, v.GetString(f.Name)); err != nil {
			errs = append(errs, fmt.Errorf("config %s: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}

func newViper(c *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("KCLIST")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	file, _ := c.Flags().GetString("config")
	if file == "" {
		file = os.Getenv("KCLIST_CONFIG")
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", file, err)
		}
	}
	return v, nil
}

// loadPolicy returns the policy from the --policy file or, failing that, the
// inline "rules" section of the configuration file. A nil policy disables
// the verdict column.
func loadPolicy(c *cobra.Command, file string) (kclist.Policy, error) {
	if file != "" {
		return kclist.LoadPolicy(file)
	}

	v, err := newViper(c)
	if err != nil {
		return nil, err
	}
	if !v.IsSet("rules") {
		return nil, nil
	}
	var p kclist.ListPolicy
	if err := v.UnmarshalKey("rules", &p); err != nil {
		return nil, fmt.Errorf("config rules: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func versionCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show tool version",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			if version == "" {
				fmt.Fprintln(stdout, "kclist (dev)")
				return nil
			}
			fmt.Fprintf(stdout, "kclist %s", version)
			if commit != "" {
				fmt.Fprintf(stdout, " (%s)", commit)
			}
			if date != "" {
				fmt.Fprintf(stdout, " built %s", date)
			}
			fmt.Fprintln(stdout)
			return nil
		},
	}
}

// archName is an architecture flag value, validated on Set.
type archName string

func (a *archName) String() string {
	return string(*a)
}

func (a *archName) Set(input string) error {
	input = strings.TrimSpace(input)
	if input == "" {
		*a = ""
		return nil
	}
	if _, err := kclist.ParseArch(input); err != nil {
		return err
	}
	*a = archName(strings.ToLower(input))
	return nil
}

func (a *archName) Type() string {
	return "arch"
}

var formatIdentifierMap = func() map[kclist.Format][]string {
	ids := make(map[kclist.Format][]string, len(kclist.FormatValues()))
	for _, f := range kclist.FormatValues() {
		ids[f] = []string{f.String()}
	}
	return ids
}()

func parseFormat(input string) (kclist.Format, error) {
	var f kclist.Format
	enumValue := enumflag.New(&f, "format", formatIdentifierMap, enumflag.EnumCaseInsensitive)
	if err := enumValue.Set(strings.TrimSpace(input)); err != nil {
		names := make([]string, 0, len(formatIdentifierMap))
		for _, v := range kclist.FormatValues() {
			names = append(names, v.String())
		}
		return f, fmt.Errorf("unknown format: %q (available: %s)", input, strings.Join(names, ", "))
	}
	return f, nil
}
