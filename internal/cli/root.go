package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"xenoscan/internal/config"
)

const version = "0.3.0"

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	outputDir  string
	jsonOut    bool
}

// Run executes the command line args (without the program name).
func Run(args []string) error {
	return run(args, os.Stdout, os.Stderr)
}

func run(args []string, stdout, stderr io.Writer) error {
	root := newRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.Execute()
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:     "xenoscan",
		Short:   "Batch light-curve acquisition, feature extraction and upload",
		Version: version,
		Long: `xenoscan fetches archived light curves for a list of targets, extracts
a fixed feature vector from each one in isolated worker processes and
uploads the results. Progress is checkpointed so an interrupted batch
resumes without re-downloading or re-uploading finished targets.`,
		Example: `  # Process 100 generated Kepler targets with 4 download workers
  $ xenoscan run --count 100 --workers 4

  # Resume an interrupted batch from a target file
  $ xenoscan run --targets targets.csv --resume

  # Inspect the checkpoint
  $ xenoscan status --json`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "config file (default: xenoscan.yaml in ./configs or .)")
	pf.StringVar(&opts.outputDir, "output-dir", "", "output directory for cache, checkpoints and reports")
	pf.BoolVar(&opts.jsonOut, "json", false, "print JSON output")

	root.AddCommand(
		newRunCommand(opts),
		newStatusCommand(opts),
		newCheckpointCommand(opts),
		newDoctorCommand(opts),
		newWorkerCommand(),
	)
	return root
}

// loadConfig reads the layered config and applies persistent flag overrides.
func (o *globalOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(strings.TrimSpace(o.configPath))
	if err != nil {
		return nil, err
	}
	if dir := strings.TrimSpace(o.outputDir); dir != "" {
		cfg.OutputDir = dir
	}
	return cfg, nil
}

// ExitError carries a process exit status for outcomes that are not
// failures of the command itself.
type ExitError struct {
	Code int
	Msg  string
}

func (e *ExitError) Error() string { return e.Msg }

func exitf(code int, format string, args ...any) error {
	return &ExitError{Code: code, Msg: fmt.Sprintf(format, args...)}
}
