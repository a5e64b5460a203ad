// heapscan inspects serialized program inputs for the heap size requested by
// their transaction.
//
// Usage:
//
//	heapscan [global flags] scan FILE...
//	heapscan [global flags] import --slot N --index N --program KEY FILE
//	heapscan [global flags] archive
//
// Every flag can also be set through a HEAPSCAN_ environment variable
// (HEAPSCAN_ARCHIVE, HEAPSCAN_LOG_LEVEL, ...) or a config file.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/fortiblox/stratus-heap/internal/types"
	"github.com/fortiblox/stratus-heap/pkg/archive"
	"github.com/fortiblox/stratus-heap/pkg/svm/entrypoint"
	"github.com/fortiblox/stratus-heap/pkg/svm/sbpf"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

var errUsage = errors.New("usage: heapscan [flags] scan|import|archive ...")

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		logrus.StandardLogger().WithField("type", "cmd/heapscan").WithError(err).Error("heapscan failed")
		os.Exit(1)
	}
}

// run parses global flags, loads configuration and dispatches to a command.
func run(args []string, out io.Writer) error {
	v := viper.New()
	v.SetEnvPrefix("heapscan")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	fs := pflag.NewFlagSet("heapscan", pflag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.String("config", "", "Optional config file (yaml, toml or json)")
	fs.String("archive", "heapscan.db", "Input archive database")
	fs.String("log-level", "info", "Log level: debug, info, warn, error")
	fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := v.BindPFlags(fs); err != nil {
		return err
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}

	setupLogging(v.GetString("log-level"))
	logger := logrus.StandardLogger().WithField("type", "cmd/heapscan")

	if v.GetBool("version") {
		fmt.Fprintf(out, "heapscan %s (%s)\n", Version, GitCommit)
		return nil
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return errUsage
	}
	switch rest[0] {
	case "scan":
		return runScan(rest[1:], out, logger)
	case "import":
		return runImport(v, rest[1:], logger)
	case "archive":
		return runArchive(v, out, logger)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, rest[0])
	}
}

func setupLogging(level string) {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logrus.SetOutput(os.Stderr)

	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		logrus.StandardLogger().WithField("log_level", level).Warn("unknown log level, ignoring")
		return
	}
	logrus.SetLevel(lvl)
}

// describeHeap formats the heap an input runs with.
func describeHeap(input []byte) string {
	if size, ok := entrypoint.ExtractHeapSizeFromInput(input); ok {
		return fmt.Sprintf("%d bytes (requested)", size)
	}
	return fmt.Sprintf("%d bytes (default)", sbpf.HeapDefault)
}

func runScan(args []string, out io.Writer, logger *logrus.Entry) error {
	fs := pflag.NewFlagSet("scan", pflag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("%w: scan needs at least one file", errUsage)
	}

	for _, path := range fs.Args() {
		input, err := archive.ReadInputFile(path)
		if err != nil {
			return err
		}
		logger.WithField("path", path).WithField("bytes", len(input)).Debug("scanning input")
		fmt.Fprintf(out, "%s: %s\n", path, describeHeap(input))
	}
	return nil
}

func runImport(v *viper.Viper, args []string, logger *logrus.Entry) error {
	fs := pflag.NewFlagSet("import", pflag.ContinueOnError)
	fs.Uint64("slot", 0, "Slot of the transaction")
	fs.Uint32("index", 0, "Instruction index within the slot")
	fs.String("program", "", "Program id (base58)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := v.BindPFlags(fs); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: import needs exactly one file", errUsage)
	}

	var programID types.Pubkey
	if s := v.GetString("program"); s != "" {
		if err := programID.UnmarshalText([]byte(s)); err != nil {
			return fmt.Errorf("program %q: %w", s, err)
		}
	}

	input, err := archive.ReadInputFile(fs.Arg(0))
	if err != nil {
		return err
	}

	store, err := archive.Open(archive.DefaultConfig(v.GetString("archive")))
	if err != nil {
		return err
	}
	defer store.Close()

	slot, index := v.GetUint64("slot"), v.GetUint32("index")
	if err := store.Put(slot, index, programID, input); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"slot":    slot,
		"index":   index,
		"program": programID,
		"bytes":   len(input),
	}).Info("imported input")
	return nil
}

func runArchive(v *viper.Viper, out io.Writer, logger *logrus.Entry) error {
	config := archive.DefaultConfig(v.GetString("archive"))
	config.ReadOnly = true
	store, err := archive.Open(config)
	if err != nil {
		return err
	}
	defer store.Close()

	var total, requested int
	err = store.ForEach(func(rec *archive.Record) error {
		total++
		if _, ok := rec.HeapSize(); ok {
			requested++
		}
		fmt.Fprintf(out, "%d/%d %s: %s\n", rec.Slot, rec.Index, rec.ProgramID, describeHeap(rec.Input))
		return nil
	})
	if err != nil {
		return err
	}
	logger.WithField("inputs", total).WithField("requested", requested).Info("archive scanned")
	return nil
}
