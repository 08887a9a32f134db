// Package flags adds the command-line flags common to both cmd/agent and
// cmd/operator, grounded on pkg/flags.go's ConfigureAndParse shape, swapped
// from stdlib flag to pflag; cmd/agent and cmd/operator each register them
// on one flat pflag.FlagSet.
package flags

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/netobs/netobs/pkg/version"
)

// ConfigureAndParse registers -log-level and -version on fs, parses args,
// and applies the resulting log level, generalized to take an explicit
// FlagSet so each entrypoint parses its own flags instead of the global
// flag.CommandLine.
func ConfigureAndParse(fs *pflag.FlagSet, args []string) error {
	logLevel := fs.String("log-level", log.InfoLevel.String(),
		"log level, must be one of: panic, fatal, error, warn, info, debug")
	printVersion := fs.Bool("version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return err
	}
	return ApplyLogLevel(*logLevel, *printVersion)
}

// ApplyLogLevel applies a parsed -log-level/-version pair. Split out of
// ConfigureAndParse so callers whose FlagSet is already owned and parsed by
// something else (a cobra.Command's own Execute cycle, for instance) can
// register -log-level/-version themselves alongside their other flags and
// apply the result after cobra parses, instead of handing this package a
// second, competing registration-and-parse pass over the same FlagSet.
func ApplyLogLevel(logLevel string, printVersion bool) error {
	if printVersion {
		fmt.Println(version.Version)
		os.Exit(0)
	}

	if err := setLogLevel(logLevel); err != nil {
		return err
	}
	log.Infof("running version %s", version.Version)
	return nil
}

func setLogLevel(logLevel string) error {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log-level %q: %w", logLevel, err)
	}
	log.SetLevel(level)

	// klog backs k8s.io/client-go's internal logging; keep it quiet unless
	// we're at debug.
	klog.SetOutput(io.Discard)
	if level == log.DebugLevel {
		klog.SetOutputBySeverity("INFO", os.Stderr)
	}
	return nil
}
