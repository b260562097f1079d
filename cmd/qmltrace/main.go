// Command qmltrace inspects and converts QML profiler traces.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"honnef.co/go/qmltrace/config"
	"honnef.co/go/qmltrace/session"
	"honnef.co/go/qmltrace/trace/models"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "qmltrace",
		Short: "Inspect and convert QML profiler traces",
		Long: `qmltrace reads traces recorded by the QML profiler, in either the XML
(.qtd) or the binary (.qzt) format, and prints statistics, flame graphs and
memory usage, or converts them between formats.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

var local = message.NewPrinter(language.AmericanEnglish)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the configuration file")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, nil, err
		}
	}
	log, err := cfg.Logger()
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

// openTrace loads the trace at path into a new session that feeds ms.
func openTrace(ctx context.Context, path string, ms ...models.Model) (*session.Session, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	s, err := session.New(cfg, session.WithLogger(log))
	if err != nil {
		return nil, err
	}
	s.AnnounceModels(ms...)
	if err := s.Load(ctx, path); err != nil {
		s.Close()
		return nil, fmt.Errorf("couldn't load %s: %w", path, err)
	}
	return s, nil
}

// expandArgs expands glob patterns in args. Arguments that aren't patterns, or that match nothing, are kept
// as they are, so that opening them reports a useful error.
func expandArgs(args []string) ([]string, error) {
	var out []string
	for _, arg := range args {
		matches, err := doublestar.FilepathGlob(arg)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", arg, err)
		}
		if len(matches) == 0 {
			out = append(out, arg)
			continue
		}
		out = append(out, matches...)
	}
	return out, nil
}
