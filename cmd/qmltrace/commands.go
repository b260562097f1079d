package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"honnef.co/go/qmltrace/session"
	"honnef.co/go/qmltrace/trace"
	"honnef.co/go/qmltrace/trace/codec"
	"honnef.co/go/qmltrace/trace/models"
)

func init() {
	rootCmd.AddCommand(infoCmd, statsCmd, convertCmd, flamegraphCmd, memoryCmd)

	statsCmd.Flags().StringVar(&statsCSV, "csv", "", "write the statistics to a CSV file")
	statsCmd.Flags().StringVar(&statsXLSX, "xlsx", "", "write the statistics and call tree to an Excel workbook")
	statsCmd.Flags().IntVarP(&statsLimit, "limit", "n", 20, "number of types to print, 0 for all")

	convertCmd.Flags().StringVar(&convertCompression, "compression", "", "compression of .qzt output: deflate, zstd, xz or none")

	flamegraphCmd.Flags().BoolVar(&flamegraphMemory, "memory", false, "weigh frames by allocated memory instead of time")
}

var infoCmd = &cobra.Command{
	Use:   "info <trace>...",
	Short: "Print a summary of traces",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := expandArgs(args)
		if err != nil {
			return err
		}
		for _, path := range paths {
			s, err := openTrace(cmd.Context(), path)
			if err != nil {
				return err
			}
			printInfo(cmd.OutOrStdout(), path, s)
			s.Close()
		}
		return nil
	},
}

func printInfo(w io.Writer, path string, s *session.Session) {
	start, end := s.TraceTime()
	available, _ := s.Features()
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "File:\t%s\n", path)
	fmt.Fprintf(tw, "Duration:\t%s\n", models.FormatDuration(end-start))
	fmt.Fprintf(tw, "Types:\t%s\n", local.Sprintf("%d", len(s.Types())))
	fmt.Fprintf(tw, "Events:\t%s\n", local.Sprintf("%d", s.EventCount()))
	fmt.Fprintf(tw, "Notes:\t%s\n", local.Sprintf("%d", len(s.Notes())))
	fmt.Fprintf(tw, "Features:\t%s\n", strings.ReplaceAll(available.String(), "|", ", "))
	tw.Flush()
}

var (
	statsCSV   string
	statsXLSX  string
	statsLimit int
)

var statsCmd = &cobra.Command{
	Use:   "stats <trace>",
	Short: "Print per-type statistics of a trace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stats := models.NewStatistics()
		s, err := openTrace(cmd.Context(), args[0], stats)
		if err != nil {
			return err
		}
		defer s.Close()

		all := stats.All()
		if statsCSV != "" {
			if err := writeFile(statsCSV, statisticsToCSV(all)); err != nil {
				return err
			}
		}
		if statsXLSX != "" {
			if err := statisticsToXLSX(statsXLSX, stats); err != nil {
				return err
			}
		}
		if statsLimit > 0 && len(all) > statsLimit {
			all = all[:statsLimit]
		}
		printStatistics(cmd.OutOrStdout(), all)
		return nil
	},
}

func printStatistics(w io.Writer, stats []models.TypeStatistic) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "Type\tCalls\tTotal\tSelf\tMedian\tTotal %\t\tName\t")
	for _, st := range stats {
		loop := ""
		if st.BindingLoop {
			loop = "loop"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t\n",
			st.EventType.Name(),
			local.Sprintf("%d", st.Calls),
			models.FormatDuration(st.Total),
			models.FormatDuration(st.Self),
			models.FormatDuration(trace.Timestamp(st.Median)),
			local.Sprintf("%.2f", st.PercentOfTotal),
			loop,
			st.EventType.DisplayName)
	}
	tw.Flush()
}

var convertCompression string

var convertCmd = &cobra.Command{
	Use:   "convert <input> <output>",
	Short: "Convert a trace to another format",
	Long: `Convert reads a trace and writes it to output. The formats of both files
are determined by their extensions, .qtd for XML and .qzt for binary.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := codec.FormatFromPath(args[1]); err != nil {
			return err
		}
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		if convertCompression != "" {
			if _, err := codec.ParseCompression(convertCompression); err != nil {
				return err
			}
			cfg.Compression = convertCompression
		}
		s, err := session.New(cfg, session.WithLogger(log))
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.Load(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("couldn't load %s: %w", args[0], err)
		}
		if err := s.Save(cmd.Context(), args[1]); err != nil {
			return fmt.Errorf("couldn't save %s: %w", args[1], err)
		}
		return nil
	},
}

var flamegraphMemory bool

var flamegraphCmd = &cobra.Command{
	Use:   "flamegraph <trace>",
	Short: "Print the flame graph of a trace in folded stack format",
	Long: `Flamegraph prints one line per call stack, with the frames separated by
semicolons and followed by the stack's self time in nanoseconds. The output
can be fed to flamegraph.pl and compatible tools.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fg := models.NewFlameGraph()
		s, err := openTrace(cmd.Context(), args[0], fg)
		if err != nil {
			return err
		}
		defer s.Close()
		return printFolded(cmd.OutOrStdout(), fg, flamegraphMemory)
	},
}

// printFolded prints every frame with its self weight, prefixed by the names of its ancestors.
func printFolded(w io.Writer, fg *models.FlameGraph, memory bool) error {
	weight := func(f *models.FlameFrame) int64 {
		if memory {
			return f.Memory
		}
		return int64(f.Duration)
	}
	var stack []string
	var err error
	fg.Walk(func(f *models.FlameFrame, depth int) bool {
		stack = append(stack[:depth], strings.ReplaceAll(fg.Name(f), ";", ":"))
		self := weight(f)
		for _, c := range f.Children {
			self -= weight(c)
		}
		if self > 0 {
			_, err = fmt.Fprintf(w, "%s %d\n", strings.Join(stack, ";"), self)
		}
		return err == nil
	})
	return err
}

var memoryCmd = &cobra.Command{
	Use:   "memory <trace>",
	Short: "Print the memory usage of a trace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mem := models.NewMemoryUsage()
		pix := models.NewPixmapCache()
		s, err := openTrace(cmd.Context(), args[0], mem, pix)
		if err != nil {
			return err
		}
		defer s.Close()
		printMemory(cmd.OutOrStdout(), mem, pix)
		return nil
	},
}

func printMemory(w io.Writer, mem *models.MemoryUsage, pix *models.PixmapCache) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "Heap size:\t%s\n", models.FormatBytes(mem.HeapSize()))
	fmt.Fprintf(tw, "Memory usage:\t%s\n", models.FormatBytes(mem.Usage()))
	fmt.Fprintf(tw, "Peak:\t%s\n", models.FormatBytes(mem.MaxSize()))
	fmt.Fprintf(tw, "Pixmap cache:\t%s\n", models.FormatBytes(pix.CacheSize()))
	fmt.Fprintf(tw, "Pixmap cache peak:\t%s\n", models.FormatBytes(pix.MaxCacheSize()))
	fmt.Fprintf(tw, "Pixmaps:\t%d\n", len(pix.Pixmaps()))
	tw.Flush()

	if mem.Len() == 0 {
		return
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "Start\tDuration\tRow\tItem")
	for i := 0; i < mem.Len(); i++ {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			models.FormatDuration(mem.Start(i)),
			models.FormatDuration(mem.Duration(i)),
			mem.RowLabel(mem.Row(i)),
			mem.Label(i))
	}
	tw.Flush()
}
