package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/KilimcininKorOglu/dirmgr/internal/query"
	"github.com/KilimcininKorOglu/dirmgr/internal/server"
)

// openOffline loads the store of the configured data directory without
// starting the scheduler.
func openOffline(g *globalFlags) (*server.Server, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	// The session sweep and periodic tasks never run offline.
	cfg.Sessions.SweepInterval = 0
	srv, err := server.New(cfg, server.Options{Logger: newLogger(cfg, true)})
	if err != nil {
		return nil, err
	}
	return srv, nil
}

// closeOffline closes the journal without writing a dump.
func closeOffline(srv *server.Server) error {
	return srv.Storage().Close()
}

func newDumpCommand(g *globalFlags, stdout io.Writer) *cobra.Command {
	var archive bool
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Compact the journal into a fresh dump",
		Long: `
Loads the dump and journal of the data directory, writes a new dump of
the result and truncates the journal. The server must not be running.
`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			srv, err := openOffline(g)
			if err != nil {
				return err
			}
			defer closeOffline(srv)

			load := srv.LoadInfo()
			info, err := srv.Dump(archive)
			if err != nil {
				return err
			}

			fmt.Fprintf(stdout, "Dump written: %s\n", info.Path)
			fmt.Fprintf(stdout, "  Watermark:  %d\n", info.Watermark)
			fmt.Fprintf(stdout, "  Objects:    %d\n", info.Objects)
			fmt.Fprintf(stdout, "  Bytes:      %d\n", info.Bytes)
			fmt.Fprintf(stdout, "  Replayed:   %d journal entries\n", load.Replayed)
			if info.ArchivePath != "" {
				fmt.Fprintf(stdout, "  Archive:    %s\n", info.ArchivePath)
			}
			fmt.Fprintf(stdout, "  Duration:   %v\n", info.Duration.Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().BoolVar(&archive, "archive", false, "Also write a compressed copy to the archive directory")
	return cmd
}

func newVerifyCommand(g *globalFlags, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the integrity of a data directory",
		Long: `
Loads the data directory and reports namespace values bound more than
once, references to missing objects, required fields without a value and
embedded objects no container references. Exits non-zero on any finding.
`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			srv, err := openOffline(g)
			if err != nil {
				return err
			}
			defer closeOffline(srv)

			rep := srv.Verify()
			printReport(stdout, rep)
			if !rep.OK() {
				return fmt.Errorf("verify found %d problems", problems(rep))
			}
			return nil
		},
	}
}

func problems(rep *server.Report) int {
	return len(rep.Duplicates) + len(rep.Dangling) + len(rep.Missing) + len(rep.Orphans)
}

func printReport(w io.Writer, rep *server.Report) {
	fmt.Fprintf(w, "Checked %d objects at sequence %d\n", rep.Objects, rep.Seq)
	for _, d := range rep.Duplicates {
		holders := make([]string, len(d.Holders))
		for i, h := range d.Holders {
			holders[i] = h.String()
		}
		fmt.Fprintf(w, "duplicate %s %q: %s\n", d.Namespace, d.Value, strings.Join(holders, " "))
	}
	for _, d := range rep.Dangling {
		fmt.Fprintf(w, "dangling %s %s -> %s\n", d.From, d.Field, d.To)
	}
	for _, m := range rep.Missing {
		fmt.Fprintf(w, "missing %s %s\n", m.Object, m.Field)
	}
	for _, o := range rep.Orphans {
		fmt.Fprintf(w, "orphan %s\n", o)
	}
	if rep.OK() {
		fmt.Fprintln(w, "OK")
	}
}

func newQueryCommand(g *globalFlags, stdin io.Reader, stdout io.Writer) *cobra.Command {
	var (
		typeName string
		count    bool
	)
	cmd := &cobra.Command{
		Use:   "query [text]",
		Short: "Run a query against a data directory",
		Long: `
Runs a query such as

  select username, uid from user where uid >= 1000

against the data directory and prints one line per match: the handle and
then the selected fields. Vector values are joined with commas. The query
is read from standard input when no text is given. With --type the from
clause may say "object".
`,
		RunE: func(c *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			if text == "" {
				data, err := io.ReadAll(stdin)
				if err != nil {
					return err
				}
				text = string(data)
			}

			srv, err := openOffline(g)
			if err != nil {
				return err
			}
			defer closeOffline(srv)

			res, err := runQuery(srv, typeName, text)
			if err != nil {
				return err
			}
			if count {
				fmt.Fprintln(stdout, len(res.Handles))
				return nil
			}
			return printResult(stdout, srv, res)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&typeName, "type", "", "Object type the query runs over")
	flags.BoolVar(&count, "count", false, "Print only the number of matches")
	return cmd
}

func runQuery(srv *server.Server, typeName, text string) (*query.Result, error) {
	ctx := context.Background()
	if typeName == "" {
		return srv.Query().QueryText(ctx, text)
	}
	t, err := srv.Schema().TypeByName(typeName)
	if err != nil {
		return nil, err
	}
	return srv.Query().Query(ctx, t.ID, text)
}

// printResult prints one line per match. Offline nothing commits while the
// rows are read, so rows and handles line up.
func printResult(w io.Writer, srv *server.Server, res *query.Result) error {
	rows := srv.Query().Rows(res)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for i, h := range res.Handles {
		cols := []string{h.String()}
		if i < len(rows) {
			for _, vals := range rows[i] {
				parts := make([]string, len(vals))
				for j, v := range vals {
					parts[j] = v.String()
				}
				cols = append(cols, strings.Join(parts, ","))
			}
		}
		fmt.Fprintln(tw, strings.Join(cols, "\t"))
	}
	return tw.Flush()
}
