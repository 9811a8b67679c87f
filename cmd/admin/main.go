package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/onexay/diagram-share/internal/types"
)

const defaultAPI = "http://localhost:5000"

func main() {
	if err := App().Run(os.Args); err != nil {
		color.Red("%v", err)
		os.Exit(1)
	}
}

// App creates the CLI application.
func App() *cli.App {
	return &cli.App{
		Name:  "admin",
		Usage: "Inspect shares through the diagram-share REST API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "api",
				Usage:   "Base URL of the diagram-share REST API",
				Value:   defaultAPI,
				EnvVars: []string{"SHARE_API"},
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Output JSON instead of a table",
			},
		},
		Commands: []*cli.Command{
			revisionsCmd(),
			commitsCmd(),
			showCmd(),
			diffCmd(),
		},
	}
}

func idFlag() cli.Flag {
	return &cli.StringFlag{Name: "id", Usage: "Share id", Required: true}
}

func fileFlag() cli.Flag {
	return &cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "Filename inside the share", Required: true}
}

func revisionsCmd() *cli.Command {
	return &cli.Command{
		Name:  "revisions",
		Usage: "List the revisions where a file changed",
		Flags: []cli.Flag{
			idFlag(),
			fileFlag(),
			&cli.IntFlag{Name: "limit", Usage: "Revisions per page"},
			&cli.StringFlag{Name: "cursor", Usage: "Resume after this version"},
			&cli.BoolFlag{Name: "all", Usage: "Follow cursors until the history is exhausted"},
		},
		Action: func(c *cli.Context) error {
			client := newAPIClient(c.String("api"))
			var (
				revisions []types.Revision
				next      string
				err       error
			)
			if c.Bool("all") {
				revisions, err = client.allFileVersions(c.Context, c.String("id"), c.String("file"), c.Int("limit"), c.String("cursor"))
			} else {
				revisions, next, err = client.fileVersions(c.Context, c.String("id"), c.String("file"), c.Int("limit"), c.String("cursor"))
			}
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return writeJSON(c.App.Writer, map[string]any{"revisions": revisions, "cursor": next})
			}
			color.Green("%d changed revisions of %s", len(revisions), c.String("file"))
			writeRevisions(c.App.Writer, revisions)
			if next != "" {
				color.Yellow("more available: --cursor %s", next)
			}
			return nil
		},
	}
}

func commitsCmd() *cli.Command {
	return &cli.Command{
		Name:  "commits",
		Usage: "List raw revisions of a share",
		Flags: []cli.Flag{
			idFlag(),
			&cli.IntFlag{Name: "page", Value: 1},
			&cli.IntFlag{Name: "per-page", Value: 100},
		},
		Action: func(c *cli.Context) error {
			revisions, err := newAPIClient(c.String("api")).commits(c.Context, c.String("id"), c.Int("page"), c.Int("per-page"))
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return writeJSON(c.App.Writer, revisions)
			}
			writeRevisions(c.App.Writer, revisions)
			return nil
		},
	}
}

func showCmd() *cli.Command {
	return &cli.Command{
		Name:  "show",
		Usage: "Print the files of a share, optionally at a revision",
		Flags: []cli.Flag{
			idFlag(),
			&cli.StringFlag{Name: "ref", Usage: "Revision version"},
		},
		Action: func(c *cli.Context) error {
			share, err := newAPIClient(c.String("api")).share(c.Context, c.String("id"), c.String("ref"))
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return writeJSON(c.App.Writer, share)
			}

			names := make([]string, 0, len(share.Files))
			for name := range share.Files {
				names = append(names, name)
			}
			sort.Strings(names)
			title := color.New(color.FgGreen).Add(color.Underline)
			for _, name := range names {
				title.Fprintln(c.App.Writer, name)
				fmt.Fprintln(c.App.Writer, share.Files[name].Content)
			}
			return nil
		},
	}
}

func diffCmd() *cli.Command {
	return &cli.Command{
		Name:  "diff",
		Usage: "Show a unified diff of a file between two revisions",
		Flags: []cli.Flag{
			idFlag(),
			fileFlag(),
			&cli.StringFlag{Name: "from", Required: true},
			&cli.StringFlag{Name: "to", Required: true},
		},
		Action: func(c *cli.Context) error {
			d, err := newAPIClient(c.String("api")).diff(c.Context, c.String("id"), c.String("file"), c.String("from"), c.String("to"))
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return writeJSON(c.App.Writer, d)
			}
			for _, line := range strings.Split(d.Diff, "\n") {
				switch {
				case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
					color.New(color.Bold).Fprintln(c.App.Writer, line)
				case strings.HasPrefix(line, "+"):
					color.New(color.FgGreen).Fprintln(c.App.Writer, line)
				case strings.HasPrefix(line, "-"):
					color.New(color.FgRed).Fprintln(c.App.Writer, line)
				case strings.HasPrefix(line, "@@"):
					color.New(color.FgCyan).Fprintln(c.App.Writer, line)
				default:
					fmt.Fprintln(c.App.Writer, line)
				}
			}
			return nil
		},
	}
}

func writeRevisions(w io.Writer, revisions []types.Revision) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Version\tCommitted\n")
	for _, rev := range revisions {
		fmt.Fprintf(tw, "%s\t%s\n", rev.Version, rev.CommittedAt.Format(time.RFC3339))
	}
	_ = tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
