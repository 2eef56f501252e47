// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"filippo.io/age"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/tether/cmd/tether/cli"
	"github.com/bureau-foundation/tether/lib/binhash"
	"github.com/bureau-foundation/tether/lib/config"
	"github.com/bureau-foundation/tether/lib/transcript"
)

func transcriptCommand() *cli.Command {
	return &cli.Command{
		Name:    "transcript",
		Summary: "Inspect recorded runs",
		Subcommands: []*cli.Command{
			transcriptShowCommand(),
			transcriptListCommand(),
		},
	}
}

func transcriptShowCommand() *cli.Command {
	var identityPath string
	var diagnostic bool
	return &cli.Command{
		Name:    "show",
		Summary: "Print a transcript",
		Usage:   "tether transcript show [flags] FILE",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("show", pflag.ContinueOnError)
			flagSet.StringVar(&identityPath, "identity", "", "age identity file for encrypted transcripts")
			flagSet.BoolVar(&diagnostic, "diagnostic", false, "print raw records in CBOR diagnostic notation")
			return flagSet
		},
		Run: func(_ context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one transcript file")
			}
			identities, err := loadIdentities(identityPath)
			if err != nil {
				return err
			}
			return showTranscript(os.Stdout, args[0], identities, diagnostic)
		},
	}
}

func loadIdentities(path string) ([]age.Identity, error) {
	if path == "" {
		return nil, nil
	}
	return transcript.ReadIdentities(path)
}

func showTranscript(w io.Writer, path string, identities []age.Identity, diagnostic bool) error {
	digest, err := binhash.HashFile(path)
	if err != nil {
		return err
	}

	if diagnostic {
		reader, err := transcript.Open(path, identities...)
		if err != nil {
			return withIdentityHint(err)
		}
		defer reader.Close()
		fmt.Fprintf(w, "# %s (%s)\n", path, digest)
		return transcript.Diagnostic(w, reader)
	}

	recorded, err := transcript.Read(path, identities...)
	if err != nil {
		return withIdentityHint(err)
	}
	fmt.Fprintf(w, "file      %s\ndigest    %s\n", path, digest)
	return transcript.Render(w, recorded)
}

func withIdentityHint(err error) error {
	if errors.Is(err, transcript.ErrEncrypted) {
		return fmt.Errorf("%w (pass --identity with a matching age key)", err)
	}
	return err
}

func transcriptListCommand() *cli.Command {
	var params commonParams
	var directory, identityPath string
	return &cli.Command{
		Name:    "list",
		Summary: "List transcripts, newest first",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("list", pflag.ContinueOnError)
			params.register(flagSet)
			flagSet.StringVar(&directory, "dir", "", "transcript directory (default: transcript.directory from config)")
			flagSet.StringVar(&identityPath, "identity", "", "age identity file for encrypted transcripts")
			return flagSet
		},
		Run: func(_ context.Context, args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			if directory == "" {
				cfg, err := config.Load(config.LoadOptions{Path: params.configPath})
				if err != nil {
					return err
				}
				directory = cfg.Transcript.Directory
			}
			identities, err := loadIdentities(identityPath)
			if err != nil {
				return err
			}
			return listTranscripts(os.Stdout, directory, identities)
		},
	}
}

type listedTranscript struct {
	name    string
	started time.Time
	engine  string
	status  string
	prompt  string
}

// listTranscripts prints one line per transcript in directory. Files
// that cannot be read are listed with the reason instead of failing the
// whole listing.
func listTranscripts(w io.Writer, directory string, identities []age.Identity) error {
	paths, err := filepath.Glob(filepath.Join(directory, "*"+transcript.Extension))
	if err != nil {
		return err
	}

	listed := make([]listedTranscript, 0, len(paths))
	for _, path := range paths {
		entry := listedTranscript{name: filepath.Base(path)}
		recorded, err := transcript.Read(path, identities...)
		switch {
		case errors.Is(err, transcript.ErrEncrypted):
			entry.status = "encrypted"
		case err != nil:
			entry.status = "unreadable"
		default:
			entry.started = recorded.Header.StartedAt
			entry.engine = string(recorded.Header.Engine)
			entry.prompt = firstLine(recorded.Header.Prompt, 60)
			entry.status = "unfinished"
			if recorded.Result != nil {
				entry.status = string(recorded.Result.Status)
			}
		}
		listed = append(listed, entry)
	}
	sort.SliceStable(listed, func(i, j int) bool {
		if listed[i].started.Equal(listed[j].started) {
			return listed[i].name > listed[j].name
		}
		return listed[i].started.After(listed[j].started)
	})

	table := tabwriter.NewWriter(w, 2, 0, 2, ' ', 0)
	fmt.Fprintln(table, "STARTED\tENGINE\tSTATUS\tFILE\tPROMPT")
	for _, entry := range listed {
		started := "-"
		if !entry.started.IsZero() {
			started = entry.started.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(table, "%s\t%s\t%s\t%s\t%s\n", started, orDash(entry.engine), entry.status, entry.name, entry.prompt)
	}
	return table.Flush()
}

func firstLine(text string, limit int) string {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	if runes := []rune(line); len(runes) > limit {
		return string(runes[:limit-1]) + "…"
	}
	return line
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}
