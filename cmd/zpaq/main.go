// Command zpaq is the command-line front end for the archiver.
//
// Usage:
//
//	zpaq add|extract|list|delete|test archive[.zpaq] [files...] [options]
//
// Commands may be abbreviated to their first letter and option names to any
// unique prefix.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/AlexStz/zpaq"
)

var optionNames = []string{
	"all", "force", "fragile", "method", "not", "quiet",
	"since", "summary", "threads", "to", "until",
}

// multiValued options consume every following non-option argument.
var multiValued = map[string]bool{"not": true, "to": true}

// optionsTakingValue consume one following argument when not given as
// --name=value. Options with an optional count ("quiet", "summary") only
// consume a following argument that looks numeric.
var optionsTakingValue = map[string]bool{
	"method": true, "since": true, "threads": true, "until": true,
}
var optionalCount = map[string]bool{"quiet": true, "summary": true}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "zpaq:", err)
		os.Exit(1)
	}
}

func usage() error {
	fmt.Fprintln(os.Stderr, `usage: zpaq command archive[.zpaq] [files...] [options]
commands (may be abbreviated to one letter):
  add      append a snapshot of the named files
  extract  restore files from the archive
  list     show archive contents
  delete   mark the named files deleted
  test     verify archive integrity
options (names may be abbreviated to a unique prefix):
  -all  -force  -fragile  -method {0..6|xN|sN}  -not PATHS...  -quiet [N]
  -since N  -summary [N]  -threads N  -to PATHS...  -until N|YYYYMMDD[HH[MM[SS]]]`)
	return errors.New("bad usage")
}

// expandOption resolves a possibly-abbreviated option name to its full
// form, requiring a unique prefix.
func expandOption(name string) (string, error) {
	var match string
	for _, full := range optionNames {
		if full == name {
			return full, nil
		}
		if strings.HasPrefix(full, name) {
			if match != "" {
				return "", fmt.Errorf("ambiguous option -%s", name)
			}
			match = full
		}
	}
	if match == "" {
		return "", fmt.Errorf("unknown option -%s", name)
	}
	return match, nil
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// canonicalize rewrites abbreviated, multi-valued and optional-count
// options into the --name=value form pflag parses.
func canonicalize(args []string) ([]string, error) {
	var out []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if len(arg) < 2 || arg[0] != '-' {
			out = append(out, arg)
			continue
		}
		name := strings.TrimLeft(arg, "-")
		var inline string
		var hasInline bool
		if eq := strings.IndexByte(name, '='); eq >= 0 {
			name, inline, hasInline = name[:eq], name[eq+1:], true
		}
		full, err := expandOption(name)
		if err != nil {
			return nil, err
		}
		switch {
		case hasInline:
			out = append(out, "--"+full+"="+inline)
		case multiValued[full]:
			n := 0
			for i+1+n < len(args) && !strings.HasPrefix(args[i+1+n], "-") {
				out = append(out, "--"+full+"="+args[i+1+n])
				n++
			}
			if n == 0 {
				return nil, fmt.Errorf("option -%s needs at least one path", full)
			}
			i += n
		case optionsTakingValue[full]:
			if i+1 >= len(args) {
				return nil, fmt.Errorf("option -%s needs a value", full)
			}
			out = append(out, "--"+full+"="+args[i+1])
			i++
		case optionalCount[full]:
			if i+1 < len(args) && isNumeric(args[i+1]) {
				out = append(out, "--"+full+"="+args[i+1])
				i++
			} else {
				out = append(out, "--"+full)
			}
		default:
			out = append(out, "--"+full)
		}
	}
	return out, nil
}

func run(args []string) error {
	if len(args) < 2 {
		return usage()
	}
	command := args[0]
	if command == "" {
		return usage()
	}
	archive := args[1]
	if !strings.HasSuffix(strings.ToLower(archive), zpaq.Suffix) {
		archive += zpaq.Suffix
	}

	rest, err := canonicalize(args[2:])
	if err != nil {
		return err
	}

	flags := pflag.NewFlagSet("zpaq", pflag.ContinueOnError)
	var (
		all     = flags.Bool("all", false, "list every version of each file")
		force   = flags.Bool("force", false, "overwrite outputs; re-add unchanged files")
		fragile = flags.Bool("fragile", false, "omit recovery metadata")
		method  = flags.String("method", "1", "compression method")
		not     = flags.StringArray("not", nil, "exclude paths")
		quiet   = flags.Int("quiet", 0, "reduce output")
		since   = flags.Int("since", 0, "start listing at version")
		summary = flags.Int("summary", 0, "summary mode, top N")
		threads = flags.Int("threads", 0, "worker threads")
		to      = flags.StringArray("to", nil, "rename prefixes")
		until   = flags.String("until", "", "stop at version or date")
	)
	flags.Lookup("quiet").NoOptDefVal = "1"
	flags.Lookup("summary").NoOptDefVal = "20"
	if err := flags.Parse(rest); err != nil {
		return err
	}
	files := flags.Args()

	level := slog.LevelInfo
	switch {
	case *quiet == 1:
		level = slog.LevelWarn
	case *quiet > 1:
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := zpaq.ValidateMethod(*method); err != nil {
		return err
	}
	opts := []zpaq.Option{
		zpaq.WithLogger(logger),
		zpaq.WithMethod(*method),
		zpaq.WithNot(*not...),
		zpaq.WithTo(*to...),
		zpaq.WithSince(*since),
	}
	if *all {
		opts = append(opts, zpaq.WithAll())
	}
	if *force {
		opts = append(opts, zpaq.WithForce())
	}
	if *fragile {
		opts = append(opts, zpaq.WithFragile())
	}
	if *threads > 0 {
		opts = append(opts, zpaq.WithThreads(*threads))
	}
	if *summary > 0 {
		opts = append(opts, zpaq.WithSummary(*summary))
	}
	if *until != "" {
		u, err := zpaq.ParseUntil(*until)
		if err != nil {
			return err
		}
		opts = append(opts, zpaq.WithUntil(u))
	}

	ctx := context.Background()
	switch command[0] {
	case 'a':
		stats, err := zpaq.Add(ctx, archive, files, opts...)
		if err != nil {
			return err
		}
		fmt.Printf("version %d: +%d -%d, %d fragments in %d blocks, %d -> %d bytes\n",
			stats.Version, stats.Added, stats.Deleted, stats.Fragments,
			stats.Blocks, stats.InputBytes, stats.Growth)
		if stats.Errors > 0 {
			return fmt.Errorf("%d errors", stats.Errors)
		}
	case 'e', 'x':
		stats, err := zpaq.Extract(ctx, archive, files, opts...)
		if stats != nil {
			fmt.Printf("%d files, %d directories, %d bytes\n",
				stats.Files, stats.Dirs, stats.Bytes)
		}
		if err != nil {
			return err
		}
		if stats.Errors > 0 {
			return fmt.Errorf("%d errors", stats.Errors)
		}
	case 'l':
		return zpaq.List(ctx, archive, files, os.Stdout, opts...)
	case 'd':
		stats, err := zpaq.Delete(ctx, archive, files, opts...)
		if err != nil {
			return err
		}
		fmt.Printf("version %d: %d files marked deleted\n", stats.Version, stats.Deleted)
	case 't':
		stats, err := zpaq.Test(ctx, archive, opts...)
		if stats != nil {
			fmt.Printf("%d versions, %d fragments, %d blocks tested, %d bad, %d damaged files, ratio %.3f\n",
				stats.Versions, stats.Fragments, stats.BlocksTested,
				stats.BadBlocks, stats.DamagedFiles, stats.Ratio())
		}
		if err != nil {
			return err
		}
	default:
		return usage()
	}
	return nil
}
