package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"

	"github.com/benbjohnson/rewind"
	"github.com/benbjohnson/rewind/unicorn"
	"github.com/mattn/go-isatty"
)

// ExploreCommand represents a command for exploring a program's paths.
type ExploreCommand struct {
	Stdout io.Writer
	Stderr io.Writer
}

// NewExploreCommand returns a new instance of ExploreCommand.
func NewExploreCommand() *ExploreCommand {
	return &ExploreCommand{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

// Run executes the "explore" subcommand.
func (cmd *ExploreCommand) Run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("rewind-explore", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file")
	traceLength := fs.Uint("trace-length", rewind.DefaultMaxTraceLength, "")
	local := fs.Uint("local", rewind.DefaultLocalRollbackBound, "")
	total := fs.Uint64("total", rewind.DefaultTotalRollbackBound, "")
	ordinal := fs.Int("ordinal", rewind.DefaultInputOrdinal, "")
	seed := fs.Int64("seed", 1, "")
	search := fs.String("search", "bfs", "")
	checkpoints := fs.String("checkpoints", rewind.CheckpointsNearest, "")
	base := fs.String("base", "", "")
	dotPath := fs.String("dot", "", "")
	tracePath := fs.String("trace", "", "")
	taintPath := fs.String("taint", "", "")
	verbose := fs.Bool("v", false, "verbose")
	var regions RegionsFlag
	fs.Var(&regions, "map", "")
	fs.Usage = cmd.usage
	if err := fs.Parse(args); err != nil {
		return err
	} else if fs.NArg() == 0 {
		return fmt.Errorf("program required")
	} else if fs.NArg() == 1 {
		return fmt.Errorf("message file required")
	}

	log.SetFlags(0)
	if !*verbose {
		log.SetOutput(ioutil.Discard)
	}

	// Read configuration file, if specified, and apply flag overrides.
	config := rewind.NewConfig()
	if *configPath != "" {
		c, err := rewind.ReadConfigFile(*configPath)
		if err != nil {
			return err
		}
		config = c
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "trace-length":
			config.MaxTraceLength = uint32(*traceLength)
		case "local":
			config.LocalRollbackBound = uint32(*local)
		case "total":
			config.TotalRollbackBound = *total
		case "ordinal":
			config.InputOrdinal = *ordinal
		case "seed":
			config.Seed = *seed
		case "search":
			config.Search = *search
		case "checkpoints":
			config.Checkpoints = *checkpoints
		}
	})
	if err := config.Validate(); err != nil {
		return err
	}

	// Read messages delivered to the program's receive calls.
	var messages [][]byte
	for _, path := range fs.Args()[1:] {
		buf, err := ioutil.ReadFile(path)
		if err != nil {
			return err
		}
		messages = append(messages, buf)
	}

	tracer, err := unicorn.NewTracer()
	if err != nil {
		return err
	}
	defer tracer.Close()

	if err := cmd.load(tracer, fs.Arg(0), *base, regions); err != nil {
		return err
	}
	tracer.Messages = messages
	if *verbose {
		tracer.Stdout = cmd.Stderr
	}

	e := rewind.NewEngine(tracer, config)
	tracer.Attach(e)

	code, runErr := tracer.Run(ctx)
	switch {
	case code == rewind.ExitOK && runErr == nil:
		fmt.Fprintln(cmd.Stdout, "program exited before its input was read")
	case code != rewind.ExitOK:
		fmt.Fprintf(cmd.Stdout, "%s\n", cmd.color(fmt.Sprintf("exploration failed: %s", runErr), colorRed))
	default:
		fmt.Fprintf(cmd.Stdout, "%s\n", cmd.color(runErr.Error(), colorGreen))
	}

	fmt.Fprintln(cmd.Stdout, e.Stats().String())
	fmt.Fprintln(cmd.Stdout, "")
	for _, b := range e.Branches() {
		fmt.Fprintf(cmd.Stdout, "#%-4d %-10s %s deps=%s\n", b.ID, b.Status(), b.Instance.String(), b.Deps.String())
	}
	fmt.Fprintln(cmd.Stdout, "")
	for _, pc := range e.Paths() {
		fmt.Fprintln(cmd.Stdout, pc.String())
	}
	fmt.Fprintln(cmd.Stdout, "")
	fmt.Fprint(cmd.Stdout, e.Automaton().Tree().String())

	if err := writeFile(*dotPath, e.Automaton().WriteDOT); err != nil {
		return err
	} else if err := writeFile(*tracePath, func(w io.Writer) error {
		_, err := tracer.StaticTrace().WriteTo(w)
		return err
	}); err != nil {
		return err
	} else if g := e.Graph(); g != nil {
		if err := writeFile(*taintPath, g.WriteDOT); err != nil {
			return err
		}
	}

	if code != rewind.ExitOK {
		return runErr
	}
	return nil
}

// load maps the program and any extra regions into the tracer. A program is
// loaded as a raw image when a base address is given, as ELF otherwise.
func (cmd *ExploreCommand) load(tracer *unicorn.Tracer, path, base string, regions RegionsFlag) error {
	if base == "" {
		if err := tracer.LoadELF(path); err != nil {
			return err
		}
	} else {
		addr, err := parseAddr(base)
		if err != nil {
			return fmt.Errorf("invalid base address: %w", err)
		}
		code, err := ioutil.ReadFile(path)
		if err != nil {
			return err
		} else if err := tracer.LoadImage(addr, code); err != nil {
			return err
		}
	}

	for _, r := range regions {
		if err := tracer.Map(r.Addr, r.Size); err != nil {
			return err
		}
	}
	return nil
}

const (
	colorRed   = "\x1b[31m"
	colorGreen = "\x1b[32m"
	colorReset = "\x1b[0m"
)

// color wraps s in an ANSI color when stdout is a terminal.
func (cmd *ExploreCommand) color(s, color string) string {
	if f, ok := cmd.Stdout.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return color + s + colorReset
	}
	return s
}

// writeFile creates path and writes to it with fn. No-op if path is blank.
func writeFile(path string, fn func(w io.Writer) error) error {
	if path == "" {
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := fn(f); err != nil {
		return err
	}
	return f.Close()
}

func (cmd *ExploreCommand) usage() {
	fmt.Fprintln(os.Stderr, `
usage: rewind explore [arguments] PROGRAM MESSAGE...

Runs PROGRAM under the emulator, delivering each MESSAGE file to its
read and recvfrom calls in order, and explores the paths that depend on
the selected message.

Arguments:

	-config PATH
	    Read settings from a YAML file. Flags override the file.

	-trace-length N
	    Maximum number of instructions recorded per phase.
	    Defaults to 100.

	-local N
	    Perturbations tried per checkpoint of one branch.
	    Defaults to 7000.

	-total N
	    Rollbacks allowed over the whole run.
	    Defaults to 4000000000.

	-ordinal N
	    Which received message is the input, starting at 1.

	-seed N
	    Seed for random perturbation and search.

	-search STRATEGY
	    Next branch to explore: bfs, dfs or random.

	-checkpoints POLICY
	    Checkpoint association: nearest or overlap.

	-base ADDR
	    Load PROGRAM as a raw image at ADDR instead of as ELF.

	-map ADDR:SIZE
	    Map an additional zeroed region. May be repeated.

	-dot PATH
	    Write the path automaton in Graphviz format.

	-trace PATH
	    Write the static instruction listing.

	-taint PATH
	    Write the taint graph of the last phase in Graphviz format.

	-v
	    Enable verbose logging.
`[1:])
}
