package main

import (
	"fmt"
	"log"
	"os"

	"github.com/docopt/docopt-go"
	"github.com/fatih/color"
	"golang.org/x/term"

	"bringyour.com/codoc/crdt"
	"bringyour.com/codoc/mirror"
)

const CodocCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Codoc control.

Usage:
    codocctl run --scenario=<scenario> [--journal=<journal>] [--no-color]
    codocctl demo [--clients=<clients>]

Options:
    -h --help                Show this screen.
    --version                Show version.
    --scenario=<scenario>    Scenario YAML file.
    --journal=<journal>      Attach every client to a journal database at this path.
    --no-color               Plain output even on a terminal.
    --clients=<clients>      Number of demo clients [default: 2].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CodocCtlVersion)
	if err != nil {
		panic(err)
	}

	if run_, _ := opts.Bool("run"); run_ {
		run(opts)
	} else if demo_, _ := opts.Bool("demo"); demo_ {
		demo(opts)
	}
}

func run(opts docopt.Opts) {
	scenarioPath, _ := opts.String("--scenario")
	journalPath, _ := opts.String("--journal")
	noColor, _ := opts.Bool("--no-color")

	if noColor || !term.IsTerminal(int(os.Stdout.Fd())) {
		color.NoColor = true
	}

	scenario, err := LoadScenario(scenarioPath)
	if err != nil {
		Err.Fatalf("Could not load scenario (%s).", err)
	}

	runner, err := NewScenarioRunner(scenario, journalPath)
	if err != nil {
		Err.Fatalf("Could not set up scenario (%s).", err)
	}
	defer runner.Close()

	if err := runner.Run(Out); err != nil {
		Out.Printf("%s", color.RedString("scenario failed: %s", err))
		os.Exit(1)
	}
	Out.Printf("%s", color.GreenString("scenario passed"))
}

func demo(opts docopt.Opts) {
	clientCount, err := opts.Int("--clients")
	if err != nil || clientCount < 2 {
		clientCount = 2
	}

	pool := mirror.NewClientPoolWithDefaults()
	bindings := []*mirror.TextBinding{}
	for i := 0; i < clientCount; i += 1 {
		client := pool.CreateClient()
		bindings = append(bindings, mirror.NewTextBinding(client.Doc(), client.Doc().Text("demo")))
	}

	typist := bindings[0]
	for _, chunk := range []string{"hello", ", ", "world"} {
		if err := typist.Extend(chunk); err != nil {
			Err.Fatalf("Demo edit failed (%s).", err)
		}
	}
	if err := typist.Format(0, 5, map[string]crdt.Value{"bold": crdt.Bool(true)}); err != nil {
		Err.Fatalf("Demo format failed (%s).", err)
	}

	for i, binding := range bindings {
		Out.Printf("client %d: %q", i, binding.PlainText())
	}
	converged := true
	for _, binding := range bindings[1:] {
		if binding.PlainText() != typist.PlainText() {
			converged = false
		}
	}
	fmt.Println()
	if converged {
		Out.Printf("%s", color.GreenString("all %d clients converged", clientCount))
	} else {
		Out.Printf("%s", color.RedString("clients diverged"))
		os.Exit(1)
	}
}
