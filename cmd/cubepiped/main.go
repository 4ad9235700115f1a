// Backend daemon serving cube regions to visualization clients over the
// pipe channels.

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	cubepipe "github.com/casangi/cubepipe"
	"github.com/casangi/cubepipe/backend"
	"github.com/casangi/cubepipe/cube"
	"github.com/casangi/cubepipe/pipe"
	"github.com/casangi/cubepipe/session"
)

var (
	// Display usage if true.
	showHelp = flag.Bool("help", false, "")

	// Run in verbose mode if true.
	runVerbose = flag.Bool("verbose", false, "")

	// Path to a TOML session config; defaults used if unset.
	configFile = flag.String("config", "", "")

	// Root directory for relative cube paths.
	cubeRoot = flag.String("root", "", "")
)

const helpMessage = `
cubepiped serves astronomical image-cube regions at adaptive resolution.

Usage: cubepiped [options] [cube directory]

      -config     =string   Path to TOML session config.
      -root       =string   Root directory for relative cube paths.
      -verbose    (flag)    Run in verbose mode.
  -h, -help       (flag)    Show help message

With a cube directory argument the cube is opened immediately; otherwise
clients open cubes through the control channel.
`

var usage = func() {
	fmt.Printf(helpMessage)
}

func main() {
	flag.BoolVar(showHelp, "h", false, "Show help message")
	flag.Usage = usage
	flag.Parse()

	if *showHelp {
		flag.Usage()
		os.Exit(0)
	}
	if *runVerbose {
		cube.Verbose = true
	}

	config := session.Default()
	if *configFile != "" {
		var err error
		config, err = session.Load(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
	}
	config.Logging.SetLogger()

	root := *cubeRoot
	if root == "" {
		root = config.Store.Root
	}
	service := backend.NewService(root)
	defer service.Close()

	if flag.NArg() >= 1 {
		shape, _, err := service.OpenCube(flag.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot open cube %q: %v\n", flag.Arg(0), err)
			os.Exit(1)
		}
		cube.Infof("Serving cube %q with shape %s\n", flag.Arg(0), shape)
	}

	options := []pipe.ServerOption{}
	if config.Store.FetchWorkers > 0 {
		options = append(options, pipe.WithFetchWorkers(config.Store.FetchWorkers))
	}
	server := pipe.NewServer(service, options...)
	if err := server.Start(config.Endpoints()); err != nil {
		fmt.Fprintf(os.Stderr, "cannot start pipe servers: %v\n", err)
		os.Exit(1)
	}
	cube.Infof("cubepiped %s ready (protocol %s)\n", cubepipe.Version, cubepipe.ProtocolVersion)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cube.Infof("Shutting down on signal.\n")
	server.Shutdown()
}
