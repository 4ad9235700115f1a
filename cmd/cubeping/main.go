// Probe a cubepipe endpoint: perform the protocol handshake and report
// the session token and round-trip time.

package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/casangi/cubepipe/pipe"
)

var (
	// Display usage if true.
	showHelp = flag.Bool("help", false, "")

	// Channel role to probe.
	role = flag.String("role", string(pipe.ControlChannel), "")
)

const helpMessage = `

cubeping checks that a cubepipe channel is reachable and speaks a
compatible protocol version.

Usage: cubeping [options] <host> <port>

      -role       =string   Channel role to probe (control, data, image, converge).
  -h, -help       (flag)    Show help message
`

var usage = func() {
	fmt.Printf(helpMessage)
}

func main() {
	flag.BoolVar(showHelp, "h", false, "Show help message")
	flag.Usage = usage
	flag.Parse()

	if *showHelp || flag.NArg() != 2 {
		flag.Usage()
		os.Exit(0)
	}
	args := flag.Args()
	port, err := strconv.Atoi(args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad port %q: %v\n", args[1], err)
		os.Exit(1)
	}

	endpoint := pipe.Endpoint{Host: args[0], Port: port, Role: pipe.ChannelRole(*role)}
	start := time.Now()
	conn, err := pipe.OpenConnection(endpoint, pipe.WithTimeout(5*time.Second))
	if err != nil {
		fmt.Fprintf(os.Stderr, "ping failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()
	fmt.Printf("%s ok: session %s in %s\n", endpoint, conn.Session(), time.Since(start))
}
