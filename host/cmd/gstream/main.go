// Command gstream sends a G-code file to the network console over Telnet,
// waiting for each line to be acknowledged. Without a file it opens an
// interactive shell session.
package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/spf13/pflag"

	"netconsole/host/stream"
)

const defaultPort = "23"

func main() {
	var quiet, helpOnly bool
	var timeout time.Duration

	pflag.CommandLine.SortFlags = false
	pflag.BoolVarP(&quiet, "quiet", "q", false, "Do not print each line as it is acknowledged.")
	pflag.DurationVarP(&timeout, "timeout", "t", 60*time.Second,
		"Give up when a line is not acknowledged within `DURATION`.")
	pflag.BoolVarP(&helpOnly, "help", "h", false, "Output this help.")
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: %[1]s [flags...] HOST[:PORT] [FILE]

Streams FILE to the console at HOST, port %[2]s unless given. Comments and
blank lines are skipped. Without FILE, stdin is sent line by line.

%[3]s`, os.Args[0], defaultPort, pflag.CommandLine.FlagUsagesWrapped(80))
	}
	pflag.Parse()

	if helpOnly {
		pflag.Usage()
		os.Exit(0)
	}
	if pflag.NArg() < 1 || pflag.NArg() > 2 {
		pflag.Usage()
		os.Exit(2)
	}

	addr := pflag.Arg(0)
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, defaultPort)
	}

	client, err := stream.Dial(addr, timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if pflag.NArg() == 1 {
		fmt.Printf("Connected to %s, end input to leave\n", addr)
		if err := client.Interact(os.Stdin, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := send(client, pflag.Arg(1), quiet); err != nil {
		client.Close()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	client.Close()
}

func send(client *stream.Client, path string, quiet bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return err
	}
	fmt.Printf("Streaming %s (%s)\n", path, sizestr.ToString(st.Size()))

	start := time.Now()
	n, err := client.Stream(f, func(n int, line string) {
		if !quiet {
			fmt.Printf("SND %d: %s\n", n, line)
		}
	})
	if err != nil {
		return err
	}
	fmt.Printf("Done: %d lines in %s\n", n, time.Since(start).Round(time.Millisecond))
	return nil
}
