// jbctl is a small control client for the admin endpoints the daemons
// expose: health, configuration echo, metrics, and the moldreplay
// start/stop/status controls.
//
// Usage:
//
//	jbctl --host 127.0.0.1 --port 8080 health
//	jbctl --host 127.0.0.1 --port 8080 status
//	jbctl --host 127.0.0.1 --port 8080 start
//	jbctl --host 127.0.0.1 --port 8080 stop
//	jbctl --host 127.0.0.1 --port 8080 config
//	jbctl --host 127.0.0.1 --port 8080 metrics
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/pflag"
)

var commands = map[string]string{
	"health":  "/",
	"config":  "/config",
	"metrics": "/metrics",
	"status":  "/replay-status",
	"start":   "/replay-start",
	"stop":    "/replay-stop",
}

func main() {
	os.Exit(run())
}

func run() int {
	fs := pflag.NewFlagSet("jbctl", pflag.ContinueOnError)
	host := fs.String("host", "127.0.0.1", "admin endpoint host")
	port := fs.Int("port", 8080, "admin endpoint port")
	timeout := fs.Duration("timeout", 5*time.Second, "request timeout")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: jbctl [flags] <%s>\n", commandList())
		return 2
	}
	path, ok := commands[fs.Arg(0)]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q; want one of %s\n", fs.Arg(0), commandList())
		return 2
	}

	client := resty.New().
		SetBaseURL(fmt.Sprintf("http://%s:%d", *host, *port)).
		SetTimeout(*timeout)

	resp, err := client.R().Get(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Print(resp.String())
	if !resp.IsSuccess() {
		fmt.Fprintf(os.Stderr, "status %d\n", resp.StatusCode())
		return 1
	}
	return 0
}

func commandList() string {
	return "health|config|metrics|status|start|stop"
}
