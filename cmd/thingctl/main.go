// thingctl is a small operator CLI for the device platform command API.
// It reads credentials from the environment and takes the operation as
// positional arguments, e.g.:
//
//	thingctl get 359633100000001 swd_status
//	thingctl set 359633100000001 swd_status online
//	thingctl unset 359633100000001 swd_status
//	thingctl find 359633100000001
//	thingctl list -offset 0 -limit 25
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/feedalert/mqtt-to-postgres/cmd/mqtt-to-postgres/helper"
	"github.com/feedalert/mqtt-to-postgres/cmd/mqtt-to-postgres/telit"
	json "github.com/goccy/go-json"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"
)

func main() {
	helper.InitLogging()

	offset := flag.Int("offset", 0, "list offset")
	limit := flag.Int("limit", 25, "list page size")
	timeout := flag.Duration("timeout", 30*time.Second, "request timeout")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	api, err := env.GetAsString("TELIT_API", true, "")
	if err != nil {
		zap.S().Fatalf("Failed to get TELIT_API from env: %s", err)
	}
	username, err := env.GetAsString("TELIT_USERNAME", true, "")
	if err != nil {
		zap.S().Fatalf("Failed to get TELIT_USERNAME from env: %s", err)
	}
	password, err := env.GetAsString("TELIT_PASSWORD", true, "")
	if err != nil {
		zap.S().Fatalf("Failed to get TELIT_PASSWORD from env: %s", err)
	}

	client := telit.NewClient(api, username, password)
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch args[0] {
	case "get":
		requireArgs(args, 3)
		ts, value, err := client.GetThingAttr(ctx, args[1], args[2])
		if err != nil {
			zap.S().Fatalf("Failed to get attribute: %s", err)
		}
		fmt.Printf("%s\t%s\n", ts, value)
	case "set":
		requireArgs(args, 4)
		if err := client.SetThingAttr(ctx, args[1], args[2], args[3]); err != nil {
			zap.S().Fatalf("Failed to set attribute: %s", err)
		}
	case "unset":
		requireArgs(args, 3)
		if err := client.UnsetThingAttr(ctx, args[1], args[2]); err != nil {
			zap.S().Fatalf("Failed to unset attribute: %s", err)
		}
	case "find":
		requireArgs(args, 2)
		thing, err := client.FindThing(ctx, args[1])
		if err != nil {
			zap.S().Fatalf("Failed to find thing: %s", err)
		}
		printJSON(thing)
	case "list":
		things, err := client.ListThings(ctx, *offset, *limit)
		if err != nil {
			zap.S().Fatalf("Failed to list things: %s", err)
		}
		printJSON(things)
	default:
		usage()
	}
}

func requireArgs(args []string, n int) {
	if len(args) != n {
		usage()
	}
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		zap.S().Fatalf("Failed to encode response: %s", err)
	}
	fmt.Println(string(out))
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: thingctl get <key> <attr> | set <key> <attr> <value> | unset <key> <attr> | find <key> | list [-offset N] [-limit N]")
	os.Exit(2)
}
