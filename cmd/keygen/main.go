// keygen provisions Ed25519 device keys. It writes the public registry the
// ingestor loads (DEVICE_REGISTRY_PATH) and a private file for flashing
// devices.
package main

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"myco/internal/devicekeys"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	flagSet := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
	count := flagSet.Int("count", 1, "number of devices to provision")
	out := flagSet.String("out", "devices.json", "public registry path; secrets go to <name>_private.json")
	prefix := flagSet.String("prefix", "myco-node-", "device id prefix, followed by a three-digit index")

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	keys, err := devicekeys.Generate(rand.Reader, *prefix, *count)
	if err != nil {
		return err
	}
	privatePath, err := devicekeys.Write(*out, keys)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Wrote %s and %s\n", *out, privatePath)
	return nil
}
