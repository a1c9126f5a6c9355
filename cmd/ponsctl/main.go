// Command ponsctl validates and previews dealer feeds offline, decodes VINs
// and watches the event stream.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := buildCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
