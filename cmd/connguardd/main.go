package main

import (
	"fmt"
	"os"

	"github.com/sdp-gateway/connguard/cmd/connguardd/command"
)

func main() {
	if err := command.Root().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
