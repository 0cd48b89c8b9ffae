package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(os.Stdout, dialEVM).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "register-evm-agent: %v\n", err)
		os.Exit(1)
	}
}
