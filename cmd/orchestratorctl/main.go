// Command orchestratorctl is a command-line client for the orchestration API.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
