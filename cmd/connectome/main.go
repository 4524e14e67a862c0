package main

import (
	"os"

	"github.com/KyungWonPark/Connectome/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
