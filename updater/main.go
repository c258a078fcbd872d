package main

import (
	"os"

	"github.com/Samankhalid01/capacitor-updater/updater/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
