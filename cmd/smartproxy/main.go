package main

import (
	"os"

	"smartproxy/cmd/smartproxy/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
