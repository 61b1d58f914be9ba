package main

import (
	"os"

	"github.com/Fuabioo/expand-user/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
