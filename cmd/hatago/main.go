package main

import (
	"os"

	"github.com/hatago-mcp/hatago/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
