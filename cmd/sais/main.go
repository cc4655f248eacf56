package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/sais-dev/sais/go/internal/cli"
)

func main() {
	cli.Execute()
}
