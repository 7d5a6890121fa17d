package main

import (
	"os"

	"github.com/jrepp/corduroy/internal/cmd"
)

func main() {
	os.Exit(cmd.Main(os.Args))
}
