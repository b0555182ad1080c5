package main

import (
	"github.com/arcward/doorman/cmd"
)

func main() {
	cmd.Execute()
}
