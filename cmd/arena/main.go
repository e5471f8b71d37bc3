package main

import (
	"os"

	"github.com/promptarena/arena/cmd/arena/commands"
)

func main() {
	os.Exit(commands.Execute())
}
