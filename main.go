package main

import (
	"github.com/BioHazard786/warpcall/cmd"
	"github.com/BioHazard786/warpcall/internal/logging"
)

func main() {
	logger := logging.Init()
	defer logger.Sync()

	cmd.Execute()
}
