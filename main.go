package main

// main.go

import (
	"os"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	confFilepath := "config.json"
	if len(os.Args) == 2 {
		confFilepath = os.Args[1]
	}

	conf, err := loadConfig(confFilepath)
	if err != nil {
		Log.Errorf("failed to load config: %s", err)
		return
	}

	server, err := newServer(conf)
	if err != nil {
		Log.Errorf("failed to start server: %s", err)
		return
	}

	if err := server.run(); err != nil {
		Log.Error(err)
	}
}
