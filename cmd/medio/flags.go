package main

import "time"

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// ServeFlags Flag structs to decouple cobra from logic for testing.
type ServeFlags struct {
	ConfigPath string
	LogLevel   string
}

type CheckFlags struct {
	ConfigPath string
}

type StatusFlags struct {
	ConfigPath string
	Health     bool
	// Remote daemon connection
	APIUrl     string
	APITimeout time.Duration
}
