package main

// Flag structs decouple cobra from command logic for testing.

type StatusFlags struct {
	Detailed bool
	Watch    bool
}

type TunnelFlags struct {
	Token    string
	TokenSet bool // --token given, even if empty
	Quick    bool
}

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}
