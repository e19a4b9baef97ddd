package config

// Default returns the canonical runtime configuration used when no file is present.
func Default() Config {
	return Config{
		Control: ControlConfig{
			Host: "127.0.0.1",
			Port: 41414,
		},
		RemoteShutdown: RemoteShutdownConfig{
			Enable:         true,
			AutoComply:     false,
			Password:       "",
			WaitTimeoutMS:  5000,
			PollIntervalMS: 50,
			IOTimeoutMS:    2000,
		},
		Protocol: ProtocolConfig{Framing: "length"},
	}
}
