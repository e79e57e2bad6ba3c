package ui

// Config contains window/input/audio related settings.
type Config struct {
	Title string // window title
	Scale int    // integer upscaling factor
	// StatePath is where F5/F7 save states go.
	StatePath string
}

// Defaults fills missing fields with reasonable defaults.
func (c *Config) Defaults() {
	if c.Title == "" {
		c.Title = "gbcemu"
	}
	if c.Scale <= 0 {
		c.Scale = 3
	}
	if c.StatePath == "" {
		c.StatePath = "slot0.savestate"
	}
}
