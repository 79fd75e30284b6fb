package config

import (
	"fmt"
	"time"

	"jaybeams/internal/api"
	"jaybeams/internal/book"
	"jaybeams/internal/mold"
	"jaybeams/internal/stats"
)

// ItchInsideConfig configures the inside-quote generator daemon.
type ItchInsideConfig struct {
	InputFile        string       `mapstructure:"input-file"`
	OutputFile       string       `mapstructure:"output-file"`
	StopAfterSeconds int          `mapstructure:"stop-after-seconds"`
	Symbols          []string     `mapstructure:"symbol"`
	Book             book.Config  `mapstructure:"book-config"`
	Stats            stats.Config `mapstructure:"stats"`
	Control          api.Config   `mapstructure:"control"`
	Log              LogConfig    `mapstructure:"log"`
}

// DefaultItchInside returns the daemon defaults.
func DefaultItchInside() ItchInsideConfig {
	return ItchInsideConfig{
		Book:    book.DefaultConfig(),
		Stats:   stats.DefaultConfig(),
		Control: api.DefaultConfig(),
		Log:     DefaultLogConfig(),
	}
}

// Validate checks the required fields.
func (c ItchInsideConfig) Validate() error {
	if c.InputFile == "" {
		return fmt.Errorf("input-file is required")
	}
	if c.StopAfterSeconds < 0 {
		return fmt.Errorf("stop-after-seconds must be non-negative")
	}
	return c.Book.Validate()
}

// MoldReplayConfig configures the MoldUDP replay daemon.
type MoldReplayConfig struct {
	InputFile            string           `mapstructure:"input-file"`
	PrimaryDestination   string           `mapstructure:"primary-destination"`
	PrimaryPort          int              `mapstructure:"primary-port"`
	SecondaryDestination string           `mapstructure:"secondary-destination"`
	SecondaryPort        int              `mapstructure:"secondary-port"`
	SessionID            string           `mapstructure:"session-id"`
	Pacer                mold.PacerConfig `mapstructure:"pacer"`
	Control              api.Config       `mapstructure:"control"`
	Log                  LogConfig        `mapstructure:"log"`
}

// DefaultMoldReplay returns the daemon defaults.
func DefaultMoldReplay() MoldReplayConfig {
	return MoldReplayConfig{
		PrimaryDestination: "127.0.0.1",
		PrimaryPort:        12300,
		SessionID:          "JAYBEAMS00",
		Pacer:              mold.DefaultPacerConfig(),
		Control:            api.DefaultConfig(),
		Log:                DefaultLogConfig(),
	}
}

// Validate checks the required fields.
func (c MoldReplayConfig) Validate() error {
	if c.InputFile == "" {
		return fmt.Errorf("input-file is required")
	}
	if c.PrimaryDestination == "" || c.PrimaryPort <= 0 {
		return fmt.Errorf("primary-destination and primary-port are required")
	}
	if c.SecondaryDestination != "" && c.SecondaryPort <= 0 {
		return fmt.Errorf("secondary-port is required with secondary-destination")
	}
	return c.Pacer.Validate()
}

// ElectionConfig configures the optional leader election a feed
// handler joins before consuming the feed.
type ElectionConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Name     string        `mapstructure:"name"`
	Value    string        `mapstructure:"value"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// Enabled reports whether an etcd endpoint was configured.
func (c ElectionConfig) Enabled() bool { return c.Endpoint != "" }

// FeedHandlerConfig configures the MoldUDP feed-handler daemon.
type FeedHandlerConfig struct {
	ListenAddress string         `mapstructure:"listen-address"`
	ListenPort    int            `mapstructure:"listen-port"`
	Symbols       []string       `mapstructure:"symbol"`
	Book          book.Config    `mapstructure:"book-config"`
	Stats         stats.Config   `mapstructure:"stats"`
	Control       api.Config     `mapstructure:"control"`
	Election      ElectionConfig `mapstructure:"election"`
	Log           LogConfig      `mapstructure:"log"`
}

// DefaultFeedHandler returns the daemon defaults.
func DefaultFeedHandler() FeedHandlerConfig {
	return FeedHandlerConfig{
		ListenAddress: "0.0.0.0",
		ListenPort:    12300,
		Book:          book.DefaultConfig(),
		Stats:         stats.DefaultConfig(),
		Control:       api.DefaultConfig(),
		Election:      ElectionConfig{Name: "moldfeedhandler", TTL: 5 * time.Second},
		Log:           DefaultLogConfig(),
	}
}

// Validate checks the required fields.
func (c FeedHandlerConfig) Validate() error {
	if c.ListenPort <= 0 {
		return fmt.Errorf("listen-port is required")
	}
	if c.Election.Enabled() && c.Election.Name == "" {
		return fmt.Errorf("election.name is required with election.endpoint")
	}
	return c.Book.Validate()
}
