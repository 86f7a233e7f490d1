package commands

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile configures a loopback run.
type Profile struct {
	SendDepth          int           `yaml:"send_depth"`
	RecvDepth          int           `yaml:"recv_depth"`
	CompletionDepth    int           `yaml:"completion_depth"`
	WideCompletions    bool          `yaml:"wide_completions"`
	MaxRecvSegments    int           `yaml:"max_recv_segments"`
	BufferSize         int           `yaml:"buffer_size"`
	BufferPoolCapacity int           `yaml:"buffer_pool_capacity"`
	PinRingMemory      bool          `yaml:"pin_ring_memory"`
	QKey               uint32        `yaml:"qkey"`
	Timeout            time.Duration `yaml:"timeout"`

	PayloadSize int     `yaml:"payload_size"`
	Iterations  int     `yaml:"iterations"`
	Immediate   *uint32 `yaml:"immediate,omitempty"`
	// CrossDevice puts the receiver on a second device with no address
	// handle back to the sender.
	CrossDevice bool   `yaml:"cross_device"`
	LogLevel    string `yaml:"log_level"`
}

// DefaultProfile returns the profile used when no file is given.
func DefaultProfile() Profile {
	return Profile{
		SendDepth:          64,
		RecvDepth:          64,
		MaxRecvSegments:    2,
		BufferSize:         4096,
		BufferPoolCapacity: 32,
		QKey:               0x11111111,
		Timeout:            5 * time.Second,
		PayloadSize:        256,
		Iterations:         100,
		LogLevel:           "info",
	}
}

// LoadProfile reads a YAML profile over the defaults. Unknown keys are rejected.
func LoadProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}
	return ParseProfile(data)
}

// ParseProfile decodes a YAML profile over the defaults.
func ParseProfile(data []byte) (Profile, error) {
	p := DefaultProfile()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Profile{}, fmt.Errorf("parse profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// Validate checks the run parameters; queue parameters are checked when the
// queue pairs are opened.
func (p Profile) Validate() error {
	if p.Iterations <= 0 {
		return fmt.Errorf("profile: iterations must be positive, got %d", p.Iterations)
	}
	if p.PayloadSize <= 0 {
		return fmt.Errorf("profile: payload_size must be positive, got %d", p.PayloadSize)
	}
	return nil
}

// Marshal renders the profile as YAML.
func (p Profile) Marshal() ([]byte, error) {
	return yaml.Marshal(p)
}
