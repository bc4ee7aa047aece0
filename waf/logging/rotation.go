package logging

import (
	"io"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation holds log rotation configuration
type Rotation struct {
	Filename string `yaml:"file" json:"file"`
	// MaxSize in MB before rotation (default: 100)
	MaxSize int `yaml:"max_size_mb" json:"max_size_mb"`
	// MaxBackups is the number of old files to keep (default: 3)
	MaxBackups int `yaml:"max_backups" json:"max_backups"`
	// MaxAge in days to keep old files (default: 28)
	MaxAge   int  `yaml:"max_age_days" json:"max_age_days"`
	Compress bool `yaml:"compress" json:"compress"`
}

// Enabled reports whether a file is configured.
func (r Rotation) Enabled() bool { return r.Filename != "" }

// SetupRotation returns a rotating file writer, or nil when no file is
// configured.
func SetupRotation(r Rotation) io.WriteCloser {
	if !r.Enabled() {
		return nil
	}

	if r.MaxSize == 0 {
		r.MaxSize = 100
	}
	if r.MaxBackups == 0 {
		r.MaxBackups = 3
	}
	if r.MaxAge == 0 {
		r.MaxAge = 28
	}

	return &lumberjack.Logger{
		Filename:   r.Filename,
		MaxSize:    r.MaxSize,
		MaxBackups: r.MaxBackups,
		MaxAge:     r.MaxAge,
		Compress:   r.Compress,
	}
}
