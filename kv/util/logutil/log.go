// Package logutil bootstraps the global pingcap/log logger.
package logutil

import (
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
)

// InitLogger replaces the global logger with one at level, writing to file if it is set and to stderr otherwise.
func InitLogger(level, file string) error {
	cfg := &log.Config{Level: level}
	if file != "" {
		cfg.File.Filename = file
	}
	lg, props, err := log.InitLogger(cfg)
	if err != nil {
		return errors.Trace(err)
	}
	log.ReplaceGlobals(lg, props)
	return nil
}
