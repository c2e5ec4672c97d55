// Package logging points the standard logger at a size-rotated file.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	maxSizeMB  = 10
	maxBackups = 5
	maxAgeDays = 30
)

// Setup sends log output to path, rotating it by size, and mirrors it to
// stderr when echo is set. The returned closer flushes and closes the file.
func Setup(path string, echo bool) io.Closer {
	file := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
	}
	var w io.Writer = file
	if echo {
		w = io.MultiWriter(file, os.Stderr)
	}
	log.SetOutput(w)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	return file
}
