package utils

import (
	"os"

	"github.com/rs/zerolog"
)

// Logger is the package logger. It discards everything until InitLog is called.
var Logger = zerolog.Nop()

func InitLog() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}
