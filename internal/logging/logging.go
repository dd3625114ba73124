package logging

import (
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/saltyorg/watchrelay/internal/config"
)

const (
	DefaultLogFilePath = "watchrelay.log"
	DefaultMaxSizeMB   = 25
	DefaultMaxBackups  = 5
	DefaultMaxAgeDays  = 30
	DefaultCompress    = true

	timeFormat = "2006-01-02 15:04:05"
)

// LevelForVerbosity maps the -v flag count to a level name, falling back to the stored setting.
func LevelForVerbosity(verbosity int, loader *config.Loader) string {
	switch {
	case verbosity >= 2:
		return "trace"
	case verbosity == 1:
		return "debug"
	default:
		return loader.String("log.level", "info")
	}
}

// Console configures console-only logging. Used before the database is open.
func Console(level string) {
	applyLevel(level)
	log.Logger = zerolog.New(consoleWriter(os.Stdout, false)).With().Timestamp().Logger()
}

// Apply sets the global log level and output writers (console + rotating file).
// logFilePath is the destination file; when empty, a default filename in the current working directory is used.
func Apply(level string, loader *config.Loader, logFilePath string) {
	applyLevel(level)
	applyOutputs(loader, logFilePath)
}

func applyLevel(level string) {
	switch level {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func consoleWriter(out io.Writer, noColor bool) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{Out: out, TimeFormat: timeFormat, NoColor: noColor}
}

func applyOutputs(loader *config.Loader, logFilePath string) {
	if logFilePath == "" {
		logFilePath = DefaultLogFilePath
	}

	console := consoleWriter(os.Stdout, false)
	log.Logger = zerolog.New(console).With().Timestamp().Logger()

	if err := ensureLogDir(logFilePath); err != nil {
		log.Error().Err(err).Str("path", logFilePath).Msg("Failed to prepare log directory; logging to console only")
		return
	}

	fileWriter := &lumberjack.Logger{
		Filename:   logFilePath,
		MaxSize:    max(loader.Int("log.max_size_mb", DefaultMaxSizeMB), 1),
		MaxBackups: max(loader.Int("log.max_backups", DefaultMaxBackups), 0),
		MaxAge:     max(loader.Int("log.max_age_days", DefaultMaxAgeDays), 0),
		Compress:   loader.Bool("log.compress", DefaultCompress),
	}

	multi := zerolog.MultiLevelWriter(console, consoleWriter(fileWriter, true))
	log.Logger = zerolog.New(multi).With().Timestamp().Logger()
}

// FilePathForDB returns a log file path that lives alongside the database file.
func FilePathForDB(dbPath string) string {
	if dbPath == "" {
		return DefaultLogFilePath
	}
	absDBPath, err := filepath.Abs(dbPath)
	if err != nil {
		return filepath.Join(filepath.Dir(dbPath), DefaultLogFilePath)
	}
	return filepath.Join(filepath.Dir(absDBPath), DefaultLogFilePath)
}

func ensureLogDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
