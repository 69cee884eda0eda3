package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
)

// Fields is an alias so callers do not import logrus.
type Fields = logrus.Fields

// Entry is an alias so callers can pass a prepared entry around.
type Entry = logrus.Entry

// Settings controls output format, level and optional file rotation.
type Settings struct {
	Format       string
	Level        string
	Filename     string
	RotationTime time.Duration
	MaxAge       time.Duration
}

var std = logrus.New()

func init() {
	std.SetOutput(os.Stdout)
	std.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	std.SetLevel(logrus.InfoLevel)
}

// Init configures the package logger.
func Init(s Settings) error {
	formatter := formatterFor(s.Format)
	std.SetFormatter(formatter)
	if s.Level != "" {
		lvl, err := logrus.ParseLevel(s.Level)
		if err != nil {
			return err
		}
		std.SetLevel(lvl)
	}
	if s.Filename == "" {
		return nil
	}
	if s.RotationTime <= 0 {
		s.RotationTime = 24 * time.Hour
	}
	if s.MaxAge <= 0 {
		s.MaxAge = 7 * 24 * time.Hour
	}
	if err := os.MkdirAll(filepath.Dir(s.Filename), 0o755); err != nil {
		return err
	}
	writer, err := rotatelogs.New(
		s.Filename+".%Y%m%d%H%M",
		rotatelogs.WithLinkName(s.Filename),
		rotatelogs.WithRotationTime(s.RotationTime),
		rotatelogs.WithMaxAge(s.MaxAge),
	)
	if err != nil {
		return err
	}
	std.AddHook(lfshook.NewHook(lfshook.WriterMap{
		logrus.DebugLevel: writer,
		logrus.InfoLevel:  writer,
		logrus.WarnLevel:  writer,
		logrus.ErrorLevel: writer,
		logrus.FatalLevel: writer,
		logrus.PanicLevel: writer,
	}, formatter))
	return nil
}

func formatterFor(format string) logrus.Formatter {
	if strings.EqualFold(format, "json") {
		return &logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano}
	}
	return &logrus.TextFormatter{FullTimestamp: true}
}

// SetOutput redirects the console output, mostly for tests.
func SetOutput(w io.Writer) { std.SetOutput(w) }

func WithField(key string, value any) *Entry { return std.WithField(key, value) }

func WithFields(fields Fields) *Entry { return std.WithFields(fields) }

func WithError(err error) *Entry { return std.WithError(err) }

func Debug(args ...any) { std.Debug(args...) }

func Debugf(format string, args ...any) { std.Debugf(format, args...) }

func Info(args ...any) { std.Info(args...) }

func Infof(format string, args ...any) { std.Infof(format, args...) }

func Warn(args ...any) { std.Warn(args...) }

func Warnf(format string, args ...any) { std.Warnf(format, args...) }

func Error(args ...any) { std.Error(args...) }

func Errorf(format string, args ...any) { std.Errorf(format, args...) }

func Fatal(args ...any) { std.Fatal(args...) }
