// Package logging builds the process-wide zap logger. Unlike a typical
// daemon, this one reserves stdout entirely for the BGP speaker line
// protocol (see bgpline), so every logging destination here is stderr or
// syslog — never stdout.
package logging

import (
	"fmt"
	"log/syslog"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options mirrors the daemon's logging flags.
type Options struct {
	Debug          bool
	Silent         bool
	NoSyslog       bool
	SyslogFacility string // e.g. "daemon", "local0".."local7"; default "daemon"
	Name           string // process tag used for syslog and as a logger field
}

// New builds a *zap.Logger per Options. With NoSyslog, logs go to stderr
// as JSON (or through a colorized console encoder when Debug is also set);
// otherwise they go to syslog under SyslogFacility, tagged Name.
// Debug lowers the level to debug; Silent raises it to error, matching the
// CLI's wording that --silent means "only tell me when something is
// actually wrong."
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	switch {
	case opts.Silent:
		level = zapcore.ErrorLevel
	case opts.Debug:
		level = zapcore.DebugLevel
	}

	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	sink, err := buildSink(opts)
	if err != nil {
		return nil, err
	}

	encoder := zapcore.NewJSONEncoder(encoderCfg)
	if opts.Debug && opts.NoSyslog {
		// Debug sessions are run interactively against stderr; a console
		// encoder is easier to read at a terminal than JSON.
		consoleCfg := encoderCfg
		consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(consoleCfg)
	}

	core := zapcore.NewCore(encoder, sink, level)
	logger := zap.New(core, zap.AddCaller())
	if opts.Name != "" {
		logger = logger.With(zap.String("name", opts.Name))
	}
	return logger, nil
}

func buildSink(opts Options) (zapcore.WriteSyncer, error) {
	if opts.NoSyslog {
		return zapcore.AddSync(os.Stderr), nil
	}

	facility, err := parseFacility(opts.SyslogFacility)
	if err != nil {
		return nil, err
	}

	w, err := syslog.New(facility|syslog.LOG_INFO, opts.Name)
	if err != nil {
		return nil, fmt.Errorf("connecting to syslog: %w", err)
	}
	return zapcore.AddSync(w), nil
}

// parseFacility maps the --syslog-facility flag's value to a syslog
// facility constant. No ecosystem zap-to-syslog bridge is depended on here
// (none of the retrieved pack carries one); this function and buildSink
// are the one place this module reaches past the corpus's library set,
// using the standard library's log/syslog directly.
func parseFacility(name string) (syslog.Priority, error) {
	if name == "" {
		name = "daemon"
	}
	switch name {
	case "daemon":
		return syslog.LOG_DAEMON, nil
	case "user":
		return syslog.LOG_USER, nil
	case "mail":
		return syslog.LOG_MAIL, nil
	case "local0":
		return syslog.LOG_LOCAL0, nil
	case "local1":
		return syslog.LOG_LOCAL1, nil
	case "local2":
		return syslog.LOG_LOCAL2, nil
	case "local3":
		return syslog.LOG_LOCAL3, nil
	case "local4":
		return syslog.LOG_LOCAL4, nil
	case "local5":
		return syslog.LOG_LOCAL5, nil
	case "local6":
		return syslog.LOG_LOCAL6, nil
	case "local7":
		return syslog.LOG_LOCAL7, nil
	default:
		return 0, fmt.Errorf("unknown syslog facility %q", name)
	}
}
