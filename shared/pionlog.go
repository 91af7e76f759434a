package shared

import (
	"errors"
	"fmt"

	"github.com/pion/logging"
	"go.uber.org/zap"
)

// pionLogger routes pion's leveled logging into a LoggerAdapter.
type pionLogger struct {
	logger LoggerAdapter
}

var _ logging.LeveledLogger = (*pionLogger)(nil)

func (p *pionLogger) Trace(msg string) { p.logger.Trace(msg) }

func (p *pionLogger) Tracef(format string, args ...any) { p.logger.Trace(fmt.Sprintf(format, args...)) }

func (p *pionLogger) Debug(msg string) { p.logger.Debug(msg) }

func (p *pionLogger) Debugf(format string, args ...any) { p.logger.Debug(fmt.Sprintf(format, args...)) }

func (p *pionLogger) Info(msg string) { p.logger.Info(msg) }

func (p *pionLogger) Infof(format string, args ...any) { p.logger.Info(fmt.Sprintf(format, args...)) }

func (p *pionLogger) Warn(msg string) { p.logger.Warn(msg) }

func (p *pionLogger) Warnf(format string, args ...any) { p.logger.Warn(fmt.Sprintf(format, args...)) }

func (p *pionLogger) Error(msg string) { p.logger.Error(msg, errors.New(msg)) }

func (p *pionLogger) Errorf(format string, args ...any) {
	err := fmt.Errorf(format, args...)
	p.logger.Error(err.Error(), err)
}

type pionLoggerFactory struct {
	logger LoggerAdapter
}

// NewPionLoggerFactory returns a logging.LoggerFactory for webrtc.SettingEngine.
func NewPionLoggerFactory(logger LoggerAdapter) logging.LoggerFactory {
	return &pionLoggerFactory{logger: logger}
}

func (f *pionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{logger: f.logger.With(zap.String("pion", scope))}
}
