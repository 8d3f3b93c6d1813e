package logging

import "time"

// TimedOperation logs an operation together with how long it took.
type TimedOperation struct {
	logger Logger
	msg    string
	start  time.Time
	fields []Field
}

// StartTimer begins timing an operation
func StartTimer(logger Logger, msg string, fields ...Field) *TimedOperation {
	return &TimedOperation{logger: logger, msg: msg, start: time.Now(), fields: fields}
}

func (t *TimedOperation) withLatency(extra ...Field) []Field {
	fields := append(t.fields[:len(t.fields):len(t.fields)], Latency(time.Since(t.start)))
	return append(fields, extra...)
}

// End logs the operation at debug level.
func (t *TimedOperation) End() {
	t.logger.Debug(t.msg, t.withLatency()...)
}

// EndInfo logs the operation at info level with additional fields.
func (t *TimedOperation) EndInfo(extra ...Field) {
	t.logger.Info(t.msg, t.withLatency(extra...)...)
}

// EndError logs the operation as failed.
func (t *TimedOperation) EndError(err error) {
	t.logger.Error(t.msg, t.withLatency(Error(err))...)
}
