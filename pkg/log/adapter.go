package log

import "github.com/sirupsen/logrus"

// BadgerLogger routes badger's internal logging into the crawl's logrus entry.
// Badger is chatty at info level (compactions, value log GC), so info is demoted to debug.
type BadgerLogger struct {
	entry *logrus.Entry
}

// NewBadgerLogger tags every badger message with component=hashstore
func NewBadgerLogger(entry *logrus.Entry) *BadgerLogger {
	return &BadgerLogger{entry: entry.WithField("component", "hashstore")}
}

func (l *BadgerLogger) Errorf(f string, v ...interface{})   { l.entry.Errorf(f, v...) }
func (l *BadgerLogger) Warningf(f string, v ...interface{}) { l.entry.Warnf(f, v...) }
func (l *BadgerLogger) Infof(f string, v ...interface{})    { l.entry.Debugf(f, v...) }
func (l *BadgerLogger) Debugf(f string, v ...interface{})   { l.entry.Tracef(f, v...) }
