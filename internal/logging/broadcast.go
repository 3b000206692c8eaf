package logging

// Broadcast fans out each log message to every logger in the slice.
type Broadcast []Logger

func (b Broadcast) Debugf(msg string, args ...interface{}) {
	for _, l := range b {
		l.Debugf(msg, args...)
	}
}

func (b Broadcast) Debugw(msg string, keyValuePairs ...interface{}) {
	for _, l := range b {
		l.Debugw(msg, keyValuePairs...)
	}
}

func (b Broadcast) Infof(msg string, args ...interface{}) {
	for _, l := range b {
		l.Infof(msg, args...)
	}
}

func (b Broadcast) Warnf(msg string, args ...interface{}) {
	for _, l := range b {
		l.Warnf(msg, args...)
	}
}

func (b Broadcast) Errorf(msg string, args ...interface{}) {
	for _, l := range b {
		l.Errorf(msg, args...)
	}
}

var _ Logger = Broadcast{}
