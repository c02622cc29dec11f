package logging

import (
	"time"
)

// Common field constructors
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

func Uint32(key string, value uint32) Field {
	return Field{Key: key, Value: value}
}

func Float64(key string, value float64) Field {
	return Field{Key: key, Value: value}
}

func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Domain field helpers

func Component(name string) Field {
	return String("component", name)
}

func Unit(addr string) Field {
	return String("unit", addr)
}

func Peer(addr string) Field {
	return String("peer", addr)
}

func Role(role string) Field {
	return String("role", role)
}

func Phase(phase string) Field {
	return String("phase", phase)
}

func Seq(seq uint32) Field {
	return Uint32("seq", seq)
}

// Offset logs a clock offset in microseconds, the unit used throughout the
// sync path.
func Offset(d time.Duration) Field {
	return Int64("offset_us", d.Microseconds())
}

func Quality(score int) Field {
	return Int("quality", score)
}

func Interval(d time.Duration) Field {
	return Duration("interval", d)
}
