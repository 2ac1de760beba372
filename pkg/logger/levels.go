package logger

// Level is the minimum severity a logger emits.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

var levelNames = [...]string{
	DebugLevel: "debug",
	InfoLevel:  "info",
	WarnLevel:  "warn",
	ErrorLevel: "error",
}

func (l Level) String() string {
	if l < DebugLevel || int(l) >= len(levelNames) {
		return "info"
	}
	return levelNames[l]
}

// ParseLevel maps a configured level name to a Level. "warning" is
// accepted as an alias for warn; anything unrecognized falls back to
// info rather than failing startup over a log knob.
func ParseLevel(name string) Level {
	switch name {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}
