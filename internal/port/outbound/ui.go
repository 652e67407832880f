package outbound

// Level classifies a user-visible notice.
type Level string

const (
	// LevelInfo is a neutral notice.
	LevelInfo Level = "info"
	// LevelWarning is shown for recoverable problems such as access denial.
	LevelWarning Level = "warning"
	// LevelError is shown for terminal problems such as session expiry.
	LevelError Level = "error"
)

// Navigator moves the user interface to another route.
// Navigation is a control-flow signal: callers must not assume it returns
// before the host has finished any work it triggers.
type Navigator interface {
	Navigate(route string)
}

// Notifier surfaces short transient notices (toasts).
type Notifier interface {
	Notify(level Level, message string)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(route string)

// Navigate calls f(route).
func (f NavigatorFunc) Navigate(route string) { f(route) }

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(level Level, message string)

// Notify calls f(level, message).
func (f NotifierFunc) Notify(level Level, message string) { f(level, message) }
