package async

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Error names replied to callers.
const (
	ErrFailed            = "org.nonsense.Error.Failed"
	ErrNoSuchEntity      = "org.nonsense.Error.NoSuchEntity"
	ErrEntityNotStarted  = "org.nonsense.Error.EntityNotStarted"
	ErrFailedToStart     = "org.nonsense.Error.FailedToStart"
	ErrFailedToStop      = "org.nonsense.Error.FailedToStop"
	ErrComponentRejected = "org.nonsense.Error.ComponentRejected"
	ErrAccessDenied      = "org.nonsense.Error.AccessDenied"

	errnoPrefix = "System.Error."
)

// Error is a structured failure: a symbolic name and a message meant for
// direct display.
type Error struct {
	Name    string
	Message string
}

func (e *Error) Error() string {
	return e.Name + ": " + e.Message
}

// DBus converts e into the form godbus replies with.
func (e *Error) DBus() *dbus.Error {
	return dbus.NewError(e.Name, []interface{}{e.Message})
}

// Errorf builds an Error with a formatted message.
func Errorf(name, format string, args ...interface{}) *Error {
	return &Error{Name: name, Message: fmt.Sprintf(format, args...)}
}

// Errno builds an Error named after an errno, the way sd-bus names them.
func Errno(errno syscall.Errno, format string, args ...interface{}) *Error {
	return &Error{
		Name:    errnoName(errno),
		Message: fmt.Sprintf(format, args...) + ": " + errno.Error(),
	}
}

func errnoName(errno syscall.Errno) string {
	name := unix.ErrnoName(errno)
	if name == "" {
		name = fmt.Sprintf("E%d", int(errno))
	}
	return errnoPrefix + name
}

// AsError normalizes any error into an Error. Remote errors keep their name;
// errno values are named after the errno; anything else is ErrFailed.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if e := AsRemoteError(err); e != nil {
		return e
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return &Error{Name: errnoName(errno), Message: err.Error()}
	}
	return &Error{Name: ErrFailed, Message: err.Error()}
}

// AsRemoteError returns the Error carried by a method-error reply, or nil if
// err is not one.
func AsRemoteError(err error) *Error {
	var pderr *dbus.Error
	if errors.As(err, &pderr) && pderr != nil {
		return &Error{Name: pderr.Name, Message: pderr.Error()}
	}
	var derr dbus.Error
	if errors.As(err, &derr) {
		return &Error{Name: derr.Name, Message: derr.Error()}
	}
	return nil
}

// LogOnError logs err under msg and returns it unchanged.
func LogOnError(log logrus.FieldLogger, err error, msg string) error {
	if err != nil {
		log.WithError(err).Errorf("Error: %s", msg)
	}
	return err
}
