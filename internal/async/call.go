package async

import (
	"github.com/seantiz/nonsense/internal/bus"
)

// Call issues one method call on c and suspends t until it completes.
//
// A method-error reply fails t with the remote name and message. Any other
// completion error fails t as ErrFailed. Failing to issue the call at all is
// fatal.
func (t *Task) Call(c bus.Conn, dest bus.Destination, method string, args ...interface{}) bus.Message {
	reply, err := t.TryCall(c, dest, method, args...)
	if err != nil {
		if remote := AsRemoteError(err); remote != nil {
			t.log.WithField("error_name", remote.Name).Debugf("%s.%s returned an error", dest.Interface, method)
			t.Fail(remote)
		}
		t.Fail(Errorf(ErrFailed, "Call to %s.%s failed: %v", dest.Interface, method, err))
	}
	return reply
}

// TryCall is Call that hands the completion error back to the caller instead
// of failing t. Failing to issue the call is still fatal.
func (t *Task) TryCall(c bus.Conn, dest bus.Destination, method string, args ...interface{}) (bus.Message, error) {
	var (
		reply   bus.Message
		callErr error
	)

	t.Suspend(func(wake func()) {
		err := c.Go(dest, method, func(msg bus.Message, err error) {
			reply, callErr = msg, err
			wake()
		}, args...)
		if err != nil {
			t.Fatalf("async: issue call %s.%s: %v", dest.Interface, method, err)
		}
	})
	return reply, callErr
}

// Read decodes msg into dst, failing t if the body does not fit. what names
// the message in the failure.
func (t *Task) Read(msg bus.Message, what string, dst ...interface{}) {
	if err := msg.Store(dst...); err != nil {
		LogOnError(t.log, err, "Failed to parse "+what)
		t.Fail(Errorf(ErrFailed, "Failed to parse %s: %v", what, err))
	}
}
