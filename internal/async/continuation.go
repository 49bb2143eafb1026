package async

// Responder delivers the single reply of a top-level call. A nil err means
// success. An error returned by Reply means the reply could not be sent.
type Responder interface {
	Reply(err *Error) error
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(err *Error) error

func (f ResponderFunc) Reply(err *Error) error {
	return f(err)
}

// Continuation is what a task does when it finishes: either reply to the
// top-level call that started it, or resume the parent task awaiting it.
// It is spent by its first terminal action; any further one is fatal.
type Continuation struct {
	responder Responder
	parent    func(err *Error)
	spent     bool
}

// TopLevel returns a continuation that answers r.
func TopLevel(r Responder) *Continuation {
	return &Continuation{responder: r}
}

// Nested returns a continuation that hands the outcome to resume.
func Nested(resume func(err *Error)) *Continuation {
	return &Continuation{parent: resume}
}

// IsTopLevel reports whether c replies to a call.
func (c *Continuation) IsTopLevel() bool {
	return c.responder != nil
}

// Spent reports whether c already took its terminal action.
func (c *Continuation) Spent() bool {
	return c.spent
}

// Reply answers the top-level call. Failing to send the reply is fatal.
func (c *Continuation) Reply(l *Loop, err *Error) {
	if c.responder == nil {
		l.Fatalf("async: reply through a nested continuation")
		return
	}
	if !c.take(l) {
		return
	}
	if sendErr := c.responder.Reply(err); sendErr != nil {
		l.Fatalf("async: send reply: %v", sendErr)
	}
}

// Resume hands the outcome back to the parent task.
func (c *Continuation) Resume(l *Loop, err *Error) {
	if c.parent == nil {
		l.Fatalf("async: resume of a top-level continuation")
		return
	}
	if !c.take(l) {
		return
	}
	c.parent(err)
}

func (c *Continuation) finish(l *Loop, err *Error) {
	if c.IsTopLevel() {
		c.Reply(l, err)
		return
	}
	c.Resume(l, err)
}

func (c *Continuation) take(l *Loop) bool {
	if c.spent {
		l.Fatalf("async: continuation finished twice")
		return false
	}
	c.spent = true
	return true
}
