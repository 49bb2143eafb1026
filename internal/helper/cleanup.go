package helper

import "errors"

// Cleanup is a stack of undo steps. Run executes them last-added first.
type Cleanup struct {
	steps []func() error
}

// Add pushes fn.
func (c *Cleanup) Add(fn func() error) {
	c.steps = append(c.steps, fn)
}

// Merge moves the steps of other on top of c, leaving other empty.
func (c *Cleanup) Merge(other *Cleanup) {
	c.steps = append(c.steps, other.steps...)
	other.steps = nil
}

// Len returns the number of pending steps.
func (c *Cleanup) Len() int {
	return len(c.steps)
}

// Run executes every step, even after a failure, and empties the stack.
func (c *Cleanup) Run() error {
	var errs []error
	for i := len(c.steps) - 1; i >= 0; i-- {
		if err := c.steps[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.steps = nil
	return errors.Join(errs...)
}
