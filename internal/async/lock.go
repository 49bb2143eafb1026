package async

// LockTable serializes tasks per name. Each name is an independent FIFO
// mutex, created on first use and kept for the table's lifetime.
type LockTable struct {
	locks map[string]*lockState
}

type lockState struct {
	held    bool
	waiters []func()
}

// NewLockTable returns an empty table.
func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[string]*lockState)}
}

func (lt *LockTable) state(name string) *lockState {
	st, ok := lt.locks[name]
	if !ok {
		st = &lockState{}
		lt.locks[name] = st
	}
	return st
}

// Enqueue suspends t until it holds the lock on name. A free lock is taken
// without parking.
func (lt *LockTable) Enqueue(t *Task, name string) *Token {
	st := lt.state(name)
	t.Suspend(func(wake func()) {
		if !st.held {
			st.held = true
			wake()
			return
		}
		st.waiters = append(st.waiters, wake)
	})
	return &Token{table: lt, name: name}
}

// Held reports whether some task holds the lock on name.
func (lt *LockTable) Held(name string) bool {
	st, ok := lt.locks[name]
	return ok && st.held
}

// Waiting returns the number of tasks queued for the lock on name.
func (lt *LockTable) Waiting(name string) int {
	st, ok := lt.locks[name]
	if !ok {
		return 0
	}
	return len(st.waiters)
}

// Token is proof of holding one name's lock.
type Token struct {
	table    *LockTable
	name     string
	released bool
}

// Name returns the locked name.
func (tok *Token) Name() string {
	return tok.name
}

// Release passes the lock to the longest waiting task, which runs before
// Release returns, or frees it if nobody waits. Releasing twice is a no-op.
func (tok *Token) Release() {
	if tok == nil || tok.released {
		return
	}
	tok.released = true

	st := tok.table.locks[tok.name]
	if len(st.waiters) == 0 {
		st.held = false
		return
	}

	next := st.waiters[0]
	st.waiters[0] = nil
	st.waiters = st.waiters[1:]
	next()
}
