package entity

import (
	"context"
	"errors"
	"sort"
	"syscall"
	"time"

	sddbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/seantiz/nonsense/internal/async"
	"github.com/seantiz/nonsense/internal/bus"
	"github.com/seantiz/nonsense/internal/model"
)

const jobDone = "done"

// Status describes one entity as seen by the orchestrator.
type Status struct {
	Name  string    `json:"name"`
	State string    `json:"state"`
	Pid   int       `json:"pid,omitempty"`
	Since time.Time `json:"since,omitempty"`
}

// liveEntity is the record of an entity whose helper was spawned. Its
// presence in the live table is what makes an entity live.
type liveEntity struct {
	helper Helper
	conn   bus.ReadyConn
	since  time.Time

	exited  bool
	exitErr error
	onExit  func(error)
}

// Orchestrator runs entity transitions on a loop. Apart from Snapshot, its
// methods must be called on the loop goroutine.
type Orchestrator struct {
	loop    *async.Loop
	system  bus.Conn
	catalog Catalog
	spawner Spawner
	history *History
	log     *logrus.Entry

	live  map[string]*liveEntity
	locks *async.LockTable
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithHistory records every transition in h.
func WithHistory(h *History) Option {
	return func(o *Orchestrator) { o.history = h }
}

// WithLogger sets the orchestrator's logger.
func WithLogger(log *logrus.Entry) Option {
	return func(o *Orchestrator) { o.log = log }
}

// NewOrchestrator creates an orchestrator driving systemd over system and
// entity helpers started by spawner.
func NewOrchestrator(loop *async.Loop, system bus.Conn, catalog Catalog, spawner Spawner, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		loop:    loop,
		system:  system,
		catalog: catalog,
		spawner: spawner,
		log:     logrus.NewEntry(logrus.StandardLogger()),
		live:    make(map[string]*liveEntity),
		locks:   async.NewLockTable(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Locks exposes the lock table for introspection.
func (o *Orchestrator) Locks() *async.LockTable {
	return o.locks
}

// HandleStart starts name and answers r when done.
func (o *Orchestrator) HandleStart(name string, r async.Responder) {
	o.loop.Go(r, func(t *async.Task) { o.Start(t, name) })
}

// HandleStop stops name and answers r when done.
func (o *Orchestrator) HandleStop(name string, r async.Responder) {
	o.loop.Go(r, func(t *async.Task) { o.Stop(t, name) })
}

// Start brings name to the live state, starting its uplink first. Starting a
// live entity succeeds without doing anything.
func (o *Orchestrator) Start(t *async.Task, name string) {
	defer o.observe(t, name, model.OpStart)()
	log := t.WithFields(logrus.Fields{"entity": name, "op": model.OpStart})

	def, ok := o.catalog.Lookup(name)
	if !ok {
		t.Fail(async.Errorf(async.ErrNoSuchEntity, "Attempted to start an entity that does not exist: %s.", name))
	}

	tok := o.locks.Enqueue(t, name)
	defer tok.Release()

	if _, ok := o.live[name]; ok {
		log.Debug("entity already live")
		return
	}

	if up, ok := def.Uplink(); ok {
		log.WithField("uplink", up).Debug("starting uplink")
		t.Await(func(sub *async.Task) { o.Start(sub, up) })
	}

	h, err := o.spawner.Spawn(name)
	if err != nil {
		t.Fail(spawnError(name, err))
	}
	le := &liveEntity{helper: h, conn: h.Bus(), since: time.Now().UTC()}
	o.live[name] = le
	liveEntities.Set(float64(len(o.live)))
	o.watchExit(name, le)
	o.loop.Register(le.conn)

	var readyErr error
	t.Suspend(func(wake func()) {
		le.conn.OnReady(func(err error) {
			readyErr = err
			wake()
		})
	})
	if readyErr != nil {
		t.Fatalf("entity: helper of %s never became ready: %v", name, readyErr)
	}

	jobs := t.Subscribe(o.system, bus.JobRemoved)
	defer jobs.Close()

	slice := SliceName(name)
	o.startUnit(t, jobs, slice, []sddbus.Property{
		sddbus.PropDescription("Slice for nonsense namespace engine entity " + name),
	})
	o.startUnit(t, jobs, ScopeName(name), []sddbus.Property{
		sddbus.PropDescription("Scope for nonsense namespace engine entity daemon for " + name),
		sddbus.PropSlice(slice),
		sddbus.PropPids(uint32(h.Pid())),
	})

	for _, typ := range def.ComponentTypes() {
		o.addComponent(t, le, name, typ, def.Components[typ])
	}

	log.WithField("pid", h.Pid()).Info("entity started")
}

// Stop shuts down the helper of name, waits for it to exit and stops the
// entity's slice. Stopping an entity that is not live fails.
func (o *Orchestrator) Stop(t *async.Task, name string) {
	defer o.observe(t, name, model.OpStop)()
	log := t.WithFields(logrus.Fields{"entity": name, "op": model.OpStop})

	tok := o.locks.Enqueue(t, name)
	defer tok.Release()

	le, ok := o.live[name]
	if !ok {
		t.Fail(async.Errorf(async.ErrEntityNotStarted, "Failed to stop entity %s: entity is not running.", name))
	}

	if le.exited {
		log.WithError(le.exitErr).Warn("helper exited before shutdown")
	} else if _, err := t.TryCall(le.conn, bus.Entityd, "Shutdown"); errors.Is(err, bus.ErrClosed) {
		log.WithError(err).Warn("helper bus closed before shutdown")
	} else if err != nil {
		t.Check(err)
	}

	t.Suspend(func(wake func()) {
		le.waitExit(func(error) { wake() })
	})

	o.loop.Unregister(le.conn)
	if err := le.conn.Close(); err != nil {
		log.WithError(err).Debug("close helper bus")
	}
	delete(o.live, name)
	liveEntities.Set(float64(len(o.live)))

	jobs := t.Subscribe(o.system, bus.JobRemoved)
	defer jobs.Close()

	slice := SliceName(name)
	reply := t.Call(o.system, bus.SystemdManager, "StopUnit", slice, "replace")
	var job dbus.ObjectPath
	t.Read(reply, "systemd response", &job)

	if result := o.jobResult(t, jobs.Match(t, async.ByField(bus.JobRemovedUnit, slice))); result != jobDone {
		t.Fail(async.Errorf(async.ErrFailedToStop, "Failed to stop unit %s: job returned result '%s'.", slice, result))
	}

	log.Info("entity stopped")
}

// startUnit creates a transient unit and waits for its start job.
func (o *Orchestrator) startUnit(t *async.Task, jobs *async.Subscription, unit string, props []sddbus.Property) {
	reply := t.Call(o.system, bus.SystemdManager, "StartTransientUnit",
		unit, "fail", props, []sddbus.PropertyCollection{})

	var job dbus.ObjectPath
	t.Read(reply, "systemd response", &job)

	if result := o.jobResult(t, jobs.Match(t, async.ByField(bus.JobRemovedJob, job))); result != jobDone {
		t.Fail(async.Errorf(async.ErrFailedToStart, "Failed to start unit %s: job returned result '%s'.", unit, result))
	}
}

func (o *Orchestrator) jobResult(t *async.Task, msg bus.Message) string {
	var (
		id     uint32
		job    dbus.ObjectPath
		unit   string
		result string
	)
	t.Read(msg, "systemd signal", &id, &job, &unit, &result)
	t.Log().WithFields(logrus.Fields{"unit": unit, "job": job, "result": result}).Debug("job removed")
	return result
}

func (o *Orchestrator) addComponent(t *async.Task, le *liveEntity, name, typ string, c model.Component) {
	if typ == model.ComponentNetwork {
		inlined, err := InlineUplinks(c, o.catalog)
		t.Check(err)
		c = inlined
	}
	config, err := model.MarshalComponent(c)
	t.CheckLog(err, "Failed to serialize component "+typ)

	reply := t.Call(le.conn, bus.Entityd, "AddComponent", typ, config)
	var accepted bool
	t.Read(reply, "entityd response to AddComponent", &accepted)
	if !accepted {
		t.Fail(async.Errorf(async.ErrComponentRejected, "Entity %s rejected its %s component.", name, typ))
	}
}

// watchExit reaps the helper without blocking the loop.
func (o *Orchestrator) watchExit(name string, le *liveEntity) {
	go func() {
		err := le.helper.Wait()
		o.loop.Post(func() {
			le.exited, le.exitErr = true, err
			log := o.log.WithField("entity", name)
			if err != nil {
				log = log.WithError(err)
			}
			if le.onExit == nil {
				log.Warn("helper exited while live")
			} else {
				log.Debug("helper exited")
			}
			if fn := le.onExit; fn != nil {
				le.onExit = nil
				fn(err)
			}
		})
	}()
}

func (le *liveEntity) waitExit(fn func(error)) {
	if le.exited {
		fn(le.exitErr)
		return
	}
	le.onExit = fn
}

// observe records a transition in the metrics and history. The returned
// function must be deferred by the transition's task body.
func (o *Orchestrator) observe(t *async.Task, name, op string) func() {
	started := time.Now()
	var rec *Record
	if o.history != nil {
		rec = o.history.Begin(name, op)
	}
	return func() {
		observeTransition(op, t.Err(), started)
		if rec != nil {
			o.history.Finish(rec, t.Err())
		}
	}
}

func spawnError(name string, err error) *async.Error {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return async.Errno(errno, "Failed to spawn the helper of entity %s", name)
	}
	return async.Errorf(async.ErrFailedToStart, "Failed to spawn the helper of entity %s: %v", name, err)
}

// List returns the names of the live entities, sorted.
func (o *Orchestrator) List() []string {
	names := make([]string, 0, len(o.live))
	for name := range o.live {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status returns the state of name.
func (o *Orchestrator) Status(name string) Status {
	le, ok := o.live[name]
	if !ok {
		return Status{Name: name, State: model.StateAbsent}
	}
	return Status{Name: name, State: model.StateLive, Pid: le.helper.Pid(), Since: le.since}
}

// Snapshot returns the status of every live entity. It may be called from
// any goroutine; the loop must be running.
func (o *Orchestrator) Snapshot(ctx context.Context) (map[string]Status, error) {
	ch := make(chan map[string]Status, 1)
	o.loop.Post(func() {
		out := make(map[string]Status, len(o.live))
		for name := range o.live {
			out[name] = o.Status(name)
		}
		ch <- out
	})

	select {
	case out := <-ch:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
