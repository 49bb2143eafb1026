package helper

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/seantiz/nonsense/internal/bus"
	"github.com/seantiz/nonsense/internal/model"
)

// Error names the agent replies with.
const (
	ErrComponentAlreadyActive = "org.nonsense.Error.ComponentAlreadyActive"
	ErrUnknownComponent       = "org.nonsense.Error.UnknownComponent"
)

// Agent holds the components applied to one entity. Its handlers run one at
// a time on the peer server's goroutine.
type Agent struct {
	entity string
	ops    Ops
	log    *logrus.Entry

	active      map[string]model.Component
	components  Cleanup
	connections Cleanup
	shutdown    bool
}

// NewAgent creates the agent of entity.
func NewAgent(entity string, ops Ops, log *logrus.Entry) *Agent {
	return &Agent{
		entity: entity,
		ops:    ops,
		log:    log.WithField("entity", entity),
		active: make(map[string]model.Component),
	}
}

// Register installs the agent's methods on srv. Shutdown stops srv once it
// has replied.
func (a *Agent) Register(srv *bus.PeerServer) {
	srv.Handle("AddComponent", func(args bus.Message) ([]interface{}, error) {
		var typ, config string
		if err := args.Store(&typ, &config); err != nil {
			return nil, fmt.Errorf("parse AddComponent arguments: %w", err)
		}
		ok, err := a.AddComponent(typ, config)
		if err != nil {
			return nil, err
		}
		return []interface{}{ok}, nil
	})
	srv.Handle("Shutdown", func(bus.Message) ([]interface{}, error) {
		a.Shutdown()
		a.shutdown = true
		srv.Stop()
		return nil, nil
	})
}

// Serve answers the daemon over rw until it calls Shutdown or hangs up. A
// hangup undoes the applied components as Shutdown would.
func (a *Agent) Serve(rw io.ReadWriter) error {
	srv := bus.NewPeerServer(rw, bus.Entityd.Interface)
	a.Register(srv)

	err := srv.Serve()
	if !a.shutdown {
		a.log.WithError(err).Warn("daemon went away without shutdown")
		a.Shutdown()
	}
	return err
}

// AddComponent applies a component of type typ, described by the JSON
// config. It reports false if applying it failed; whatever was done by then
// has been undone and the component may be added again.
func (a *Agent) AddComponent(typ, config string) (bool, error) {
	log := a.log.WithField("component", typ)

	if typ != model.ComponentNetwork {
		return false, bus.RemoteError(ErrUnknownComponent, "Unknown component type "+typ)
	}
	if _, ok := a.active[typ]; ok {
		return false, bus.RemoteError(ErrComponentAlreadyActive, "Tried to add an already active component to an entity")
	}

	var c model.Component
	if err := json.Unmarshal([]byte(config), &c); err != nil {
		return false, fmt.Errorf("parse %s component: %w", typ, err)
	}
	log.WithField("config", config).Info("adding component")

	var component, connection Cleanup
	err := a.addNetwork(c, &component, &connection)
	if err != nil {
		log.WithError(err).Error("failed to add component")
		if err := connection.Run(); err != nil {
			log.WithError(err).Warn("rollback of connection incomplete")
		}
		if err := component.Run(); err != nil {
			log.WithError(err).Warn("rollback of component incomplete")
		}
		return false, nil
	}

	a.active[typ] = c
	a.components.Merge(&component)
	a.connections.Merge(&connection)
	return true, nil
}

func (a *Agent) addNetwork(c model.Component, component, connection *Cleanup) error {
	n, err := newNetwork(a.entity, a.ops, a.log.WithField("component", model.ComponentNetwork))
	if err != nil {
		return err
	}
	return n.provision(c, component, connection)
}

// Active reports whether a component of type typ is applied.
func (a *Agent) Active(typ string) bool {
	_, ok := a.active[typ]
	return ok
}

// Shutdown undoes every applied component: first the connections to
// uplinks, then the components themselves.
func (a *Agent) Shutdown() {
	if err := a.connections.Run(); err != nil {
		a.log.WithError(err).Warn("connection cleanup incomplete")
	}
	if err := a.components.Run(); err != nil {
		a.log.WithError(err).Warn("component cleanup incomplete")
	}
	a.active = make(map[string]model.Component)
	a.log.Info("shut down")
}
