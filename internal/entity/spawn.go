package entity

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"os/exec"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/seantiz/nonsense/internal/bus"
	"github.com/seantiz/nonsense/internal/logstream"
)

// Helper is a running entity helper process.
type Helper interface {
	// Pid returns the helper's process id.
	Pid() int
	// Bus returns the private bus connected to the helper.
	Bus() bus.ReadyConn
	// Wait blocks until the helper has exited.
	Wait() error
}

// Spawner starts entity helpers.
type Spawner interface {
	Spawn(entity string) (Helper, error)
}

// ExecSpawner runs the helper binary with one end of a socketpair as its
// stdin. The helper serves its bus on that socket; its stderr is forwarded
// line by line to the log broker and the daemon log.
type ExecSpawner struct {
	Path     string
	LogLevel string
	Broker   *logstream.Broker
	Log      *logrus.Entry
}

// Spawn starts the helper for entity. Errors carry the failing errno where
// there is one.
func (s *ExecSpawner) Spawn(entity string) (Helper, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, os.NewSyscallError("socketpair", err)
	}
	local := os.NewFile(uintptr(fds[0]), "entityd-bus")
	remote := os.NewFile(uintptr(fds[1]), "entityd-bus-remote")
	defer local.Close()
	defer remote.Close()

	var args []string
	if s.LogLevel != "" {
		args = append(args, "--log-level", s.LogLevel)
	}
	cmd := exec.Command(s.Path, append(args, entity)...)
	cmd.Stdin = remote
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	// FileConn dups the descriptor, so local can be closed once it returns.
	conn, err := net.FileConn(local)
	if err != nil {
		return nil, fmt.Errorf("bus connection: %w", err)
	}

	if err := cmd.Start(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("start %s: %w", s.Path, err)
	}

	log := s.Log.WithFields(logrus.Fields{"entity": entity, "pid": cmd.Process.Pid})
	if s.Broker != nil {
		s.Broker.Open(entity)
	}

	h := &execHelper{
		cmd:    cmd,
		bus:    bus.NewPeerConn(conn),
		entity: entity,
		broker: s.Broker,
	}
	h.output.Go(func() error {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			log.Debug(line)
			if h.broker != nil {
				h.broker.Publish(entity, line)
			}
		}
		return scanner.Err()
	})

	log.Info("helper started")
	return h, nil
}

type execHelper struct {
	cmd    *exec.Cmd
	bus    *bus.PeerConn
	entity string
	broker *logstream.Broker
	output errgroup.Group
}

func (h *execHelper) Pid() int {
	return h.cmd.Process.Pid
}

func (h *execHelper) Bus() bus.ReadyConn {
	return h.bus
}

// Wait reaps the helper once its stderr is drained.
func (h *execHelper) Wait() error {
	outErr := h.output.Wait()
	err := h.cmd.Wait()
	if h.broker != nil {
		h.broker.Close(h.entity)
	}
	if err != nil {
		return err
	}
	if outErr != nil {
		return fmt.Errorf("read helper output: %w", outErr)
	}
	return nil
}
