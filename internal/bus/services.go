package bus

// Well-known destinations and signals used by the daemon.
var (
	SystemdManager = Destination{
		Service:   "org.freedesktop.systemd1",
		Path:      "/org/freedesktop/systemd1",
		Interface: "org.freedesktop.systemd1.Manager",
	}

	// JobRemoved carries (id uint32, job ObjectPath, unit string, result string).
	JobRemoved = SignalSpec{
		Sender:    "org.freedesktop.systemd1",
		Path:      "/org/freedesktop/systemd1",
		Interface: "org.freedesktop.systemd1.Manager",
		Member:    "JobRemoved",
	}

	// Entityd is the helper object reached over a private peer bus.
	Entityd = Destination{
		Path:      "/",
		Interface: "org.nonsense.Entityd",
	}

	Controller = Destination{
		Service:   "org.nonsense",
		Path:      "/org/nonsense/Controller",
		Interface: "org.nonsense.Controller",
	}
)

// JobRemoved body fields.
const (
	JobRemovedID = iota
	JobRemovedJob
	JobRemovedUnit
	JobRemovedResult
)
