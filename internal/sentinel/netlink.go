package sentinel

import (
	"context"
	"log/slog"
	"path"
	"strings"

	"github.com/pilebones/go-udev/netlink"

	"spool/internal/logging"
)

// NetlinkMonitor subscribes to udev block events and kicks the sentinel's
// poll when a watched drive changes. Losing the netlink socket is never
// fatal; polling alone still detects discs, just up to one interval later.
type NetlinkMonitor struct {
	sentinel *Sentinel
	drives   map[string]struct{}
	logger   *slog.Logger
}

func NewNetlinkMonitor(s *Sentinel, drives []string, logger *slog.Logger) *NetlinkMonitor {
	watched := make(map[string]struct{}, len(drives))
	for _, drive := range drives {
		watched[path.Base(strings.TrimSpace(drive))] = struct{}{}
	}
	return &NetlinkMonitor{
		sentinel: s,
		drives:   watched,
		logger:   logging.Component(logger, "netlink"),
	}
}

// Run listens until ctx is cancelled.
func (m *NetlinkMonitor) Run(ctx context.Context) {
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		m.logger.Warn("netlink unavailable, relying on polling", logging.Error(err))
		return
	}
	defer conn.Close()

	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	monitorQuit := conn.Monitor(queue, errs, m.matcher())
	defer close(monitorQuit)

	m.logger.Info("netlink monitor started")
	for {
		select {
		case <-ctx.Done():
			return
		case uevent := <-queue:
			if m.watchedDevice(uevent) {
				m.sentinel.Kick()
			}
		case err := <-errs:
			m.logger.Warn("netlink monitor error", logging.Error(err))
		}
	}
}

func (m *NetlinkMonitor) matcher() netlink.Matcher {
	action := "change|add|remove"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env: map[string]string{
			"SUBSYSTEM": "block",
			"ID_CDROM":  "1",
		},
	})
	return rules
}

func (m *NetlinkMonitor) watchedDevice(uevent netlink.UEvent) bool {
	devname := uevent.Env["DEVNAME"]
	if devname == "" {
		devname = path.Base(uevent.KObj)
	}
	_, ok := m.drives[path.Base(devname)]
	return ok
}
