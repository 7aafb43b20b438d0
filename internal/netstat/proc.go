package netstat

import (
	"context"
	"net/netip"

	"github.com/pkg/errors"
	gnet "github.com/shirou/gopsutil/v3/net"
	log "github.com/sirupsen/logrus"

	"tracewatch/internal/shared"
)

// ProcLister reads the TCP table through gopsutil, which parses
// /proc/net/tcp and /proc/net/tcp6 directly instead of shelling out.
type ProcLister struct {
	log *log.Entry

	connections func(ctx context.Context, kind string) ([]gnet.ConnectionStat, error)
}

func NewProcLister(logger *log.Entry) *ProcLister {
	if logger == nil {
		logger = log.WithField("component", "netstat")
	}
	return &ProcLister{
		log:         logger,
		connections: gnet.ConnectionsWithContext,
	}
}

func (l *ProcLister) List(ctx context.Context) ([]shared.Connection, error) {
	stats, err := l.connections(ctx, "tcp")
	if err != nil {
		return nil, errors.Wrap(err, "read tcp table")
	}

	conns := make([]shared.Connection, 0, len(stats))
	for _, st := range stats {
		state := shared.ParseTCPState(st.Status)
		if state == shared.StateListen {
			continue
		}
		conn, err := fromStat(st, state)
		if err != nil {
			l.log.WithError(err).WithField("fd", st.Fd).Warn("skipping tcp table row")
			continue
		}
		conns = append(conns, conn)
	}

	return conns, nil
}

func fromStat(st gnet.ConnectionStat, state shared.TCPState) (shared.Connection, error) {
	if state == shared.StateUnknown {
		return shared.Connection{}, errors.Wrapf(ErrMalformedRow, "unknown state %q", st.Status)
	}
	local, err := addrPort(st.Laddr)
	if err != nil {
		return shared.Connection{}, errors.Wrap(err, "local endpoint")
	}
	remote, err := addrPort(st.Raddr)
	if err != nil {
		return shared.Connection{}, errors.Wrap(err, "remote endpoint")
	}

	return shared.Connection{
		RemoteAddr: remote.Addr(),
		RemotePort: remote.Port(),
		LocalAddr:  local.Addr(),
		LocalPort:  local.Port(),
		State:      state,
	}, nil
}

func addrPort(a gnet.Addr) (netip.AddrPort, error) {
	addr, err := netip.ParseAddr(a.IP)
	if err != nil {
		return netip.AddrPort{}, errors.Wrapf(ErrMalformedRow, "bad address %q", a.IP)
	}
	if a.Port > 0xffff {
		return netip.AddrPort{}, errors.Wrapf(ErrMalformedRow, "bad port %d", a.Port)
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(a.Port)), nil
}
