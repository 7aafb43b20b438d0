// Package netstat lists the host TCP table.
package netstat

import (
	"bufio"
	"bytes"
	"context"
	"net/netip"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"tracewatch/internal/shared"
)

// Lister returns the current TCP connections of the host. Rows that cannot
// be parsed are skipped by the implementation, not reported as errors.
type Lister interface {
	List(ctx context.Context) ([]shared.Connection, error)
}

var ErrMalformedRow = errors.New("malformed row")

// SSLister reads the TCP table from `ss --tcp --numeric`.
type SSLister struct {
	Bin string
	log *log.Entry

	// output runs the command, swapped out in tests
	output func(ctx context.Context, bin string, args ...string) ([]byte, error)
}

func NewSSLister(bin string, logger *log.Entry) *SSLister {
	if bin == "" {
		bin = shared.DefaultSSBin
	}
	if logger == nil {
		logger = log.WithField("component", "netstat")
	}
	return &SSLister{
		Bin:    bin,
		log:    logger,
		output: commandOutput,
	}
}

func commandOutput(ctx context.Context, bin string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, bin, args...).Output()
}

func (l *SSLister) List(ctx context.Context) ([]shared.Connection, error) {
	args := []string{"--tcp", "--numeric"}
	out, err := l.output(ctx, l.Bin, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", l.Bin, strings.Join(args, " "))
	}
	return ParseSS(out, l.log), nil
}

// ParseSS parses full ss output. The column header is skipped, listening
// sockets are dropped and malformed rows are logged and skipped.
func ParseSS(out []byte, logger *log.Entry) []shared.Connection {
	var conns []shared.Connection

	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || isHeader(line) {
			continue
		}
		conn, err := ParseSSLine(line)
		if err != nil {
			if logger != nil {
				logger.WithError(err).WithField("line", line).Warn("skipping ss row")
			}
			continue
		}
		if conn.State == shared.StateListen {
			continue
		}
		conns = append(conns, conn)
	}
	if err := sc.Err(); err != nil && logger != nil {
		logger.WithError(err).Warn("reading ss output")
	}

	return conns
}

func isHeader(line string) bool {
	return strings.HasPrefix(line, "State") || strings.HasPrefix(line, "Netid")
}

// ParseSSLine parses one row such as
//
//	ESTAB 0 0 10.0.0.1:22 192.0.2.7:51234
//	CLOSE-WAIT 1 0 [2001:db8::1]:443 [2001:db8::2]:33855
//
// Trailing columns (process, timers) are ignored. A leading Netid column is
// tolerated.
func ParseSSLine(line string) (shared.Connection, error) {
	fields := strings.Fields(line)
	if len(fields) > 0 && strings.HasPrefix(fields[0], "tcp") {
		fields = fields[1:]
	}
	if len(fields) < 5 {
		return shared.Connection{}, errors.Wrapf(ErrMalformedRow, "want 5 fields, got %d", len(fields))
	}

	state := shared.ParseTCPState(fields[0])
	if state == shared.StateUnknown {
		return shared.Connection{}, errors.Wrapf(ErrMalformedRow, "unknown state %q", fields[0])
	}

	local, err := ParseEndpoint(fields[3])
	if err != nil {
		return shared.Connection{}, errors.Wrap(err, "local endpoint")
	}
	remote, err := ParseEndpoint(fields[4])
	if err != nil {
		if state == shared.StateListen {
			return shared.Connection{LocalAddr: local.Addr(), LocalPort: local.Port(), State: state}, nil
		}
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

// ParseEndpoint parses an ss address:port column. IPv4-mapped IPv6
// addresses are returned as IPv4.
func ParseEndpoint(s string) (netip.AddrPort, error) {
	sep := strings.LastIndex(s, ":")
	if sep <= 0 || sep == len(s)-1 {
		return netip.AddrPort{}, errors.Wrapf(ErrMalformedRow, "bad address:port %q", s)
	}

	host := s[:sep]
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}
	// ss appends %dev to addresses bound to an interface
	if i := strings.IndexByte(host, '%'); i >= 0 && !strings.Contains(host, ":") {
		host = host[:i]
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.AddrPort{}, errors.Wrapf(ErrMalformedRow, "bad address %q", host)
	}

	port, err := strconv.ParseUint(s[sep+1:], 10, 16)
	if err != nil {
		return netip.AddrPort{}, errors.Wrapf(ErrMalformedRow, "bad port %q", s[sep+1:])
	}

	return netip.AddrPortFrom(addr.Unmap(), uint16(port)), nil
}
