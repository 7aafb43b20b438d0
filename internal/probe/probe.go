// Package probe runs one paris-traceroute towards the remote end of a closed
// connection and stores its output under a path derived from the poll time
// and the connection's endpoints.
package probe

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"tracewatch/internal/process"
	"tracewatch/internal/shared"
)

const (
	dirTimeLayout  = "2006/01/02"
	fileTimeLayout = "20060102T15:04:05Z"
)

type Config struct {
	Bin      string
	Protocol string
	Timeout  time.Duration
	Nice     int
	LogRoot  string
	Hostname string
	Ext      string
}

func DefaultConfig() Config {
	return Config{
		Bin:      shared.DefaultProbeBin,
		Protocol: shared.DefaultProbeProtocol,
		Timeout:  shared.DefaultProbeTimeout,
		Nice:     shared.DefaultProbeNice,
		LogRoot:  shared.DefaultLogRoot,
		Ext:      shared.DefaultLogExt,
	}
}

// Request is one probe towards Conn's remote endpoint. Slot and SourcePort
// are filled in by the dispatcher.
type Request struct {
	Conn       shared.ConnKey
	LogTime    time.Time
	Slot       int
	SourcePort int
}

type Result struct {
	Request    Request
	Path       string
	OK         bool
	Err        error
	Bytes      int
	Duration   time.Duration
	FinishedAt time.Time
}

// Record converts r into its journal form.
func (r Result) Record() shared.ProbeRecord {
	rec := shared.ProbeRecord{
		FinishedAt: r.FinishedAt,
		Remote:     r.Request.Conn.Remote().String(),
		Local:      r.Request.Conn.Local().String(),
		Slot:       r.Request.Slot,
		SourcePort: r.Request.SourcePort,
		Path:       r.Path,
		OK:         r.OK,
		Duration:   r.Duration,
		Bytes:      r.Bytes,
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	return rec
}

// Executor runs a child process; *process.Runner implements it.
type Executor interface {
	Run(ctx context.Context, spec process.Spec) (*process.Output, error)
}

type Prober struct {
	cfg  Config
	exec Executor
	log  *log.Entry
	now  func() time.Time
}

func NewProber(cfg Config, exec Executor, logger *log.Entry) *Prober {
	if cfg.Ext == "" {
		cfg.Ext = shared.DefaultLogExt
	}
	if cfg.Protocol == "" {
		cfg.Protocol = shared.DefaultProbeProtocol
	}
	if logger == nil {
		logger = log.WithField("component", "probe")
	}
	return &Prober{
		cfg:  cfg,
		exec: exec,
		log:  logger,
		now:  time.Now,
	}
}

// Command builds the paris-traceroute invocation for req.
func (p *Prober) Command(req Request) process.Spec {
	return process.Spec{
		Path: p.cfg.Bin,
		Args: []string{
			"--algo=exhaustive",
			"-p" + p.cfg.Protocol,
			"-s", strconv.Itoa(req.SourcePort),
			"-d", strconv.Itoa(int(req.Conn.RemotePort)),
			req.Conn.RemoteAddr.String(),
		},
		Timeout: p.cfg.Timeout,
		Nice:    p.cfg.Nice,
	}
}

// LogFileName returns
// <root>/YYYY/MM/DD/[hostname/]YYYYMMDDThh:mm:ssZ-<rip>-<rport>-<lip>-<lport>.<ext>
// with the time taken in UTC.
func LogFileName(root string, logTime time.Time, hostname string, conn shared.ConnKey, ext string) string {
	t := logTime.UTC()
	name := t.Format(fileTimeLayout) + "-" +
		conn.RemoteAddr.String() + "-" + strconv.Itoa(int(conn.RemotePort)) + "-" +
		conn.LocalAddr.String() + "-" + strconv.Itoa(int(conn.LocalPort)) +
		"." + ext

	parts := []string{root, filepath.FromSlash(t.Format(dirTimeLayout))}
	if hostname != "" {
		parts = append(parts, hostname)
	}
	parts = append(parts, name)
	return filepath.Join(parts...)
}

// Run executes one probe. Failures are logged and reported in the result;
// Run never panics on environmental errors. Output of a timed out probe is
// discarded and no log file is left behind.
func (p *Prober) Run(ctx context.Context, req Request) Result {
	started := p.now()
	res := Result{
		Request: req,
		Path:    LogFileName(p.cfg.LogRoot, req.LogTime, p.cfg.Hostname, req.Conn, p.cfg.Ext),
	}
	spec := p.Command(req)
	logger := p.log.WithFields(log.Fields{
		"remote": req.Conn.Remote().String(),
		"local":  req.Conn.Local().String(),
		"slot":   req.Slot,
	})

	finish := func(err error) Result {
		res.Err = err
		res.OK = err == nil
		res.FinishedAt = p.now()
		res.Duration = res.FinishedAt.Sub(started)
		return res
	}

	logger.WithField("cmd", spec.String()).Info("starting probe")

	dir := filepath.Dir(res.Path)
	// another slot may be creating the same day directory
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.WithError(err).WithField("dir", dir).Warn("cannot create log directory")
		return finish(errors.Wrap(err, "create log directory"))
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(res.Path)+".*")
	if err != nil {
		logger.WithError(err).WithField("path", res.Path).Warn("cannot open log file")
		return finish(errors.Wrap(err, "open log file"))
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	out, runErr := p.exec.Run(ctx, spec)
	if out == nil {
		if runErr == nil {
			runErr = errors.New("no output")
		}
		logger.WithError(runErr).Warn("probe failed")
		return finish(runErr)
	}

	// output of a non-zero exit is kept, the result still reports failure
	if _, err := tmp.Write(out.Stdout); err != nil {
		logger.WithError(err).WithField("path", res.Path).Warn("cannot write log file")
		return finish(errors.Wrap(err, "write log file"))
	}
	if err := tmp.Close(); err != nil {
		logger.WithError(err).WithField("path", res.Path).Warn("cannot close log file")
		return finish(errors.Wrap(err, "close log file"))
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		logger.WithError(err).WithField("path", res.Path).Debug("cannot chmod log file")
	}
	if err := os.Rename(tmp.Name(), res.Path); err != nil {
		logger.WithError(err).WithField("path", res.Path).Warn("cannot rename log file")
		return finish(errors.Wrap(err, "rename log file"))
	}
	committed = true
	res.Bytes = len(out.Stdout)

	if runErr != nil {
		logger.WithError(runErr).WithField("exit", out.ExitCode).Warn("probe returned an error")
		return finish(runErr)
	}

	logger.WithFields(log.Fields{
		"path":     res.Path,
		"size":     humanize.Bytes(uint64(res.Bytes)),
		"duration": out.Duration.Round(time.Millisecond),
	}).Info("probe finished")
	return finish(nil)
}
