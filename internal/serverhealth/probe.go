package serverhealth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/qiniu/depotmirror/internal/config"
	"github.com/qiniu/depotmirror/internal/metrics"
	"github.com/qiniu/depotmirror/internal/vcs"
)

// HealthProber checks one server.
type HealthProber interface {
	ProbeHealth(ctx context.Context, entry ServerEntry) (Status, string)
}

type healthResponse struct {
	Results []struct {
		Checker string `json:"checker"`
		Output  string `json:"output"`
	} `json:"results"`
}

// Prober runs a VCS info command and, when the server has one, an HTTP health check.
type Prober struct {
	Topology     *config.Topology
	Dialer       vcs.Dialer
	HTTP         *http.Client
	DrainChecker string
	Timeout      time.Duration
}

func NewProber(topology *config.Topology, dialer vcs.Dialer, drainChecker string, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Prober{
		Topology:     topology,
		Dialer:       dialer,
		HTTP:         &http.Client{Timeout: timeout},
		DrainChecker: drainChecker,
		Timeout:      timeout,
	}
}

// ProbeHealth runs both checks concurrently. An unhealthy HTTP result overrides the VCS result,
// which stands otherwise.
func (p *Prober) ProbeHealth(ctx context.Context, entry ServerEntry) (Status, string) {
	start := time.Now()
	defer func() { metrics.ProbeDuration.WithLabelValues(entry.Cluster).Observe(time.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	var (
		g          errgroup.Group
		vcsStatus  Status
		vcsDetail  string
		httpStatus Status
		httpDetail string
	)
	g.Go(func() error {
		vcsStatus, vcsDetail = p.checkVCS(ctx, entry)
		return nil
	})
	if entry.HealthCheckURL != "" {
		g.Go(func() error {
			httpStatus, httpDetail = p.checkHTTP(ctx, entry.HealthCheckURL)
			return nil
		})
	}
	_ = g.Wait()

	if httpStatus == StatusUnhealthy {
		return StatusUnhealthy, httpDetail
	}
	return vcsStatus, vcsDetail
}

func (p *Prober) checkVCS(ctx context.Context, entry ServerEntry) (Status, string) {
	opts := vcs.DialOptions{Server: entry.ResolvedAddress}
	if c, ok := p.Topology.Cluster(entry.Cluster); ok {
		opts.User = c.ServiceAccount
		opts.Password = c.Password
	}
	conn, err := p.Dialer.Dial(ctx, opts)
	if err != nil {
		return StatusUnhealthy, fmt.Sprintf("connect: %v", err)
	}
	defer conn.Close()
	info, err := conn.Info(ctx)
	if err != nil {
		return StatusUnhealthy, fmt.Sprintf("info: %v", err)
	}
	return StatusHealthy, fmt.Sprintf("server %s version %s", info.ServerID, info.ServerVersion)
}

func (p *Prober) checkHTTP(ctx context.Context, url string) (Status, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return StatusUnhealthy, fmt.Sprintf("health check request: %v", err)
	}
	resp, err := p.HTTP.Do(req)
	if err != nil {
		return StatusUnhealthy, fmt.Sprintf("health check: %v", err)
	}
	defer resp.Body.Close()
	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return StatusUnhealthy, fmt.Sprintf("health check %s: decode: %v", resp.Status, err)
	}
	for _, r := range body.Results {
		if r.Checker != p.DrainChecker {
			continue
		}
		return checkerStatus(r.Output), fmt.Sprintf("%s: %s", r.Checker, r.Output)
	}
	return StatusUnknown, fmt.Sprintf("checker %s not reported", p.DrainChecker)
}

func checkerStatus(output string) Status {
	switch strings.ToLower(strings.TrimSpace(output)) {
	case "green":
		return StatusHealthy
	case "yellow":
		return StatusDegraded
	case "red":
		return StatusUnhealthy
	}
	return StatusUnknown
}
