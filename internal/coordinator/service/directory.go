package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nemanja-m/lectern/internal/coordinator/core"
	"github.com/nemanja-m/lectern/internal/coordinator/storage"
	"github.com/nemanja-m/lectern/internal/shared/logging"
	"github.com/nemanja-m/lectern/internal/shared/metrics"
)

// LoadSource supplies the job counts the directory orders registrations by.
type LoadSource interface {
	HostLoads(ctx context.Context) (map[string]core.HostLoad, error)
	ListJobs(ctx context.Context, filter core.JobFilter) ([]*core.Job, int, error)
}

type serviceDirectory struct {
	mu            sync.RWMutex
	registrations map[string]*core.ServiceRegistration // key -> registration
	hosts         map[string]*core.HostRegistration
	nextSeq       uint64

	registrationStore *storage.Collection[core.ServiceRegistration]
	hostStore         *storage.Collection[core.HostRegistration]
	loads             LoadSource

	logger logging.Logger
}

// NewServiceDirectory restores registrations and hosts persisted by a previous run.
func NewServiceDirectory(
	ctx context.Context,
	backend core.Persistence,
	loads LoadSource,
	logger logging.Logger,
) (core.ServiceDirectory, error) {
	d := &serviceDirectory{
		registrations:     make(map[string]*core.ServiceRegistration),
		hosts:             make(map[string]*core.HostRegistration),
		registrationStore: storage.NewCollection[core.ServiceRegistration](backend, storage.KindRegistration),
		hostStore:         storage.NewCollection[core.HostRegistration](backend, storage.KindHost),
		loads:             loads,
		logger:            logger,
	}

	registrations, err := d.registrationStore.Query(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("load registrations: %w", err)
	}
	for _, r := range registrations {
		d.registrations[r.Key()] = r
		d.nextSeq = max(d.nextSeq, r.Seq+1)
	}

	hosts, err := d.hostStore.Query(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("load hosts: %w", err)
	}
	for _, h := range hosts {
		d.hosts[h.Host] = h
	}
	metrics.RegisteredHosts.Set(float64(len(d.hosts)))

	if len(registrations) > 0 || len(hosts) > 0 {
		logger.Info("Service directory restored", "registrations", len(registrations), "hosts", len(hosts))
	}
	return d, nil
}

func (d *serviceDirectory) Register(
	ctx context.Context,
	capability, host, path string,
	jobProducer bool,
) (*core.ServiceRegistration, error) {
	if strings.TrimSpace(capability) == "" || strings.TrimSpace(host) == "" || strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: capability, host and path must not be empty", core.ErrInvalidRegistration)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	key := core.RegistrationKey(capability, host, path)
	reg, exists := d.registrations[key]
	if exists {
		if reg.JobProducer == jobProducer {
			return copyRegistration(reg), nil
		}
		updated := *reg
		updated.JobProducer = jobProducer
		reg = &updated
	} else {
		reg = &core.ServiceRegistration{
			ServiceType:  capability,
			Host:         host,
			Path:         path,
			JobProducer:  jobProducer,
			RegisteredAt: time.Now().UTC(),
			Seq:          d.nextSeq,
		}
	}

	if err := d.registrationStore.Save(ctx, key, reg); err != nil {
		return nil, err
	}
	if !exists {
		d.nextSeq++
		d.logger.Info("Service registered", "service_type", capability, "host", host, "path", path)
	}
	d.registrations[key] = reg
	return copyRegistration(reg), nil
}

func (d *serviceDirectory) Unregister(ctx context.Context, capability, host, path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := core.RegistrationKey(capability, host, path)
	if _, exists := d.registrations[key]; !exists {
		return nil
	}
	if err := d.registrationStore.Delete(ctx, key); err != nil {
		return err
	}
	delete(d.registrations, key)
	d.logger.Info("Service unregistered", "service_type", capability, "host", host, "path", path)
	return nil
}

// SetMaintenance toggles the flag on every path of capability served by host.
func (d *serviceDirectory) SetMaintenance(ctx context.Context, capability, host string, inMaintenance bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var matched []*core.ServiceRegistration
	for _, reg := range d.registrations {
		if reg.ServiceType == capability && reg.Host == host {
			matched = append(matched, reg)
		}
	}
	if len(matched) == 0 {
		return fmt.Errorf("%w: %s on %s", core.ErrUnknownRegistration, capability, host)
	}

	for _, reg := range matched {
		updated := *reg
		updated.InMaintenance = inMaintenance
		if err := d.registrationStore.Save(ctx, updated.Key(), &updated); err != nil {
			return err
		}
		d.registrations[updated.Key()] = &updated
	}

	d.logger.Info("Maintenance mode changed",
		"service_type", capability,
		"host", host,
		"in_maintenance", inMaintenance,
	)
	return nil
}

// ListEligible returns the registrations of capability that are not in maintenance,
// least loaded first. Hosts that reached their job limit are left out.
func (d *serviceDirectory) ListEligible(ctx context.Context, capability string) ([]*core.ServiceRegistration, error) {
	loads, err := d.loads.HostLoads(ctx)
	if err != nil {
		return nil, fmt.Errorf("compute host loads: %w", err)
	}

	d.mu.RLock()
	eligible := make([]*core.ServiceRegistration, 0)
	for _, reg := range d.registrations {
		if reg.ServiceType != capability || reg.InMaintenance {
			continue
		}
		if host, known := d.hosts[reg.Host]; known && host.MaxJobs > 0 && loads[reg.Host].Total() >= host.MaxJobs {
			continue
		}
		eligible = append(eligible, copyRegistration(reg))
	}
	d.mu.RUnlock()

	sort.Slice(eligible, func(i, k int) bool {
		li, lk := loads[eligible[i].Host].Total(), loads[eligible[k].Host].Total()
		if li != lk {
			return li < lk
		}
		return eligible[i].Seq < eligible[k].Seq
	})
	return eligible, nil
}

// LoadStatistics reports every known host, including idle ones.
func (d *serviceDirectory) LoadStatistics(ctx context.Context) (map[string]core.HostLoad, error) {
	loads, err := d.loads.HostLoads(ctx)
	if err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	stats := make(map[string]core.HostLoad, len(loads))
	for host, load := range loads {
		stats[host] = load
	}
	for _, reg := range d.registrations {
		if _, ok := stats[reg.Host]; !ok {
			stats[reg.Host] = core.HostLoad{}
		}
	}
	for host := range d.hosts {
		if _, ok := stats[host]; !ok {
			stats[host] = core.HostLoad{}
		}
	}
	return stats, nil
}

func (d *serviceDirectory) Registration(ctx context.Context, capability, host, path string) (*core.ServiceRegistration, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	reg, exists := d.registrations[core.RegistrationKey(capability, host, path)]
	if !exists {
		return nil, fmt.Errorf("%w: %s on %s%s", core.ErrUnknownRegistration, capability, host, path)
	}
	return copyRegistration(reg), nil
}

func (d *serviceDirectory) Registrations(ctx context.Context) ([]*core.ServiceRegistration, error) {
	return d.selectRegistrations(func(*core.ServiceRegistration) bool { return true }), nil
}

func (d *serviceDirectory) RegistrationsByType(ctx context.Context, capability string) ([]*core.ServiceRegistration, error) {
	return d.selectRegistrations(func(r *core.ServiceRegistration) bool { return r.ServiceType == capability }), nil
}

func (d *serviceDirectory) RegistrationsByHost(ctx context.Context, host string) ([]*core.ServiceRegistration, error) {
	return d.selectRegistrations(func(r *core.ServiceRegistration) bool { return r.Host == host }), nil
}

// selectRegistrations returns matches in insertion order.
func (d *serviceDirectory) selectRegistrations(match func(*core.ServiceRegistration) bool) []*core.ServiceRegistration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*core.ServiceRegistration, 0)
	for _, reg := range d.registrations {
		if match(reg) {
			out = append(out, copyRegistration(reg))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Seq < out[k].Seq })
	return out
}

// ServiceStatistics reports per registration job counts and mean timings of finished
// jobs, sorted by service type and then host.
func (d *serviceDirectory) ServiceStatistics(ctx context.Context) ([]*core.ServiceStatistics, error) {
	jobs, _, err := d.loads.ListJobs(ctx, core.JobFilter{})
	if err != nil {
		return nil, err
	}

	type accumulator struct {
		running, queued, finished int
		runTime, queueTime        time.Duration
	}
	acc := make(map[string]*accumulator)
	for _, j := range jobs {
		if j.Host == "" {
			continue
		}
		key := j.Type + "|" + j.Host
		a, ok := acc[key]
		if !ok {
			a = &accumulator{}
			acc[key] = a
		}
		switch j.Status {
		case core.JobStatusRunning:
			a.running++
		case core.JobStatusQueued:
			a.queued++
		case core.JobStatusFinished:
			a.finished++
			a.runTime += j.RunTime
			a.queueTime += j.QueueTime
		}
	}

	registrations, _ := d.Registrations(ctx)
	stats := make([]*core.ServiceStatistics, 0, len(registrations))
	for _, reg := range registrations {
		s := &core.ServiceStatistics{Registration: *reg}
		if a, ok := acc[reg.ServiceType+"|"+reg.Host]; ok {
			s.RunningJobs = a.running
			s.QueuedJobs = a.queued
			if a.finished > 0 {
				s.MeanRunTime = a.runTime / time.Duration(a.finished)
				s.MeanQueueTime = a.queueTime / time.Duration(a.finished)
			}
		}
		stats = append(stats, s)
	}

	sort.SliceStable(stats, func(i, k int) bool {
		ri, rk := stats[i].Registration, stats[k].Registration
		if ri.ServiceType != rk.ServiceType {
			return ri.ServiceType < rk.ServiceType
		}
		return ri.Host < rk.Host
	})
	return stats, nil
}

func (d *serviceDirectory) RegisterHost(ctx context.Context, host *core.HostRegistration) error {
	if strings.TrimSpace(host.Host) == "" {
		return fmt.Errorf("%w: host must not be empty", core.ErrInvalidRegistration)
	}
	if host.MaxJobs < 0 {
		return fmt.Errorf("%w: max jobs must not be negative", core.ErrInvalidRegistration)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now().UTC()
	h := *host
	if existing, ok := d.hosts[h.Host]; ok {
		h.RegisteredAt = existing.RegisteredAt
	} else {
		h.RegisteredAt = now
	}
	h.LastHeartbeatAt = now

	if err := d.hostStore.Save(ctx, h.Host, &h); err != nil {
		return err
	}
	d.hosts[h.Host] = &h
	metrics.RegisteredHosts.Set(float64(len(d.hosts)))
	d.logger.Info("Host registered", "host", h.Host, "address", h.Address, "max_jobs", h.MaxJobs)
	return nil
}

// UnregisterHost forgets the host and every registration on it.
func (d *serviceDirectory) UnregisterHost(ctx context.Context, host string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key, reg := range d.registrations {
		if reg.Host != host {
			continue
		}
		if err := d.registrationStore.Delete(ctx, key); err != nil {
			return err
		}
		delete(d.registrations, key)
	}

	if _, ok := d.hosts[host]; ok {
		if err := d.hostStore.Delete(ctx, host); err != nil {
			return err
		}
		delete(d.hosts, host)
	}
	metrics.RegisteredHosts.Set(float64(len(d.hosts)))
	d.logger.Info("Host unregistered", "host", host)
	return nil
}

func (d *serviceDirectory) Heartbeat(ctx context.Context, host string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	h, ok := d.hosts[host]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrUnknownHost, host)
	}
	updated := *h
	updated.LastHeartbeatAt = time.Now().UTC()
	if err := d.hostStore.Save(ctx, host, &updated); err != nil {
		return err
	}
	d.hosts[host] = &updated
	return nil
}

func (d *serviceDirectory) Host(ctx context.Context, host string) (*core.HostRegistration, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.hosts[host]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownHost, host)
	}
	c := *h
	return &c, nil
}

func (d *serviceDirectory) Hosts(ctx context.Context) ([]*core.HostRegistration, error) {
	return d.selectHosts(func(*core.HostRegistration) bool { return true }), nil
}

func (d *serviceDirectory) StaleHosts(ctx context.Context, timeout time.Duration) ([]*core.HostRegistration, error) {
	threshold := time.Now().Add(-timeout)
	return d.selectHosts(func(h *core.HostRegistration) bool { return h.LastHeartbeatAt.Before(threshold) }), nil
}

func (d *serviceDirectory) selectHosts(match func(*core.HostRegistration) bool) []*core.HostRegistration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*core.HostRegistration, 0, len(d.hosts))
	for _, h := range d.hosts {
		if match(h) {
			c := *h
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Host < out[k].Host })
	return out
}

func copyRegistration(r *core.ServiceRegistration) *core.ServiceRegistration {
	c := *r
	return &c
}
