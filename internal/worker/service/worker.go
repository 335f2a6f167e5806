package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/sethvargo/go-retry"

	"github.com/nemanja-m/lectern/internal/shared/logging"
	"github.com/nemanja-m/lectern/internal/shared/rpc"
	"github.com/nemanja-m/lectern/internal/worker/core"
)

const (
	defaultHeartbeatInterval = 15 * time.Second
	defaultRetryBase         = 500 * time.Millisecond
	callTimeout              = 10 * time.Second
)

// Capability binds a capability type to the handler that performs it.
type Capability struct {
	Type    string
	Path    string
	Handler core.OperationHandler
}

type Options struct {
	Host         string
	Address      string
	MaxJobs      int
	Capabilities []Capability
	Facts        HostFacts
	RetryBase    time.Duration
	MaxRetries   uint64
}

// Worker is a capability host. It keeps itself registered with the coordinator and
// runs the jobs the coordinator offers it.
type Worker struct {
	opts     Options
	client   core.CoordinatorClient
	handlers map[string]Capability
	pool     *Pool
	logger   logging.Logger

	jobCtx     context.Context
	cancelJobs context.CancelFunc

	mu                sync.Mutex
	heartbeatInterval time.Duration
}

func NewWorker(client core.CoordinatorClient, opts Options, logger logging.Logger) (*Worker, error) {
	if opts.Host == "" {
		return nil, errors.New("host name is required")
	}
	if opts.Address == "" {
		return nil, errors.New("host address is required")
	}
	if len(opts.Capabilities) == 0 {
		return nil, errors.New("at least one capability is required")
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = defaultRetryBase
	}

	handlers := make(map[string]Capability, len(opts.Capabilities))
	for _, c := range opts.Capabilities {
		if c.Handler == nil {
			return nil, fmt.Errorf("capability %q has no handler", c.Type)
		}
		if _, dup := handlers[c.Type]; dup {
			return nil, fmt.Errorf("capability %q is configured twice", c.Type)
		}
		handlers[c.Type] = c
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	return &Worker{
		opts:              opts,
		client:            client,
		handlers:          handlers,
		pool:              NewPool(opts.MaxJobs),
		logger:            logger.With("host", opts.Host),
		jobCtx:            jobCtx,
		cancelJobs:        cancel,
		heartbeatInterval: defaultHeartbeatInterval,
	}, nil
}

// Run registers the host and sends heartbeats until ctx is done. On the way out it
// cancels running jobs, waits for their reports and unregisters the host.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.register(ctx); err != nil {
		w.shutdown()
		return fmt.Errorf("register host: %w", err)
	}
	w.logger.Info("Host registered",
		"address", w.opts.Address,
		"capabilities", len(w.handlers),
		"heartbeat", w.interval().String(),
	)

	w.runHeartbeatLoop(ctx)
	w.shutdown()
	return nil
}

func (w *Worker) runHeartbeatLoop(ctx context.Context) {
	interval := w.interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		ack, err := w.client.Heartbeat(callCtx, w.opts.Host, w.pool.Running())
		cancel()
		if err != nil {
			w.logger.Error("Failed to send heartbeat", "error", err)
			continue
		}
		if ack {
			w.logger.Debug("Heartbeat sent successfully")
			continue
		}

		w.logger.Warn("Coordinator does not know this host, registering again")
		if err := w.register(ctx); err != nil {
			w.logger.Error("Failed to register host", "error", err)
			continue
		}
		if next := w.interval(); next != interval {
			interval = next
			ticker.Reset(interval)
		}
	}
}

func (w *Worker) register(ctx context.Context) error {
	req := w.registration()
	backoff := retry.WithMaxRetries(w.opts.MaxRetries, retry.NewFibonacci(w.opts.RetryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()

		interval, err := w.client.RegisterHost(callCtx, req)
		if errors.Is(err, core.ErrRegistrationRejected) {
			return err
		}
		if err != nil {
			w.logger.Warn("Registration attempt failed", "error", err)
			return retry.RetryableError(err)
		}
		if interval > 0 {
			w.mu.Lock()
			w.heartbeatInterval = interval
			w.mu.Unlock()
		}
		return nil
	})
}

func (w *Worker) registration() *rpc.RegisterHostRequest {
	req := &rpc.RegisterHostRequest{
		Host:        w.opts.Host,
		Address:     w.opts.Address,
		MaxJobs:     w.opts.MaxJobs,
		CPUCores:    w.opts.Facts.CPUCores,
		MemoryBytes: w.opts.Facts.MemoryBytes,
	}
	for _, c := range w.opts.Capabilities {
		req.Capabilities = append(req.Capabilities, rpc.Capability{Type: c.Type, Path: c.Path, JobProducer: true})
	}
	return req
}

func (w *Worker) interval() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.heartbeatInterval
}

func (w *Worker) shutdown() {
	w.cancelJobs()
	w.pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	if err := w.client.UnregisterHost(ctx, w.opts.Host); err != nil {
		w.logger.Warn("Failed to unregister host", "error", err)
		return
	}
	w.logger.Info("Host unregistered")
}

// Accept starts the job on its capability handler. It refuses the job when the
// capability is unknown or every job slot is taken.
func (w *Worker) Accept(ctx context.Context, req *rpc.AcceptJobRequest) error {
	if req.JobID == "" {
		return fmt.Errorf("%w: job id is required", core.ErrInvalidJob)
	}
	capability, ok := w.handlers[req.Type]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrUnknownCapability, req.Type)
	}
	if w.jobCtx.Err() != nil {
		return core.ErrShuttingDown
	}

	opReq := operationRequest(req)
	if !w.pool.TrySubmit(func() { w.runJob(capability.Handler, opReq) }) {
		if w.jobCtx.Err() != nil {
			return core.ErrShuttingDown
		}
		return fmt.Errorf("%w: %d jobs running", core.ErrAtCapacity, w.pool.Running())
	}

	w.logger.Info("Accepted job", "job_id", req.JobID, "type", req.Type, "operation", req.Operation)
	return nil
}

// Running returns the number of jobs in flight.
func (w *Worker) Running() int {
	return w.pool.Running()
}

func (w *Worker) runJob(handler core.OperationHandler, req *core.OperationRequest) {
	logger := w.logger.With("job_id", req.JobID, "type", req.Capability)
	start := time.Now()

	result, err := w.handle(handler, req)
	report := &rpc.JobReport{JobID: req.JobID}
	if err != nil {
		report.Status = rpc.StatusFailed
		report.Error = err.Error()
		logger.Warn("Job failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
	} else {
		report.Status = rpc.StatusFinished
		report.MediaPackage = result.MediaPackage
		report.Action = result.Action
		report.Properties = result.Properties
		logger.Info("Job finished", "action", result.Action, "duration_ms", time.Since(start).Milliseconds())
	}

	if err := w.report(report); err != nil {
		logger.Error("Failed to report job", "error", err)
	}
}

func (w *Worker) handle(handler core.OperationHandler, req *core.OperationRequest) (result *core.OperationResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	result, err = handler.Handle(w.jobCtx, req)
	if err == nil && result == nil {
		result = &core.OperationResult{Action: rpc.ActionContinue}
	}
	return result, err
}

// report delivers the job outcome. It runs detached from the job context so that
// outcomes of cancelled jobs still reach the coordinator.
func (w *Worker) report(report *rpc.JobReport) error {
	backoff := retry.WithMaxRetries(w.opts.MaxRetries, retry.NewFibonacci(w.opts.RetryBase))
	return retry.Do(context.Background(), backoff, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()

		err := w.client.ReportJob(callCtx, report)
		if err == nil || errors.Is(err, core.ErrReportRejected) {
			return err
		}
		return retry.RetryableError(err)
	})
}

// operationRequest decodes the workflow snapshot carried in the first argument of
// workflow jobs. Standalone jobs keep their arguments as they are.
func operationRequest(req *rpc.AcceptJobRequest) *core.OperationRequest {
	opReq := &core.OperationRequest{
		JobID:        req.JobID,
		Capability:   req.Type,
		Operation:    req.Operation,
		Arguments:    req.Arguments,
		MediaPackage: req.Payload,
	}
	if len(req.Arguments) > 0 {
		var snapshot rpc.WorkflowSnapshot
		if err := json.Unmarshal([]byte(req.Arguments[0]), &snapshot); err == nil && snapshot.WorkflowID != "" {
			opReq.Snapshot = &snapshot
		}
	}
	return opReq
}
