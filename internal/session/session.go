// Package session implements one miner connection's lifecycle: the
// Stratum handshake, job delivery, share submission, and the timeouts
// that reclaim a connection that goes quiet or never finishes
// handshaking.
package session

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kaspa-stratum/bridge/internal/extranonce"
	"github.com/kaspa-stratum/bridge/internal/job"
	"github.com/kaspa-stratum/bridge/internal/metrics"
	"github.com/kaspa-stratum/bridge/internal/minerfamily"
	"github.com/kaspa-stratum/bridge/internal/protocol"
	"github.com/kaspa-stratum/bridge/internal/share"
	"github.com/kaspa-stratum/bridge/internal/vardiff"
)

// State is the session's position in the Stratum handshake/lifecycle.
type State int32

const (
	StateNew State = iota
	StateSubscribed
	StateAuthorized
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateSubscribed:
		return "subscribed"
	case StateAuthorized:
		return "authorized"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "new"
	}
}

// Timeouts bundles the handshake/idle deadlines a Session enforces.
type Timeouts struct {
	Subscribe time.Duration
	Authorize time.Duration
	Idle      time.Duration
	RPCCall   time.Duration
}

// DefaultTimeouts mirrors the values the bridge ships with.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Subscribe: 30 * time.Second,
		Authorize: 60 * time.Second,
		Idle:      10 * time.Minute,
		RPCCall:   5 * time.Second,
	}
}

// SubmissionRecorder hears about every validated submission, whether
// accepted or rejected, for metrics and (on a block) async submission.
// worker and instance identify the authorized worker name and the
// Stratum instance (port) the session belongs to, so metrics can be
// broken down per worker and per instance in a multi-port deployment.
type SubmissionRecorder interface {
	RecordShare(worker, instance string, family minerfamily.Family, result *share.Result)
	RecordBlock(instance string, j *job.Job, sub share.Submission, hash []byte)
	RecordDifficulty(worker string, difficulty float64)
}

// Deps are the collaborators a Session needs, shared across every
// session a Supervisor owns.
type Deps struct {
	Jobs       *job.Registry
	Allocator  *extranonce.Allocator
	VarDiff    vardiff.Config
	Validator  *share.Validator
	Recorder   SubmissionRecorder
	Timeouts   Timeouts
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Instance   string
	WorkerAuth func(worker, pass string) bool
}

// Session owns one TCP connection to a miner.
type Session struct {
	id      string
	conn    net.Conn
	deps    Deps
	logger  *zap.Logger

	state  atomic.Int32
	worker atomic.Pointer[string]
	family atomic.Int32
	counted atomic.Bool // whether connected_miners has been incremented for this session

	extranonceServer []byte
	diff             *vardiff.Controller

	writeMu sync.Mutex
	jobSub  chan *job.Job

	closeOnce sync.Once
	closeChan chan struct{}

	lastActivity atomic.Int64 // unix nanos
}

// New wraps conn in a Session. The caller should immediately call
// Run in its own goroutine.
func New(conn net.Conn, deps Deps) *Session {
	id := uuid.NewString()
	s := &Session{
		id:        id,
		conn:      conn,
		deps:      deps,
		logger:    deps.Logger.With(zap.String("session_id", id)),
		closeChan: make(chan struct{}),
	}
	s.state.Store(int32(StateNew))
	s.family.Store(int32(minerfamily.Unknown))
	s.lastActivity.Store(time.Now().UnixNano())
	return s
}

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

func (s *Session) Family() minerfamily.Family { return minerfamily.Family(s.family.Load()) }

// Run drives the session until the connection closes, ctx is canceled,
// or a protocol/timeout violation forces it shut. It blocks until the
// session is fully closed.
func (s *Session) Run(ctx context.Context) {
	defer s.Close()

	s.jobSub = s.deps.Jobs.Subscribe()
	defer s.deps.Jobs.Unsubscribe(s.jobSub)

	go s.writerLoop(ctx)
	go s.handshakeWatchdog(ctx)
	go s.idleWatchdog(ctx)

	reader := bufio.NewReader(s.conn)
	for {
		s.conn.SetReadDeadline(time.Now().Add(s.deps.Timeouts.Idle))
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		s.lastActivity.Store(time.Now().UnixNano())

		var req protocol.Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.logger.Warn("malformed request line", zap.Error(err))
			s.sendError(nil, protocol.NewError(protocol.ErrParse, "malformed request"))
			continue
		}
		s.handleRequest(&req)

		select {
		case <-ctx.Done():
			return
		case <-s.closeChan:
			return
		default:
		}
	}
}

func (s *Session) handleRequest(req *protocol.Request) {
	switch req.Method {
	case "mining.subscribe":
		s.handleSubscribe(req)
	case "mining.authorize":
		s.handleAuthorize(req)
	case "mining.submit":
		s.handleSubmit(req)
	default:
		s.logger.Warn("unknown method", zap.String("method", req.Method))
		s.sendError(req.ID, protocol.NewError(protocol.ErrMethodNotFound, "unknown method"))
	}
}

func (s *Session) handleSubscribe(req *protocol.Request) {
	agent := protocol.ParseSubscribeAgent(req.Params)
	fam := minerfamily.Detect(agent, false)
	s.family.Store(int32(fam))

	if fam == minerfamily.Unknown {
		s.logger.Warn("unrecognized miner user agent, falling back to default family handling",
			zap.String("user_agent", agent))
	}

	en, err := s.deps.Allocator.Allocate(fam)
	if err != nil {
		s.logger.Warn("extranonce space exhausted", zap.String("family", fam.String()))
		s.sendError(req.ID, protocol.NewError(protocol.ErrOther, "extranonce space exhausted"))
		return
	}
	s.extranonceServer = en

	s.setState(StateSubscribed)
	s.sendResult(req.ID, []interface{}{
		[]interface{}{[]interface{}{"mining.set_difficulty", s.id}, []interface{}{"mining.notify", s.id}},
		hex.EncodeToString(en),
		fam.ExtranonceSize(),
	})

	if fam.SendsSetExtranonce() {
		s.sendNotification("mining.set_extranonce", []interface{}{hex.EncodeToString(en), fam.ExtranonceSize()})
	}

	if s.deps.Metrics != nil && s.counted.CompareAndSwap(false, true) {
		s.deps.Metrics.ConnectedMiners.WithLabelValues(fam.String()).Inc()
	}
}

func (s *Session) handleAuthorize(req *protocol.Request) {
	if s.State() < StateSubscribed {
		s.logger.Warn("authorize attempted before subscribe")
		s.sendError(req.ID, protocol.NewError(protocol.ErrNotSubscribed, "must subscribe first"))
		return
	}

	worker, pass, err := protocol.ParseAuthorizeParams(req.Params)
	if err != nil {
		s.sendError(req.ID, err)
		return
	}
	if s.deps.WorkerAuth != nil && !s.deps.WorkerAuth(worker, pass) {
		s.logger.Warn("authorize rejected", zap.String("worker", worker))
		s.sendError(req.ID, protocol.NewError(protocol.ErrUnauthorizedError, "unauthorized"))
		return
	}

	s.worker.Store(&worker)
	s.setState(StateAuthorized)
	s.sendResult(req.ID, true)

	s.diff = vardiff.New(s.deps.VarDiff, s.deps.VarDiff.MinDifficulty, time.Now())
	s.sendNotification("mining.set_difficulty", []interface{}{s.diff.Difficulty()})
	if s.deps.Recorder != nil {
		s.deps.Recorder.RecordDifficulty(worker, s.diff.Difficulty())
	}

	if j := s.deps.Jobs.Latest(); j != nil {
		s.sendJob(j, true)
	}
	s.setState(StateActive)
}

func (s *Session) handleSubmit(req *protocol.Request) {
	if s.State() < StateAuthorized {
		s.logger.Warn("submit attempted before authorize")
		s.sendError(req.ID, protocol.NewError(protocol.ErrUnauthorizedError, "not authorized"))
		return
	}

	params, err := protocol.ParseSubmitParams(req.Params)
	if err != nil {
		s.sendError(req.ID, err)
		return
	}

	jobID, err := strconv.ParseUint(params.JobIDHex, 16, 32)
	if err != nil {
		s.sendError(req.ID, protocol.NewError(protocol.ErrInvalidParams, "invalid job id"))
		return
	}
	nonce, err := strconv.ParseUint(params.NonceHex, 16, 64)
	if err != nil {
		s.sendError(req.ID, protocol.NewError(protocol.ErrInvalidParams, "invalid nonce"))
		return
	}

	var ntime int64
	if params.NTimeHex != "" {
		ntime, _ = strconv.ParseInt(params.NTimeHex, 16, 64)
	}

	extranonceClient, _ := hex.DecodeString(params.ExtranonceClient)

	diff := s.diff.Difficulty()
	sub := share.Submission{
		JobID:            uint32(jobID),
		ExtranonceServer: s.extranonceServer,
		ExtranonceClient: extranonceClient,
		NTime:            ntime,
		Nonce:            nonce,
		Difficulty:       diff,
	}

	result := s.deps.Validator.Validate(sub)
	if s.deps.Recorder != nil {
		s.deps.Recorder.RecordShare(s.Worker(), s.deps.Instance, s.Family(), result)
	}

	if result.Outcome != share.Accepted {
		s.logger.Warn("share rejected",
			zap.String("worker", s.Worker()), zap.Int("outcome", int(result.Outcome)))
		s.sendError(req.ID, result.StratumErr)
		return
	}
	s.sendResult(req.ID, true)

	if result.IsBlock && s.deps.Recorder != nil {
		s.deps.Recorder.RecordBlock(s.deps.Instance, result.Job, sub, result.Hash)
	}

	if s.diff != nil {
		s.diff.RecordShare(time.Now())
		if newDiff, changed := s.diff.MaybeRetarget(time.Now()); changed {
			s.sendNotification("mining.set_difficulty", []interface{}{newDiff})
			if s.deps.Recorder != nil {
				s.deps.Recorder.RecordDifficulty(s.Worker(), newDiff)
			}
		}
	}
}

// sendJob delivers j to the miner via mining.notify.
func (s *Session) sendJob(j *job.Job, cleanJobs bool) {
	s.sendNotification("mining.notify", []interface{}{
		fmt.Sprintf("%x", j.ID),
		hex.EncodeToString(j.HeaderPrePow),
		fmt.Sprintf("%x", j.Timestamp),
		cleanJobs,
	})
}

// writerLoop delivers jobs as they're published, coalescing: if a
// session's reader is momentarily busy, only the latest job survives in
// the channel buffer, so a slow miner never receives stale work it
// would just reject anyway.
func (s *Session) writerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closeChan:
			return
		case j, ok := <-s.jobSub:
			if !ok {
				return
			}
			if s.State() != StateActive {
				continue
			}
			s.sendJob(j, false)
		}
	}
}

func (s *Session) handshakeWatchdog(ctx context.Context) {
	select {
	case <-time.After(s.deps.Timeouts.Subscribe):
		if s.State() < StateSubscribed {
			s.logger.Warn("closing session: did not subscribe within timeout",
				zap.Duration("timeout", s.deps.Timeouts.Subscribe))
			s.Close()
			return
		}
	case <-s.closeChan:
		return
	case <-ctx.Done():
		return
	}

	select {
	case <-time.After(s.deps.Timeouts.Authorize):
		if s.State() < StateAuthorized {
			s.logger.Warn("closing session: did not authorize within timeout",
				zap.Duration("timeout", s.deps.Timeouts.Authorize))
			s.Close()
		}
	case <-s.closeChan:
	case <-ctx.Done():
	}
}

func (s *Session) idleWatchdog(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			last := time.Unix(0, s.lastActivity.Load())
			if s.State() >= StateAuthorized && time.Since(last) > s.deps.Timeouts.Idle {
				s.logger.Warn("closing session: idle timeout exceeded",
					zap.String("worker", s.Worker()), zap.Duration("idle", time.Since(last)))
				s.Close()
				return
			}
		case <-s.closeChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) sendResult(id interface{}, result interface{}) {
	s.writeJSON(protocol.Response{ID: id, Result: result})
}

func (s *Session) sendError(id interface{}, err *protocol.StratumError) {
	s.writeJSON(protocol.Response{ID: id, Error: err.ToJSON()})
}

func (s *Session) sendNotification(method string, params interface{}) {
	s.writeJSON(protocol.Notification{ID: nil, Method: method, Params: params})
}

func (s *Session) writeJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(s.deps.Timeouts.RPCCall))
	s.conn.Write(data)
}

// Drain transitions the session to draining: it stops receiving new
// jobs but is still allowed to finish in-flight work until Close.
func (s *Session) Drain() {
	s.setState(StateDraining)
}

// Close tears the session down, releasing its extranonce allocation
// back to the pool and closing the underlying connection exactly once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		close(s.closeChan)
		if s.extranonceServer != nil {
			s.deps.Allocator.Release(s.Family(), s.extranonceServer)
		}
		if s.deps.Metrics != nil && s.counted.CompareAndSwap(true, false) {
			s.deps.Metrics.ConnectedMiners.WithLabelValues(s.Family().String()).Dec()
		}
		s.conn.Close()
	})
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Worker returns the authorized worker name, or "" before authorize.
func (s *Session) Worker() string {
	p := s.worker.Load()
	if p == nil {
		return ""
	}
	return *p
}
