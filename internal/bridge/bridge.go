// Package bridge runs one agent session: it owns the backend adapter, fans
// its events out to attached browsers, keeps the reconnect buffer and
// persists the session after every change.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shehryarbajwa/companion/internal/adapter"
	"github.com/shehryarbajwa/companion/internal/apperr"
	"github.com/shehryarbajwa/companion/internal/clock"
	"github.com/shehryarbajwa/companion/internal/logging"
	"github.com/shehryarbajwa/companion/internal/recorder"
	"github.com/shehryarbajwa/companion/internal/store"
	"github.com/shehryarbajwa/companion/pkg/models"
)

var log = logging.NewLogger("bridge")

const (
	maxHistory      = 1000
	maxProcessedIDs = 1000

	// maxBufferedEvents bounds the reconnect buffer when no browser acks.
	// A browser that falls further behind gets the message history instead.
	maxBufferedEvents = 1000
)

// Recorder receives every wire message the bridge sees
type Recorder interface {
	Record(src recorder.Source, dir models.Direction, raw string, ch models.Channel)
}

// Store persists session snapshots. Save takes the snapshot lazily from
// src, so calling it on every event is cheap.
type Store interface {
	Save(id string, src store.Snapshotter)
	SaveSync(session *models.PersistedSession) error
}

// Options configures a Bridge. Store and Recorder may be nil.
type Options struct {
	Store    Store
	Recorder Recorder
	Clock    clock.Clock
}

// Bridge is the per-session orchestrator
type Bridge struct {
	id    string
	src   recorder.Source
	store Store
	rec   Recorder
	clock clock.Clock

	mu                 sync.Mutex
	state              models.SessionState
	adapter            adapter.Adapter
	cliReady           bool
	history            []models.HistoryRecord
	pendingMessages    []models.Command
	pendingPermissions map[string]models.PermissionRequest
	buffer             []models.BufferedEvent
	nextSeq            int64
	lastAck            int64
	processed          []string
	processedSet       map[string]struct{}
	clients            map[*Client]struct{}
	connectedCh        chan struct{}
	exitedCh           chan struct{}
	// closed is set once Close has run; the session is then gone for good
	// and nothing may write it back to disk.
	closed bool
}

func newBridge(state models.SessionState, opts Options) *Bridge {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Bridge{
		id: state.SessionID,
		src: recorder.Source{
			SessionID: state.SessionID,
			Backend:   state.BackendType,
			Cwd:       state.Cwd,
		},
		store:              opts.Store,
		rec:                opts.Recorder,
		clock:              opts.Clock,
		state:              state,
		pendingPermissions: make(map[string]models.PermissionRequest),
		nextSeq:            1,
		processedSet:       make(map[string]struct{}),
		clients:            make(map[*Client]struct{}),
		connectedCh:        make(chan struct{}),
		exitedCh:           make(chan struct{}),
	}
}

// New creates a bridge for a session that has not been launched yet
func New(state models.SessionState, opts Options) *Bridge {
	if state.Status == "" {
		state.Status = models.StatusConnecting
	}
	return newBridge(state, opts)
}

// Restore rebuilds a bridge from its persisted snapshot. No process is
// attached, so the session comes back as exited until it is relaunched.
func Restore(p *models.PersistedSession, opts Options) *Bridge {
	b := newBridge(p.State, opts)
	b.state.Status = models.StatusExited
	b.state.Archived = p.Archived || p.State.Archived
	b.history = p.MessageHistory
	b.pendingMessages = p.PendingMessages
	for id, req := range p.PendingPermissions {
		b.pendingPermissions[id] = req
	}
	b.buffer = trimBuffer(p.EventBuffer)
	b.nextSeq = p.NextEventSeq
	b.lastAck = p.LastAckSeq
	if b.nextSeq < 1 {
		b.nextSeq = 1
	}
	for _, ev := range b.buffer {
		if ev.Seq >= b.nextSeq {
			b.nextSeq = ev.Seq + 1
		}
	}
	if b.lastAck >= b.nextSeq {
		b.lastAck = b.nextSeq - 1
	}
	for _, id := range p.ProcessedClientMessageIDs {
		b.processed = append(b.processed, id)
		b.processedSet[id] = struct{}{}
	}
	close(b.exitedCh)
	return b
}

// ID returns the session id
func (b *Bridge) ID() string { return b.id }

// Launch starts a backend through a. A bridge can be relaunched once its
// previous process has exited.
func (b *Bridge) Launch(ctx context.Context, a adapter.Adapter, cfg adapter.Config) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errClosed()
	}
	if b.adapter != nil && b.adapter.Alive() {
		b.mu.Unlock()
		return apperr.New(apperr.CodeConflict, "session is already running")
	}
	b.adapter = a
	b.cliReady = false
	b.state.Status = models.StatusConnecting
	b.connectedCh = make(chan struct{})
	b.exitedCh = make(chan struct{})
	b.persistLocked()
	b.mu.Unlock()

	err := a.Start(ctx, cfg, adapter.Callbacks{
		OnEvent: func(event models.Event) { b.handleEvent(a, event) },
		OnRaw:   func(dir models.Direction, raw string) { b.recordCLI(a, dir, raw) },
		OnExit:  func(code int) { b.handleExit(a, code) },
	})
	if err != nil {
		b.mu.Lock()
		if b.adapter == a {
			b.adapter = nil
			b.markExitedLocked()
			b.persistSyncLocked()
		}
		b.mu.Unlock()
		a.Close()
		return err
	}
	return nil
}

// recordCLI records a backend line. Lines from a replaced or closed
// adapter are dropped, so a dying process cannot reopen a recording that
// was already stopped.
func (b *Bridge) recordCLI(a adapter.Adapter, dir models.Direction, raw string) {
	if b.rec == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.adapter != a {
		return
	}
	b.rec.Record(b.src, dir, raw, models.ChannelCLI)
}

func (b *Bridge) recordBrowser(dir models.Direction, raw string) {
	if b.rec == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.rec.Record(b.src, dir, raw, models.ChannelBrowser)
}

func errClosed() error {
	return apperr.New(apperr.CodeUnavailable, "session is closed")
}

func trimBuffer(buffer []models.BufferedEvent) []models.BufferedEvent {
	if len(buffer) > maxBufferedEvents {
		return buffer[len(buffer)-maxBufferedEvents:]
	}
	return buffer
}

// handleEvent sequences one adapter event, applies it to the session state
// and fans it out. Events from a replaced adapter are ignored.
func (b *Bridge) handleEvent(a adapter.Adapter, event models.Event) {
	b.mu.Lock()
	if b.adapter != a {
		b.mu.Unlock()
		return
	}

	b.applyLocked(event)

	seq := b.nextSeq
	b.nextSeq++
	b.buffer = trimBuffer(append(b.buffer, models.BufferedEvent{Seq: seq, Event: event}))
	b.broadcastLocked(OutFrame{Type: FrameEvent, Seq: seq, Event: &event})

	var flush []models.Command
	if event.Type == models.EventCLIConnected {
		flush = b.pendingMessages
		b.pendingMessages = nil
	}

	if event.Type == models.EventCLIExited {
		b.persistSyncLocked()
	} else {
		b.persistLocked()
	}
	b.mu.Unlock()

	for _, cmd := range flush {
		if err := a.Send(cmd); err != nil {
			log.WithError(err).WithField("session_id", b.id).Warn("Failed to deliver queued message")
		}
	}
}

func (b *Bridge) applyLocked(event models.Event) {
	now := b.clock.Now()

	switch event.Type {
	case models.EventSessionInit:
		info := event.Init
		if info == nil {
			return
		}
		if info.BackendSessionID != "" {
			b.state.BackendSessionID = info.BackendSessionID
		}
		if info.Model != "" {
			b.state.Model = info.Model
		}
		if info.Cwd != "" {
			b.state.Cwd = info.Cwd
		}
		if info.PermissionMode != "" {
			b.state.PermissionMode = info.PermissionMode
		}
		if info.Tools != nil {
			b.state.Tools = info.Tools
		}
		if info.McpServers != nil {
			b.state.McpServers = info.McpServers
		}

	case models.EventCLIConnected:
		b.cliReady = true
		b.state.Status = models.StatusConnected
		closeChan(b.connectedCh)

	case models.EventCLIExited:
		b.markExitedLocked()

	case models.EventAssistant:
		b.appendHistoryLocked(models.HistoryRecord{Role: "assistant", Event: &event, Timestamp: now})

	case models.EventResult:
		if r := event.Result; r != nil {
			if r.TotalCostUSD > 0 {
				b.state.TotalCostUSD = r.TotalCostUSD
			}
			if r.ContextUsedPercent > 0 {
				b.state.ContextUsedPercent = r.ContextUsedPercent
			}
			b.state.NumTurns++
		}
		b.appendHistoryLocked(models.HistoryRecord{Role: "result", Event: &event, Timestamp: now})

	case models.EventError:
		b.appendHistoryLocked(models.HistoryRecord{Role: "system", Event: &event, Timestamp: now})

	case models.EventPermissionRequest:
		if p := event.Permission; p != nil {
			b.pendingPermissions[p.RequestID] = *p
		}

	case models.EventPermissionCancelled:
		delete(b.pendingPermissions, event.RequestID)

	case models.EventStatusChange:
		if event.PermissionMode != "" {
			b.state.PermissionMode = event.PermissionMode
		}

	case models.EventMcpStatus:
		b.state.McpServers = event.McpServers
	}
}

// markExitedLocked moves the session to its terminal state
func (b *Bridge) markExitedLocked() {
	b.cliReady = false
	b.state.Status = models.StatusExited
	b.pendingPermissions = make(map[string]models.PermissionRequest)
	closeChan(b.exitedCh)
}

func (b *Bridge) handleExit(a adapter.Adapter, code int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.adapter != a {
		return
	}
	log.WithField("session_id", b.id).WithField("exit_code", code).Info("Backend exited")
	if b.state.Status != models.StatusExited {
		b.markExitedLocked()
		b.persistSyncLocked()
	}
}

func (b *Bridge) appendHistoryLocked(record models.HistoryRecord) {
	b.history = append(b.history, record)
	if len(b.history) > maxHistory {
		b.history = b.history[len(b.history)-maxHistory:]
	}
}

func encodeFrame(frame OutFrame) []byte {
	data, err := json.Marshal(frame)
	if err != nil {
		log.WithError(err).WithField("frame", frame.Type).Error("Failed to encode frame")
		return nil
	}
	return data
}

// broadcastLocked queues a frame on every client. A client whose queue is
// full is dropped; the others are unaffected.
func (b *Bridge) broadcastLocked(frame OutFrame) {
	if len(b.clients) == 0 {
		return
	}
	data := encodeFrame(frame)
	if data == nil {
		return
	}
	for c := range b.clients {
		if !c.enqueue(data) {
			log.WithField("session_id", b.id).WithField("client_id", c.ID).Warn("Dropping slow browser connection")
			b.removeClientLocked(c)
		}
	}
}

func (b *Bridge) removeClientLocked(c *Client) {
	if _, ok := b.clients[c]; !ok {
		return
	}
	delete(b.clients, c)
	c.close()
	if len(b.clients) == 0 && b.cliReady {
		b.state.Status = models.StatusDisconnected
		b.persistLocked()
	}
}

// Attach registers a browser connection. Every buffered event with a seq
// above lastSeq is replayed before live events. When the buffer no longer
// reaches back to lastSeq the message history is sent first.
func (b *Bridge) Attach(conn Conn, lastSeq int64) *Client {
	c := newClient(conn)

	b.mu.Lock()
	if lastSeq < 0 || lastSeq >= b.nextSeq {
		lastSeq = 0
	}

	state := b.state
	replay := [][]byte{encodeFrame(OutFrame{Type: FrameSessionState, State: &state, NextSeq: b.nextSeq})}

	firstBuffered := b.nextSeq
	if len(b.buffer) > 0 {
		firstBuffered = b.buffer[0].Seq
	}
	if lastSeq+1 < firstBuffered && len(b.history) > 0 {
		history := append([]models.HistoryRecord(nil), b.history...)
		replay = append(replay, encodeFrame(OutFrame{Type: FrameHistory, History: history}))
	}
	for i := range b.buffer {
		ev := b.buffer[i]
		if ev.Seq <= lastSeq {
			continue
		}
		replay = append(replay, encodeFrame(OutFrame{Type: FrameEvent, Seq: ev.Seq, Event: &ev.Event}))
	}

	b.clients[c] = struct{}{}
	if b.cliReady && b.state.Status == models.StatusDisconnected {
		b.state.Status = models.StatusConnected
		b.persistLocked()
	}
	b.mu.Unlock()

	go b.writeLoop(c, replay)
	return c
}

func (b *Bridge) writeLoop(c *Client, replay [][]byte) {
	for _, data := range replay {
		if !b.write(c, data) {
			return
		}
	}
	for {
		select {
		case <-c.done:
			return
		case data := <-c.out:
			if !b.write(c, data) {
				return
			}
		}
	}
}

func (b *Bridge) write(c *Client, data []byte) bool {
	if data == nil {
		return true
	}
	if err := c.conn.WriteMessage(data); err != nil {
		log.WithError(err).WithField("session_id", b.id).WithField("client_id", c.ID).Debug("Browser write failed")
		b.Detach(c)
		return false
	}
	b.recordBrowser(models.DirectionOut, string(data))
	return true
}

// Detach unregisters a browser connection and closes it
func (b *Bridge) Detach(c *Client) {
	b.mu.Lock()
	b.removeClientLocked(c)
	b.mu.Unlock()
	c.close()
}

// Ack records that the browser holds every event up to seq and trims the
// buffer. Stale acks are ignored; acks beyond the last event are clamped.
func (b *Bridge) Ack(seq int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errClosed()
	}

	if last := b.nextSeq - 1; seq > last {
		seq = last
	}
	if seq <= b.lastAck {
		return nil
	}
	b.lastAck = seq

	i := 0
	for i < len(b.buffer) && b.buffer[i].Seq <= seq {
		i++
	}
	b.buffer = b.buffer[i:]
	b.persistLocked()
	return nil
}

// HandleBrowserMessage processes one raw frame from a browser. Failures are
// reported to that browser only. The returned error is non-nil only once
// the session is closed, and the caller should stop reading then.
func (b *Bridge) HandleBrowserMessage(c *Client, raw []byte) error {
	if b.isClosed() {
		return errClosed()
	}
	b.recordBrowser(models.DirectionIn, string(raw))

	var frame InFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		b.sendTo(c, OutFrame{Type: FrameCommandError, Code: string(apperr.CodeValidation), Error: "malformed message"})
		return nil
	}

	if frame.Type == FrameSessionAck {
		return b.Ack(frame.Seq)
	}

	cmd, ok := frame.command()
	if !ok {
		b.sendTo(c, OutFrame{Type: FrameCommandError, Code: string(apperr.CodeValidation), Error: fmt.Sprintf("unknown message type %q", frame.Type)})
		return nil
	}

	if cmd.Type == models.CommandUserMessage && frame.ClientMsgID != "" && !b.markProcessed(frame.ClientMsgID) {
		return nil
	}

	var err error
	switch cmd.Type {
	case models.CommandUserMessage:
		err = b.SendUserMessage(cmd)
	case models.CommandPermissionResponse:
		err = b.SendPermissionDecision(cmd.RequestID, *cmd.Decision)
	default:
		err = b.SendCommand(cmd)
	}
	if errors.Is(err, apperr.ErrUnavailable) && b.isClosed() {
		return err
	}
	if err != nil {
		b.sendTo(c, OutFrame{
			Type:        FrameCommandError,
			Code:        string(apperr.CodeOf(err)),
			Error:       err.Error(),
			RequestID:   frame.RequestID,
			ClientMsgID: frame.ClientMsgID,
		})
	}
	return nil
}

func (b *Bridge) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Bridge) sendTo(c *Client, frame OutFrame) {
	if data := encodeFrame(frame); data != nil {
		c.enqueue(data)
	}
}

// markProcessed returns false if the client message id was already seen
func (b *Bridge) markProcessed(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, seen := b.processedSet[id]; seen {
		return false
	}
	b.processedSet[id] = struct{}{}
	b.processed = append(b.processed, id)
	if len(b.processed) > maxProcessedIDs {
		evicted := b.processed[0]
		b.processed = append([]string(nil), b.processed[1:]...)
		delete(b.processedSet, evicted)
	}
	b.persistLocked()
	return true
}

// InjectUserMessage sends text as an ordinary user turn
func (b *Bridge) InjectUserMessage(text string) error {
	return b.SendUserMessage(models.Command{Type: models.CommandUserMessage, Content: text})
}

// SendUserMessage delivers a user turn, or queues it until the backend has
// completed its handshake.
func (b *Bridge) SendUserMessage(cmd models.Command) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errClosed()
	}
	b.appendHistoryLocked(models.HistoryRecord{Role: "user", Content: cmd.Content, Timestamp: b.clock.Now()})
	if !b.cliReady || b.adapter == nil {
		b.pendingMessages = append(b.pendingMessages, cmd)
		b.persistLocked()
		b.mu.Unlock()
		return nil
	}
	a := b.adapter
	b.persistLocked()
	b.mu.Unlock()

	return a.Send(cmd)
}

// SendPermissionDecision resolves a pending permission request. Unknown
// ids, including ones already decided, return an UNKNOWN_REQUEST error.
func (b *Bridge) SendPermissionDecision(requestID string, decision models.PermissionDecision) error {
	b.mu.Lock()
	if _, ok := b.pendingPermissions[requestID]; !ok {
		b.mu.Unlock()
		return apperr.New(apperr.CodeUnknownRequest, fmt.Sprintf("no pending permission request %q", requestID)).
			WithDetail("requestId", requestID)
	}
	if !b.cliReady || b.adapter == nil {
		b.mu.Unlock()
		return apperr.New(apperr.CodeUnavailable, "backend is not connected")
	}
	delete(b.pendingPermissions, requestID)
	a := b.adapter
	b.persistLocked()
	b.mu.Unlock()

	return a.Send(models.Command{Type: models.CommandPermissionResponse, RequestID: requestID, Decision: &decision})
}

// SendCommand forwards a control command to the backend
func (b *Bridge) SendCommand(cmd models.Command) error {
	b.mu.Lock()
	a, ready := b.adapter, b.cliReady
	b.mu.Unlock()
	if a == nil || !ready {
		return apperr.New(apperr.CodeUnavailable, "backend is not connected")
	}

	if err := a.Send(cmd); err != nil {
		return err
	}

	switch cmd.Type {
	case models.CommandSetModel, models.CommandSetPermissionMode:
		b.mu.Lock()
		if cmd.Model != "" {
			b.state.Model = cmd.Model
		}
		if cmd.PermissionMode != "" {
			b.state.PermissionMode = cmd.PermissionMode
		}
		b.persistLocked()
		b.mu.Unlock()
	}
	return nil
}

// WaitForConnection blocks until the backend handshake completes. It fails
// if the backend exits first or timeout elapses.
func (b *Bridge) WaitForConnection(ctx context.Context, timeout time.Duration) error {
	b.mu.Lock()
	if b.cliReady {
		b.mu.Unlock()
		return nil
	}
	if b.state.Status == models.StatusExited {
		b.mu.Unlock()
		return apperr.New(apperr.CodeUnavailable, "backend has exited")
	}
	connected, exited := b.connectedCh, b.exitedCh
	b.mu.Unlock()

	expired := make(chan struct{})
	timer := b.clock.AfterFunc(timeout, func() { close(expired) })
	defer timer.Stop()

	select {
	case <-connected:
		return nil
	case <-exited:
		return apperr.New(apperr.CodeUnavailable, "backend exited before connecting")
	case <-expired:
		return apperr.New(apperr.CodeUnavailable, fmt.Sprintf("backend did not connect within %s", timeout))
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns a copy of the session state
func (b *Bridge) State() models.SessionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Alive reports whether the backend process is running
func (b *Bridge) Alive() bool {
	b.mu.Lock()
	a := b.adapter
	b.mu.Unlock()
	return a != nil && a.Alive()
}

// Exited is closed when the current backend process goes away. A relaunch
// replaces the channel.
func (b *Bridge) Exited() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exitedCh
}

// ClientCount returns the number of attached browsers
func (b *Bridge) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Update applies fn to the session state and persists the result
// immediately.
func (b *Bridge) Update(fn func(state *models.SessionState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(&b.state)
	b.persistSyncLocked()
}

// Snapshot returns the persisted projection of the session
func (b *Bridge) Snapshot() *models.PersistedSession {
	b.mu.Lock()
	defer b.mu.Unlock()

	snapshot := b.snapshotLocked()
	snapshot.MessageHistory = append([]models.HistoryRecord(nil), b.history...)
	snapshot.PendingMessages = append([]models.Command(nil), b.pendingMessages...)
	snapshot.EventBuffer = append([]models.BufferedEvent(nil), b.buffer...)
	snapshot.ProcessedClientMessageIDs = append([]string(nil), b.processed...)
	snapshot.PendingPermissions = make(map[string]models.PermissionRequest, len(b.pendingPermissions))
	for id, req := range b.pendingPermissions {
		snapshot.PendingPermissions[id] = req
	}
	return snapshot
}

// snapshotLocked shares the bridge's slices; callers must not retain it
// past the lock.
func (b *Bridge) snapshotLocked() *models.PersistedSession {
	return &models.PersistedSession{
		ID:                        b.id,
		State:                     b.state,
		MessageHistory:            b.history,
		PendingMessages:           b.pendingMessages,
		PendingPermissions:        b.pendingPermissions,
		EventBuffer:               b.buffer,
		NextEventSeq:              b.nextSeq,
		LastAckSeq:                b.lastAck,
		ProcessedClientMessageIDs: b.processed,
		Archived:                  b.state.Archived,
	}
}

func (b *Bridge) persistLocked() {
	if b.store != nil && !b.closed {
		b.store.Save(b.id, b)
	}
}

func (b *Bridge) persistSyncLocked() {
	if b.store == nil || b.closed {
		return
	}
	if err := b.store.SaveSync(b.snapshotLocked()); err != nil {
		log.WithError(err).WithField("session_id", b.id).Warn("Failed to persist session")
	}
}

// Close kills the backend and disconnects every browser. The session ends
// in the exited state.
func (b *Bridge) Close() {
	b.mu.Lock()
	a := b.adapter
	b.adapter = nil
	b.markExitedLocked()
	clients := make([]*Client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.clients = make(map[*Client]struct{})
	b.persistSyncLocked()
	b.closed = true
	b.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	if a != nil {
		if err := a.Close(); err != nil {
			log.WithError(err).WithField("session_id", b.id).Debug("Failed to kill backend")
		}
	}
}

func closeChan(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}
