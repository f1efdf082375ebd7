// Package session drives a conversation with a remote assistant: it creates
// or resumes the assistant and thread, triggers runs, waits for them to
// finish and keeps the local transcript and history store in sync.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nstogner/threadrun/pkg/assistant"
	"github.com/nstogner/threadrun/pkg/domain"
	"github.com/nstogner/threadrun/pkg/history"
)

var (
	// ErrBusy is returned when an operation is requested while another one
	// is still in flight.
	ErrBusy = errors.New("session operation already in progress")
	// ErrNoSession is returned by SendMessage before a thread and assistant
	// exist.
	ErrNoSession = errors.New("no active session: thread and assistant are required")
	// ErrEmptyMessage is returned by SendMessage for blank input without files.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrNoAssistant is returned by ResumeSession without an assistant ID.
	ErrNoAssistant = errors.New("assistant ID is required")
)

// Status lines reported while an operation runs.
const (
	StatusCreatingAssistant = "Creating assistant..."
	StatusCreatingThread    = "Creating thread..."
	StatusRunningAssistant  = "Running assistant..."
	StatusCheckingRun       = "Checking run status..."
	StatusLoadingHistory    = "Loading thread history..."
	StatusUploadingFiles    = "Uploading files..."
	StatusSendingMessage    = "Sending message..."
	StatusDone              = "Done"
	StatusError             = "Error"
)

// Phase is the operation the orchestrator is currently executing.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseStarting Phase = "starting"
	PhaseResuming Phase = "resuming"
	PhaseSending  Phase = "sending"
)

// Snapshot is an immutable copy of the session state.
type Snapshot struct {
	Phase       Phase            `json:"phase"`
	AssistantID string           `json:"assistant_id,omitempty"`
	ThreadID    string           `json:"thread_id,omitempty"`
	RunID       string           `json:"run_id,omitempty"`
	Messages    []domain.Message `json:"messages"`
	Sending     bool             `json:"sending"`
	// Loading is set while the first assistant message of a started or
	// resumed session is being fetched.
	Loading  bool   `json:"loading"`
	Status   string `json:"status,omitempty"`
	Progress int    `json:"progress"`
	Err      error  `json:"-"`
}

func (s Snapshot) clone() Snapshot {
	s.Messages = domain.CloneMessages(s.Messages)
	return s
}

// Orchestrator owns the single active session of a process. Construct one
// with New and share it; operations are serialized by a phase machine and a
// second operation started while one is in flight fails with ErrBusy.
type Orchestrator struct {
	client   assistant.Client
	history  history.Store
	poller   *Poller
	observer Observer

	mu    sync.Mutex
	state Snapshot
	// threadStart is the index of the first transcript message that belongs
	// to state.ThreadID. Earlier messages are never persisted under it.
	threadStart int
}

// New creates an Orchestrator. store and observer may be nil.
func New(client assistant.Client, store history.Store, observer Observer, poll PollConfig) *Orchestrator {
	if observer == nil {
		observer = noopObserver{}
	}
	return &Orchestrator{
		client:   client,
		history:  store,
		poller:   NewPoller(client, poll),
		observer: observer,
		state:    Snapshot{Phase: PhaseIdle},
	}
}

// Snapshot returns a copy of the current session state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.clone()
}

// Messages returns a copy of the current transcript.
func (o *Orchestrator) Messages() []domain.Message {
	return o.Snapshot().Messages
}

// Reset clears identifiers and transcript so the next StartNewSession begins
// from an empty conversation. It fails with ErrBusy while an operation runs.
func (o *Orchestrator) Reset(ctx context.Context) error {
	o.mu.Lock()
	if o.state.Phase != PhaseIdle {
		o.mu.Unlock()
		return ErrBusy
	}
	o.state = Snapshot{Phase: PhaseIdle}
	o.threadStart = 0
	o.mu.Unlock()

	o.emit(ctx, Event{Type: EventMessages, Messages: []domain.Message{}})
	return nil
}

// StartNewSession creates an assistant, a thread seeded with initialMessage
// and a run, waits for the run and appends the reply to the transcript.
// Each step is attempted once. On failure the identifiers created so far are
// kept for diagnosis.
func (o *Orchestrator) StartNewSession(ctx context.Context, details domain.AssistantDetails, fileIDs []string, initialMessage string) (err error) {
	if err := o.begin(PhaseStarting, func(s *Snapshot) {
		s.AssistantID, s.ThreadID, s.RunID = "", "", ""
		s.Loading = true
	}); err != nil {
		return err
	}
	defer func() { o.finish(ctx, err) }()

	o.report(ctx, StatusCreatingAssistant, 10)
	assistantID, err := o.client.CreateAssistant(ctx, details, fileIDs)
	if err = stepErr(assistant.ErrAssistantCreation, assistantID, err); err != nil {
		return err
	}
	o.apply(func(s *Snapshot) { s.AssistantID = assistantID })
	slog.Info("Assistant created", "assistantID", assistantID, "name", details.Name)

	threadID, runID, err := o.createThreadAndRun(ctx, assistantID, initialMessage)
	if err != nil {
		return err
	}

	o.report(ctx, StatusCheckingRun, 40)
	outcome, err := o.poller.AwaitRun(ctx, runID, threadID, 40, o.progressSink(ctx))
	if err != nil {
		return fmt.Errorf("awaiting run: %w", err)
	}

	o.appendAndSync(ctx, domain.Message{Role: domain.RoleAssistant, Content: outcome.Message})
	return nil
}

// ResumeSession continues with a known assistant. Without existingThreadID a
// new thread seeded with initialMessage is created and run, and the reply is
// appended. With existingThreadID no run is created: the thread's history is
// fetched, put in chronological order without its seed message, and replaces
// the transcript.
func (o *Orchestrator) ResumeSession(ctx context.Context, assistantID, initialMessage, existingThreadID string) (err error) {
	if err := o.begin(PhaseResuming, func(s *Snapshot) {
		s.AssistantID, s.ThreadID, s.RunID = assistantID, "", ""
		s.Loading = true
	}); err != nil {
		return err
	}
	defer func() { o.finish(ctx, err) }()

	if assistantID == "" {
		return ErrNoAssistant
	}

	if existingThreadID == "" {
		threadID, runID, err := o.createThreadAndRun(ctx, assistantID, initialMessage)
		if err != nil {
			return err
		}

		o.report(ctx, StatusCheckingRun, 40)
		outcome, err := o.poller.AwaitRun(ctx, runID, threadID, 40, o.progressSink(ctx))
		if err != nil {
			return fmt.Errorf("awaiting run: %w", err)
		}
		o.appendAndSync(ctx, domain.Message{Role: domain.RoleAssistant, Content: outcome.Message})
		return nil
	}

	o.apply(func(s *Snapshot) { s.ThreadID = existingThreadID })
	o.report(ctx, StatusLoadingHistory, 40)
	outcome, err := o.poller.AwaitRun(ctx, "", existingThreadID, 40, o.progressSink(ctx))
	if err != nil {
		return fmt.Errorf("loading thread %s: %w", existingThreadID, err)
	}

	msgs := NormalizeHistory(outcome.History)
	o.mu.Lock()
	o.state.Messages = msgs
	o.threadStart = 0
	snap := o.state.clone()
	o.mu.Unlock()
	o.emit(ctx, Event{Type: EventMessages, ThreadID: existingThreadID, Messages: snap.Messages})
	o.persist(ctx, existingThreadID, snap.Messages)
	return nil
}

// SendMessage appends a user message to the transcript right away, uploads
// files in parallel, submits the message, runs the assistant and appends its
// reply. fileDetails is shown with the message; when nil it is derived from
// files. Before a session exists the call only reports ErrNoSession.
func (o *Orchestrator) SendMessage(ctx context.Context, input string, files []domain.File, fileDetails []domain.FileMeta) (err error) {
	if strings.TrimSpace(input) == "" && len(files) == 0 {
		return ErrEmptyMessage
	}
	if err := o.begin(PhaseSending, func(s *Snapshot) { s.Sending = true }); err != nil {
		slog.Warn("Rejected overlapping send", "error", err)
		return err
	}
	defer func() { o.finish(ctx, err) }()

	snap := o.Snapshot()
	if snap.ThreadID == "" || snap.AssistantID == "" {
		slog.Error("Cannot send message without an active session",
			"threadID", snap.ThreadID, "assistantID", snap.AssistantID)
		return ErrNoSession
	}
	threadID, assistantID := snap.ThreadID, snap.AssistantID

	if fileDetails == nil && len(files) > 0 {
		fileDetails = make([]domain.FileMeta, len(files))
		for i, f := range files {
			fileDetails[i] = f.Meta()
		}
	}
	snap = o.apply(func(s *Snapshot) {
		s.Messages = append(s.Messages, domain.Message{Role: domain.RoleUser, Content: input, Files: fileDetails})
	})
	o.emit(ctx, Event{Type: EventMessages, ThreadID: threadID, Messages: snap.Messages})

	var fileIDs []string
	if len(files) > 0 {
		o.report(ctx, StatusUploadingFiles, 5)
		fileIDs, err = o.UploadFiles(ctx, files)
		if err != nil {
			return err
		}
	}

	o.report(ctx, StatusSendingMessage, 10)
	if err := o.client.SubmitMessage(ctx, threadID, input, fileIDs); err != nil {
		return wrapStep(assistant.ErrMessageSubmission, err)
	}

	o.report(ctx, StatusRunningAssistant, 30)
	runID, err := o.client.CreateRun(ctx, assistantID, threadID)
	if err = stepErr(assistant.ErrRunCreation, runID, err); err != nil {
		return err
	}
	o.apply(func(s *Snapshot) { s.RunID = runID })
	o.setProgress(ctx, 40)

	o.report(ctx, StatusCheckingRun, 40)
	outcome, err := o.poller.AwaitRun(ctx, runID, threadID, 40, o.progressSink(ctx))
	if err != nil {
		return fmt.Errorf("awaiting run: %w", err)
	}

	o.appendAndSync(ctx, domain.Message{Role: domain.RoleAssistant, Content: outcome.Message})
	return nil
}

// UploadFiles uploads all files concurrently and returns their identifiers in
// input order. Identifiers are only returned once every upload finished; any
// failure or missing identifier fails the whole batch with ErrFileUpload.
func (o *Orchestrator) UploadFiles(ctx context.Context, files []domain.File) ([]string, error) {
	ids := make([]string, len(files))
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(func() error {
			id, err := o.client.UploadFile(gctx, f)
			if err = stepErr(assistant.ErrFileUpload, id, err); err != nil {
				return fmt.Errorf("uploading %s: %w", f.Name, err)
			}
			ids[i] = id
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ids, nil
}

// createThreadAndRun reports the 10/20/30/40 milestones.
func (o *Orchestrator) createThreadAndRun(ctx context.Context, assistantID, seed string) (string, string, error) {
	o.report(ctx, StatusCreatingThread, 10)
	threadID, err := o.client.CreateThread(ctx, seed)
	if err = stepErr(assistant.ErrThreadCreation, threadID, err); err != nil {
		return "", "", err
	}
	o.enterThread(threadID)
	o.setProgress(ctx, 20)

	o.report(ctx, StatusRunningAssistant, 30)
	runID, err := o.client.CreateRun(ctx, assistantID, threadID)
	if err = stepErr(assistant.ErrRunCreation, runID, err); err != nil {
		return "", "", err
	}
	o.apply(func(s *Snapshot) { s.RunID = runID })
	o.setProgress(ctx, 40)
	slog.Info("Run created", "threadID", threadID, "runID", runID)

	return threadID, runID, nil
}

// enterThread makes threadID current. Messages already in the transcript
// stay visible but belong to the previous thread.
func (o *Orchestrator) enterThread(threadID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state.ThreadID = threadID
	o.threadStart = len(o.state.Messages)
}

func (o *Orchestrator) begin(phase Phase, init func(*Snapshot)) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.Phase != PhaseIdle {
		return fmt.Errorf("%w: %s", ErrBusy, o.state.Phase)
	}
	o.state.Phase = phase
	o.state.Err = nil
	o.state.Status = ""
	o.state.Progress = 0
	if init != nil {
		init(&o.state)
	}
	return nil
}

// finish is the single exit path of every operation: it records the error,
// reports the final status and clears in-flight flags.
func (o *Orchestrator) finish(ctx context.Context, err error) {
	status := StatusDone
	if err != nil {
		status = StatusError
	}
	snap := o.apply(func(s *Snapshot) {
		s.Phase = PhaseIdle
		s.Sending = false
		s.Loading = false
		s.Progress = 0
		s.Status = status
		s.Err = err
	})

	if err != nil {
		o.emit(ctx, Event{Type: EventError, ThreadID: snap.ThreadID, Err: err, Error: err.Error()})
	}
	o.emit(ctx, Event{Type: EventStatus, ThreadID: snap.ThreadID, Status: status})
	o.emit(ctx, Event{Type: EventProgress, ThreadID: snap.ThreadID, Progress: 0})
}

func (o *Orchestrator) apply(fn func(*Snapshot)) Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(&o.state)
	return o.state.clone()
}

func (o *Orchestrator) report(ctx context.Context, status string, progress int) {
	snap := o.apply(func(s *Snapshot) {
		s.Status = status
		s.Progress = progress
	})
	o.emit(ctx, Event{Type: EventStatus, ThreadID: snap.ThreadID, Status: status})
	o.emit(ctx, Event{Type: EventProgress, ThreadID: snap.ThreadID, Progress: progress})
}

func (o *Orchestrator) setProgress(ctx context.Context, progress int) {
	snap := o.apply(func(s *Snapshot) { s.Progress = progress })
	o.emit(ctx, Event{Type: EventProgress, ThreadID: snap.ThreadID, Progress: progress})
}

func (o *Orchestrator) progressSink(ctx context.Context) func(int) {
	return func(p int) { o.setProgress(ctx, p) }
}

func (o *Orchestrator) appendAndSync(ctx context.Context, msg domain.Message) {
	o.mu.Lock()
	o.state.Messages = append(o.state.Messages, msg)
	snap := o.state.clone()
	own := domain.CloneMessages(o.state.Messages[min(o.threadStart, len(o.state.Messages)):])
	o.mu.Unlock()

	o.persist(ctx, snap.ThreadID, own)
	o.emit(ctx, Event{Type: EventMessages, ThreadID: snap.ThreadID, Messages: snap.Messages})
}

// persist never fails the operation; the transcript in memory stays
// authoritative.
func (o *Orchestrator) persist(ctx context.Context, threadID string, msgs []domain.Message) {
	if o.history == nil || threadID == "" {
		return
	}
	if err := o.history.Upsert(ctx, threadID, msgs); err != nil {
		slog.Warn("Failed to persist history", "threadID", threadID, "error", err)
	}
}

func (o *Orchestrator) emit(ctx context.Context, e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	o.observer.OnEvent(ctx, e)
}

// NormalizeHistory turns a most-recent-first thread history into the visible
// transcript: chronological order, without the seed message that bootstrapped
// the thread.
func NormalizeHistory(newestFirst []assistant.ThreadMessage) []domain.Message {
	if len(newestFirst) <= 1 {
		return []domain.Message{}
	}
	out := make([]domain.Message, 0, len(newestFirst)-1)
	for i := len(newestFirst) - 2; i >= 0; i-- {
		m := newestFirst[i]
		out = append(out, domain.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// stepErr normalizes the result of a remote step that must yield an ID.
func stepErr(kind error, id string, err error) error {
	if err != nil {
		return wrapStep(kind, err)
	}
	if id == "" {
		return fmt.Errorf("%w: no identifier returned", kind)
	}
	return nil
}

func wrapStep(kind, err error) error {
	if errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}
