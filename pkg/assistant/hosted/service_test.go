package hosted

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nstogner/threadrun/pkg/assistant"
	"github.com/nstogner/threadrun/pkg/domain"
	"github.com/nstogner/threadrun/pkg/history/jsonfile"
	"github.com/nstogner/threadrun/pkg/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir() + "/hosted.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// startService runs the worker until the test ends.
func startService(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitStatus(t *testing.T, svc *Service, threadID, runID string, want assistant.RunStatus) *assistant.Run {
	t.Helper()
	var run *assistant.Run
	require.Eventually(t, func() bool {
		r, err := svc.RetrieveRun(context.Background(), threadID, runID)
		if err != nil {
			return false
		}
		run = r
		return r.Status == want
	}, 5*time.Second, 5*time.Millisecond)
	return run
}

func TestRunLifecycle(t *testing.T) {
	mock := &MockModel{Response: "Hola, soy Bot"}
	svc := New(newTestStore(t), mock, Config{DefaultModel: "mock-model"})
	startService(t, svc)
	ctx := context.Background()

	assistantID, err := svc.CreateAssistant(ctx, domain.AssistantDetails{Name: "Bot", Description: "A test bot", Instructions: "Be brief."}, nil)
	require.NoError(t, err)
	threadID, err := svc.CreateThread(ctx, "Presentate")
	require.NoError(t, err)
	runID, err := svc.CreateRun(ctx, assistantID, threadID)
	require.NoError(t, err)

	waitStatus(t, svc, threadID, runID, assistant.RunStatusCompleted)

	msgs, err := svc.ListMessages(ctx, threadID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleAssistant, msgs[0].Role)
	assert.Equal(t, "Hola, soy Bot", msgs[0].Content)
	assert.Equal(t, runID, msgs[0].RunID)
	assert.Equal(t, "Presentate", msgs[1].Content)

	calls, modelName, instructions, sent := mock.seen()
	assert.Equal(t, 1, calls)
	assert.Equal(t, "mock-model", modelName)
	assert.Contains(t, instructions, "Bot")
	assert.Contains(t, instructions, "Be brief.")
	require.Len(t, sent, 1)
	assert.Equal(t, "Presentate", sent[0].Text())
}

func TestRunFailure(t *testing.T) {
	mock := &MockModel{Err: errors.New("quota exceeded")}
	svc := New(newTestStore(t), mock, Config{DefaultModel: "mock-model"})
	startService(t, svc)
	ctx := context.Background()

	assistantID, err := svc.CreateAssistant(ctx, domain.AssistantDetails{}, nil)
	require.NoError(t, err)
	threadID, err := svc.CreateThread(ctx, "hi")
	require.NoError(t, err)
	runID, err := svc.CreateRun(ctx, assistantID, threadID)
	require.NoError(t, err)

	run := waitStatus(t, svc, threadID, runID, assistant.RunStatusFailed)
	assert.Contains(t, run.LastError, "quota exceeded")
}

func TestRunExpiry(t *testing.T) {
	svc := New(newTestStore(t), &MockModel{Response: "late"}, Config{DefaultModel: "mock-model", RunExpiry: time.Minute})
	ctx := context.Background()

	assistantID, err := svc.CreateAssistant(ctx, domain.AssistantDetails{}, nil)
	require.NoError(t, err)
	threadID, err := svc.CreateThread(ctx, "hi")
	require.NoError(t, err)
	runID, err := svc.CreateRun(ctx, assistantID, threadID)
	require.NoError(t, err)

	run, err := svc.RetrieveRun(ctx, threadID, runID)
	require.NoError(t, err)
	assert.Equal(t, assistant.RunStatusQueued, run.Status)

	svc.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
	run, err = svc.RetrieveRun(ctx, threadID, runID)
	require.NoError(t, err)
	assert.Equal(t, assistant.RunStatusExpired, run.Status)

	// An expired run no longer blocks the thread.
	_, err = svc.CreateRun(ctx, assistantID, threadID)
	assert.NoError(t, err)
}

func TestActiveRunBlocksThread(t *testing.T) {
	svc := New(newTestStore(t), &MockModel{Response: "x"}, Config{DefaultModel: "mock-model"})
	ctx := context.Background()

	assistantID, err := svc.CreateAssistant(ctx, domain.AssistantDetails{}, nil)
	require.NoError(t, err)
	threadID, err := svc.CreateThread(ctx, "hi")
	require.NoError(t, err)
	_, err = svc.CreateRun(ctx, assistantID, threadID)
	require.NoError(t, err)

	_, err = svc.CreateRun(ctx, assistantID, threadID)
	assert.ErrorIs(t, err, assistant.ErrRunCreation)
	err = svc.SubmitMessage(ctx, threadID, "more", nil)
	assert.ErrorIs(t, err, assistant.ErrMessageSubmission)
}

func TestConcurrentCreateRunAdmitsOne(t *testing.T) {
	svc := New(newTestStore(t), &MockModel{Response: "x"}, Config{DefaultModel: "mock-model"})
	ctx := context.Background()

	assistantID, err := svc.CreateAssistant(ctx, domain.AssistantDetails{}, nil)
	require.NoError(t, err)
	threadID, err := svc.CreateThread(ctx, "hi")
	require.NoError(t, err)

	const callers = 16
	errs := make([]error, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, errs[i] = svc.CreateRun(ctx, assistantID, threadID)
		}()
	}
	close(start)
	wg.Wait()

	admitted := 0
	for _, err := range errs {
		if err == nil {
			admitted++
			continue
		}
		assert.ErrorIs(t, err, assistant.ErrRunCreation)
		assert.ErrorIs(t, err, ErrActiveRun)
	}
	assert.Equal(t, 1, admitted)
}

func TestQueuedRunsResumeOnStart(t *testing.T) {
	store := newTestStore(t)
	svc := New(store, &MockModel{Response: "recovered"}, Config{DefaultModel: "mock-model"})
	ctx := context.Background()

	assistantID, err := svc.CreateAssistant(ctx, domain.AssistantDetails{}, nil)
	require.NoError(t, err)
	threadID, err := svc.CreateThread(ctx, "hi")
	require.NoError(t, err)
	runID, err := svc.CreateRun(ctx, assistantID, threadID)
	require.NoError(t, err)

	startService(t, svc)
	waitStatus(t, svc, threadID, runID, assistant.RunStatusCompleted)
}

func TestDroppedNotificationsAreRescanned(t *testing.T) {
	store := newTestStore(t)
	mock := &MockModel{Response: "late", Block: make(chan struct{})}
	svc := New(store, mock, Config{DefaultModel: "mock-model", RescanInterval: 10 * time.Millisecond})
	ctx := context.Background()

	assistantID, err := svc.CreateAssistant(ctx, domain.AssistantDetails{}, nil)
	require.NoError(t, err)
	startService(t, svc)

	// The first run holds the worker while the rest overflow its queue.
	type pair struct{ threadID, runID string }
	runs := make([]pair, 0, 80)
	for i := 0; i < 80; i++ {
		threadID, err := svc.CreateThread(ctx, "hi")
		require.NoError(t, err)
		runID, err := svc.CreateRun(ctx, assistantID, threadID)
		require.NoError(t, err)
		runs = append(runs, pair{threadID, runID})
	}
	close(mock.Block)

	for _, r := range runs {
		waitStatus(t, svc, r.threadID, r.runID, assistant.RunStatusCompleted)
	}
}

func TestFilesReachTheModel(t *testing.T) {
	mock := &MockModel{Response: "seen"}
	svc := New(newTestStore(t), mock, Config{DefaultModel: "mock-model"})
	startService(t, svc)
	ctx := context.Background()

	docID, err := svc.UploadFile(ctx, domain.File{Name: "doc.txt", MIMEType: "text/plain", Data: []byte("knowledge")})
	require.NoError(t, err)
	imgID, err := svc.UploadFile(ctx, domain.File{Name: "img.png", MIMEType: "image/png", Data: []byte{0x89}})
	require.NoError(t, err)

	assistantID, err := svc.CreateAssistant(ctx, domain.AssistantDetails{}, []string{docID})
	require.NoError(t, err)
	threadID, err := svc.CreateThread(ctx, "")
	require.NoError(t, err)
	require.NoError(t, svc.SubmitMessage(ctx, threadID, "describe", []string{imgID}))
	runID, err := svc.CreateRun(ctx, assistantID, threadID)
	require.NoError(t, err)
	waitStatus(t, svc, threadID, runID, assistant.RunStatusCompleted)

	_, _, _, sent := mock.seen()
	require.Len(t, sent, 1)
	require.Len(t, sent[0].Content, 3)
	assert.Equal(t, "doc.txt", sent[0].Content[1].File.Name)
	assert.Equal(t, "img.png", sent[0].Content[2].File.Name)
}

func TestValidation(t *testing.T) {
	svc := New(newTestStore(t), &MockModel{}, Config{})
	ctx := context.Background()

	_, err := svc.CreateAssistant(ctx, domain.AssistantDetails{Name: "no model"}, nil)
	assert.ErrorIs(t, err, assistant.ErrAssistantCreation)

	_, err = svc.CreateAssistant(ctx, domain.AssistantDetails{Model: "m"}, []string{"file_missing"})
	assert.ErrorIs(t, err, assistant.ErrAssistantCreation)

	_, err = svc.UploadFile(ctx, domain.File{})
	assert.ErrorIs(t, err, assistant.ErrFileUpload)

	_, err = svc.CreateRun(ctx, "asst_missing", "thread_missing")
	assert.ErrorIs(t, err, assistant.ErrRunCreation)

	_, err = svc.RetrieveRun(ctx, "t", "run_missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.ListMessages(ctx, "thread_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestOrchestratorAgainstHostedService drives a full conversation through
// the session orchestrator.
func TestOrchestratorAgainstHostedService(t *testing.T) {
	mock := &MockModel{Response: "Hi there"}
	svc := New(newTestStore(t), mock, Config{DefaultModel: "mock-model"})
	startService(t, svc)
	ctx := context.Background()

	hist, err := jsonfile.New(filepath.Join(t.TempDir(), jsonfile.DefaultFileName))
	require.NoError(t, err)
	poll := session.PollConfig{Interval: 5 * time.Millisecond, MaxAttempts: 1000, MaxTransientErrors: 3}
	o := session.New(svc, hist, nil, poll)

	require.NoError(t, o.StartNewSession(ctx, domain.AssistantDetails{Name: "Bot"}, nil, "Presentate"))
	mock.Response = "4"
	require.NoError(t, o.SendMessage(ctx, "2+2?", nil, nil))

	want := []domain.Message{
		{Role: domain.RoleAssistant, Content: "Hi there"},
		{Role: domain.RoleUser, Content: "2+2?"},
		{Role: domain.RoleAssistant, Content: "4"},
	}
	assert.Equal(t, want, o.Messages())

	snap := o.Snapshot()
	entry, err := hist.Get(ctx, snap.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, want, entry.Messages)

	// Resuming the thread yields the same transcript without the seed.
	o2 := session.New(svc, hist, nil, poll)
	require.NoError(t, o2.ResumeSession(ctx, snap.AssistantID, "", snap.ThreadID))
	assert.Equal(t, want, o2.Messages())
}
