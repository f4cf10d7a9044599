package relayqueue

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/migadu/mailroute/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testEnvelope(to ...string) Envelope {
	if len(to) == 0 {
		to = []string{"recipient@example.com"}
	}
	return Envelope{Mail: "m-1", Origin: "Resend", From: "sender@example.com", To: to}
}

func newTestQueue(t *testing.T, maxAttempts int, backoff []time.Duration) *DiskQueue {
	t.Helper()
	q, err := NewDiskQueue(t.TempDir(), maxAttempts, backoff)
	if err != nil {
		t.Fatalf("Failed to create queue: %v", err)
	}
	return q
}

func assertStats(t *testing.T, q *DiskQueue, pending, processing, failed int) {
	t.Helper()
	p, pr, f, err := q.GetStats()
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if p != pending || pr != processing || f != failed {
		t.Errorf("Expected pending=%d processing=%d failed=%d, got pending=%d processing=%d failed=%d",
			pending, processing, failed, p, pr, f)
	}
}

func TestNewDiskQueue(t *testing.T) {
	tests := []struct {
		name            string
		basePath        string
		maxAttempts     int
		retryBackoff    []time.Duration
		expectError     bool
		expectedMax     int
		expectedBackoff int
	}{
		{"defaults", t.TempDir(), 0, nil, false, 10, len(DefaultRetryBackoff)},
		{"custom backoff", t.TempDir(), 5, []time.Duration{time.Minute, 5 * time.Minute}, false, 5, 2},
		{"empty path", "", 10, nil, true, 0, 0},
		{"blank path", "   ", 10, nil, true, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := NewDiskQueue(tt.basePath, tt.maxAttempts, tt.retryBackoff)
			if tt.expectError {
				if err == nil {
					t.Fatal("Expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if q.maxAttempts != tt.expectedMax {
				t.Errorf("Expected maxAttempts %d, got %d", tt.expectedMax, q.maxAttempts)
			}
			if len(q.retryBackoff) != tt.expectedBackoff {
				t.Errorf("Expected %d backoff steps, got %d", tt.expectedBackoff, len(q.retryBackoff))
			}
			for _, dir := range []string{q.pendingDir, q.processingDir, q.failedDir} {
				if _, err := os.Stat(dir); err != nil {
					t.Errorf("Directory %s not created: %v", dir, err)
				}
			}
		})
	}
}

func TestEnqueueAndAcquire(t *testing.T) {
	q := newTestQueue(t, 10, nil)

	id, err := q.Enqueue(testEnvelope("a@example.org", "b@example.org"), []byte("Subject: x\r\n\r\nbody"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	assertStats(t, q, 1, 0, 0)

	msg, data, err := q.AcquireNext()
	if err != nil {
		t.Fatalf("AcquireNext failed: %v", err)
	}
	if msg == nil {
		t.Fatal("Expected message, got nil")
	}
	if msg.ID != id {
		t.Errorf("Expected id %s, got %s", id, msg.ID)
	}
	if msg.Mail != "m-1" || msg.Origin != "Resend" || msg.From != "sender@example.com" {
		t.Errorf("Unexpected metadata: %+v", msg)
	}
	if strings.Join(msg.To, ",") != "a@example.org,b@example.org" {
		t.Errorf("Unexpected recipients: %v", msg.To)
	}
	if string(data) != "Subject: x\r\n\r\nbody" {
		t.Errorf("Unexpected body: %q", data)
	}
	assertStats(t, q, 0, 1, 0)

	msg, _, err = q.AcquireNext()
	if err != nil || msg != nil {
		t.Errorf("Expected empty queue, got %v, %v", msg, err)
	}
}

func TestEnqueueRequiresRecipients(t *testing.T) {
	q := newTestQueue(t, 10, nil)
	if _, err := q.Enqueue(Envelope{From: "a@example.com"}, []byte("x")); err == nil {
		t.Fatal("Expected error for an envelope without recipients")
	}
	assertStats(t, q, 0, 0, 0)
}

func TestAcquireNextWithRetryDelay(t *testing.T) {
	q := newTestQueue(t, 10, []time.Duration{200 * time.Millisecond})

	if _, err := q.Enqueue(testEnvelope(), []byte("x")); err != nil {
		t.Fatal(err)
	}
	msg, _, _ := q.AcquireNext()
	if err := q.MarkFailure(msg.ID, "451 try later"); err != nil {
		t.Fatalf("MarkFailure failed: %v", err)
	}

	if again, _, _ := q.AcquireNext(); again != nil {
		t.Fatal("Message acquired before its retry time")
	}

	time.Sleep(250 * time.Millisecond)
	again, _, err := q.AcquireNext()
	if err != nil || again == nil {
		t.Fatalf("Expected message after backoff, got %v, %v", again, err)
	}
	if again.Attempts != 1 || len(again.Errors) != 1 {
		t.Errorf("Expected 1 attempt and 1 error, got %d and %d", again.Attempts, len(again.Errors))
	}
}

func TestMarkSuccess(t *testing.T) {
	q := newTestQueue(t, 10, nil)
	if _, err := q.Enqueue(testEnvelope(), []byte("x")); err != nil {
		t.Fatal(err)
	}
	msg, _, _ := q.AcquireNext()
	if err := q.MarkSuccess(msg.ID); err != nil {
		t.Fatalf("MarkSuccess failed: %v", err)
	}
	assertStats(t, q, 0, 0, 0)

	if err := q.MarkSuccess(msg.ID); err != nil {
		t.Errorf("MarkSuccess on a removed entry should be a no-op, got %v", err)
	}
}

func TestMarkFailureMaxAttempts(t *testing.T) {
	q := newTestQueue(t, 3, []time.Duration{0})
	if _, err := q.Enqueue(testEnvelope(), []byte("x")); err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 3; i++ {
		msg, _, err := q.AcquireNext()
		if err != nil || msg == nil {
			t.Fatalf("AcquireNext %d failed: %v", i, err)
		}
		if err := q.MarkFailure(msg.ID, "timeout"); err != nil {
			t.Fatalf("MarkFailure %d failed: %v", i, err)
		}
	}
	assertStats(t, q, 0, 0, 1)
}

func TestMarkPermanentFailure(t *testing.T) {
	q := newTestQueue(t, 10, nil)
	if _, err := q.Enqueue(testEnvelope(), []byte("x")); err != nil {
		t.Fatal(err)
	}
	msg, _, _ := q.AcquireNext()
	if err := q.MarkPermanentFailure(msg.ID, "550 Mailbox not found"); err != nil {
		t.Fatalf("MarkPermanentFailure failed: %v", err)
	}
	assertStats(t, q, 0, 0, 1)

	var metadata QueuedMessage
	if err := readMetadata(filepath.Join(q.failedDir, msg.ID+metadataExt), &metadata); err != nil {
		t.Fatalf("Failed message metadata not found: %v", err)
	}
	if metadata.Attempts != 1 || len(metadata.Errors) != 1 {
		t.Fatalf("Expected 1 attempt and 1 error, got %+v", metadata)
	}
	if !strings.Contains(metadata.Errors[0], "PERMANENT") || !strings.Contains(metadata.Errors[0], "550 Mailbox not found") {
		t.Errorf("Unexpected error record: %s", metadata.Errors[0])
	}
	if _, err := os.Stat(filepath.Join(q.failedDir, msg.ID+messageExt)); err != nil {
		t.Errorf("Message body not kept with the failed entry: %v", err)
	}
}

func TestRelease(t *testing.T) {
	q := newTestQueue(t, 10, nil)
	if _, err := q.Enqueue(testEnvelope(), []byte("x")); err != nil {
		t.Fatal(err)
	}
	msg, _, _ := q.AcquireNext()
	if err := q.Release(msg.ID); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	assertStats(t, q, 1, 0, 0)

	again, _, _ := q.AcquireNext()
	if again == nil || again.Attempts != 0 {
		t.Fatalf("Released message should be due again without an attempt, got %+v", again)
	}
}

func TestRecoverOrphanedMessages(t *testing.T) {
	q := newTestQueue(t, 10, nil)
	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(testEnvelope(), []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	q.AcquireNext()
	q.AcquireNext()
	assertStats(t, q, 1, 2, 0)

	recovered, err := q.RecoverOrphanedMessages()
	if err != nil {
		t.Fatalf("RecoverOrphanedMessages failed: %v", err)
	}
	if recovered != 2 {
		t.Errorf("Expected 2 recovered messages, got %d", recovered)
	}
	assertStats(t, q, 3, 0, 0)
}

func TestCleanupOldFailedMessages(t *testing.T) {
	q := newTestQueue(t, 10, nil)
	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(testEnvelope(), []byte("x")); err != nil {
			t.Fatal(err)
		}
		msg, _, _ := q.AcquireNext()
		if err := q.MarkPermanentFailure(msg.ID, "550"); err != nil {
			t.Fatal(err)
		}
	}

	if cleaned, _ := q.CleanupOldFailedMessages(0); cleaned != 0 {
		t.Errorf("Zero retention must keep everything, cleaned %d", cleaned)
	}
	if cleaned, _ := q.CleanupOldFailedMessages(time.Hour); cleaned != 0 {
		t.Errorf("Expected 0 cleaned (too new), got %d", cleaned)
	}

	time.Sleep(5 * time.Millisecond)
	cleaned, err := q.CleanupOldFailedMessages(time.Millisecond)
	if err != nil {
		t.Fatalf("CleanupOldFailedMessages failed: %v", err)
	}
	if cleaned != 3 {
		t.Errorf("Expected 3 cleaned, got %d", cleaned)
	}
	assertStats(t, q, 0, 0, 0)
}

func TestConcurrentEnqueue(t *testing.T) {
	q := newTestQueue(t, 10, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := q.Enqueue(testEnvelope(), []byte("x")); err != nil {
				t.Errorf("Enqueue failed: %v", err)
			}
		}()
	}
	wg.Wait()
	assertStats(t, q, 50, 0, 0)
}

func TestNoTemporaryFilesLeft(t *testing.T) {
	q := newTestQueue(t, 10, nil)
	for i := 0; i < 5; i++ {
		if _, err := q.Enqueue(testEnvelope(), []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	for _, dir := range []string{q.pendingDir, q.processingDir, q.failedDir} {
		entries, _ := os.ReadDir(dir)
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), ".tmp-") {
				t.Errorf("Temporary file left behind: %s", e.Name())
			}
		}
	}
}

func TestQueueOperationMetrics(t *testing.T) {
	q := newTestQueue(t, 10, nil)

	enqueued := testutil.ToFloat64(metrics.RelayQueueOperations.WithLabelValues("enqueue", "success"))
	succeeded := testutil.ToFloat64(metrics.RelayQueueOperations.WithLabelValues("mark_success", "success"))

	if _, err := q.Enqueue(testEnvelope(), []byte("x")); err != nil {
		t.Fatal(err)
	}
	msg, _, _ := q.AcquireNext()
	if err := q.MarkSuccess(msg.ID); err != nil {
		t.Fatal(err)
	}

	if got := testutil.ToFloat64(metrics.RelayQueueOperations.WithLabelValues("enqueue", "success")); got != enqueued+1 {
		t.Errorf("enqueue counter: expected %v, got %v", enqueued+1, got)
	}
	if got := testutil.ToFloat64(metrics.RelayQueueOperations.WithLabelValues("mark_success", "success")); got != succeeded+1 {
		t.Errorf("mark_success counter: expected %v, got %v", succeeded+1, got)
	}
}
