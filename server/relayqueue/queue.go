// Package relayqueue persists composed messages on disk until the relay
// accepts them. An entry lives in one of three directories (pending,
// processing, failed) and moves between them with renames.
package relayqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/migadu/mailroute/logger"
	"github.com/migadu/mailroute/pkg/metrics"
)

const (
	metadataExt = ".json"
	messageExt  = ".msg"
)

// QueuedMessage is the metadata of one queued composed message.
type QueuedMessage struct {
	ID          string    `json:"id"`
	Mail        string    `json:"mail"`   // name of the mail in the pipeline
	Origin      string    `json:"origin"` // mailet that emitted it
	From        string    `json:"from"`   // empty for a null reverse path
	To          []string  `json:"to"`
	QueuedAt    time.Time `json:"queued_at"`
	Attempts    int       `json:"attempts"`
	LastAttempt time.Time `json:"last_attempt"`
	NextRetry   time.Time `json:"next_retry"`
	Errors      []string  `json:"errors"`
}

// Envelope is what Enqueue needs to know about a message besides its bytes.
type Envelope struct {
	Mail   string
	Origin string
	From   string
	To     []string
}

// DefaultRetryBackoff is used when no backoff schedule is configured.
var DefaultRetryBackoff = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	1 * time.Hour,
	6 * time.Hour,
	24 * time.Hour,
}

// DiskQueue is safe for concurrent use within one process.
type DiskQueue struct {
	pendingDir    string
	processingDir string
	failedDir     string
	maxAttempts   int
	retryBackoff  []time.Duration
	mu            sync.Mutex
}

func NewDiskQueue(basePath string, maxAttempts int, retryBackoff []time.Duration) (*DiskQueue, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	if len(retryBackoff) == 0 {
		retryBackoff = DefaultRetryBackoff
	}

	q := &DiskQueue{
		pendingDir:    filepath.Join(basePath, "pending"),
		processingDir: filepath.Join(basePath, "processing"),
		failedDir:     filepath.Join(basePath, "failed"),
		maxAttempts:   maxAttempts,
		retryBackoff:  retryBackoff,
	}
	for _, dir := range []string{q.pendingDir, q.processingDir, q.failedDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return q, nil
}

// observe records the outcome and duration of a queue operation.
func observe(operation string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.RelayQueueOperations.WithLabelValues(operation, result).Inc()
	metrics.RelayQueueOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// Enqueue stores a message for delivery to env.To and returns its id.
func (q *DiskQueue) Enqueue(env Envelope, messageBytes []byte) (id string, err error) {
	start := time.Now()
	defer func() { observe("enqueue", start, err) }()

	if len(env.To) == 0 {
		return "", fmt.Errorf("no recipients")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	metadata := QueuedMessage{
		ID:        uuid.New().String(),
		Mail:      env.Mail,
		Origin:    env.Origin,
		From:      env.From,
		To:        append([]string(nil), env.To...),
		QueuedAt:  now,
		NextRetry: now,
		Errors:    []string{},
	}

	// the body goes first: a metadata file is what makes an entry visible
	messagePath := filepath.Join(q.pendingDir, metadata.ID+messageExt)
	if err := writeDataAtomic(messagePath, messageBytes); err != nil {
		return "", fmt.Errorf("failed to write message: %w", err)
	}
	if err := writeJSONAtomic(filepath.Join(q.pendingDir, metadata.ID+metadataExt), metadata); err != nil {
		os.Remove(messagePath)
		return "", fmt.Errorf("failed to write metadata: %w", err)
	}

	logger.Info("RelayQueue: Enqueued message", "id", metadata.ID, "mail", env.Mail, "origin", env.Origin,
		"from", env.From, "recipients", len(env.To))
	return metadata.ID, nil
}

// AcquireNext moves the first entry due for delivery to processing and
// returns it. It returns nil, nil, nil when nothing is due.
func (q *DiskQueue) AcquireNext() (*QueuedMessage, []byte, error) {
	start := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := os.ReadDir(q.pendingDir)
	if err != nil {
		observe("acquire", start, err)
		return nil, nil, fmt.Errorf("failed to read pending directory: %w", err)
	}

	now := time.Now()
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != metadataExt {
			continue
		}

		metadataPath := filepath.Join(q.pendingDir, entry.Name())
		var metadata QueuedMessage
		if err := readMetadata(metadataPath, &metadata); err != nil {
			logger.Error("RelayQueue: Failed to read metadata", "entry", entry.Name(), "error", err)
			continue
		}
		if now.Before(metadata.NextRetry) {
			continue
		}

		messagePath := filepath.Join(q.pendingDir, metadata.ID+messageExt)
		messageBytes, err := os.ReadFile(messagePath)
		if err != nil {
			logger.Error("RelayQueue: Failed to read message", "id", metadata.ID, "error", err)
			continue
		}

		if err := q.move(metadata.ID, q.pendingDir, q.processingDir); err != nil {
			logger.Error("RelayQueue: Failed to move message to processing", "id", metadata.ID, "error", err)
			continue
		}

		observe("acquire", start, nil)
		return &metadata, messageBytes, nil
	}

	metrics.RelayQueueOperationDuration.WithLabelValues("acquire").Observe(time.Since(start).Seconds())
	return nil, nil, nil
}

// MarkSuccess removes a delivered entry.
func (q *DiskQueue) MarkSuccess(messageID string) (err error) {
	start := time.Now()
	defer func() { observe("mark_success", start, err) }()

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, ext := range []string{metadataExt, messageExt} {
		if err := os.Remove(filepath.Join(q.processingDir, messageID+ext)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", messageID+ext, err)
		}
	}

	logger.Info("RelayQueue: Delivered message", "id", messageID)
	return nil
}

// MarkFailure records a temporary failure. The entry goes back to pending
// with the next backoff delay, or to failed once maxAttempts is reached.
func (q *DiskQueue) MarkFailure(messageID, errorMsg string) (err error) {
	start := time.Now()
	defer func() { observe("mark_failure", start, err) }()

	q.mu.Lock()
	defer q.mu.Unlock()

	metadata, err := q.recordAttempt(messageID, errorMsg)
	if err != nil {
		return err
	}

	if metadata.Attempts >= q.maxAttempts {
		logger.Error("RelayQueue: Message exceeded max attempts, moving to failed", "id", messageID, "max_attempts", q.maxAttempts)
		return q.finish(metadata, q.failedDir)
	}

	i := min(metadata.Attempts-1, len(q.retryBackoff)-1)
	metadata.NextRetry = time.Now().Add(q.retryBackoff[i])

	logger.Info("RelayQueue: Message delivery failed", "id", messageID,
		"attempt", metadata.Attempts, "max_attempts", q.maxAttempts,
		"retry_at", metadata.NextRetry.Format(time.RFC3339), "error", errorMsg)
	return q.finish(metadata, q.pendingDir)
}

// MarkPermanentFailure moves the entry to failed without further retries.
func (q *DiskQueue) MarkPermanentFailure(messageID, errorMsg string) (err error) {
	start := time.Now()
	defer func() { observe("mark_permanent_failure", start, err) }()

	q.mu.Lock()
	defer q.mu.Unlock()

	metadata, err := q.recordAttempt(messageID, "PERMANENT: "+errorMsg)
	if err != nil {
		return err
	}
	logger.Error("RelayQueue: Permanent delivery failure", "id", messageID, "error", errorMsg)
	return q.finish(metadata, q.failedDir)
}

// Release puts an entry back to pending without counting an attempt.
func (q *DiskQueue) Release(messageID string) (err error) {
	start := time.Now()
	defer func() { observe("release", start, err) }()

	q.mu.Lock()
	defer q.mu.Unlock()

	return q.move(messageID, q.processingDir, q.pendingDir)
}

// RecoverOrphanedMessages moves entries left in processing by a previous
// run back to pending. Call it before starting the worker.
func (q *DiskQueue) RecoverOrphanedMessages() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids, err := listIDs(q.processingDir)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, id := range ids {
		if err := q.move(id, q.processingDir, q.pendingDir); err != nil {
			logger.Error("RelayQueue: Failed to recover message", "id", id, "error", err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		logger.Info("RelayQueue: Recovered orphaned messages", "count", recovered)
	}
	return recovered, nil
}

// CleanupOldFailedMessages deletes failed entries older than retention. A
// zero retention keeps everything.
func (q *DiskQueue) CleanupOldFailedMessages(retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	ids, err := listIDs(q.failedDir)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-retention)
	cleaned := 0
	for _, id := range ids {
		metadataPath := filepath.Join(q.failedDir, id+metadataExt)
		var metadata QueuedMessage
		if err := readMetadata(metadataPath, &metadata); err != nil {
			continue
		}
		if metadata.LastAttempt.After(cutoff) {
			continue
		}
		os.Remove(filepath.Join(q.failedDir, id+messageExt))
		if err := os.Remove(metadataPath); err == nil {
			cleaned++
		}
	}
	return cleaned, nil
}

// GetStats counts the entries in each state.
func (q *DiskQueue) GetStats() (pending, processing, failed int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	counts := make([]int, 3)
	for i, dir := range []string{q.pendingDir, q.processingDir, q.failedDir} {
		ids, err := listIDs(dir)
		if err != nil {
			return 0, 0, 0, err
		}
		counts[i] = len(ids)
	}
	return counts[0], counts[1], counts[2], nil
}

func (q *DiskQueue) recordAttempt(messageID, errorMsg string) (*QueuedMessage, error) {
	var metadata QueuedMessage
	if err := readMetadata(filepath.Join(q.processingDir, messageID+metadataExt), &metadata); err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	now := time.Now()
	metadata.Attempts++
	metadata.LastAttempt = now
	metadata.Errors = append(metadata.Errors, fmt.Sprintf("[%s] %s", now.Format(time.RFC3339), errorMsg))
	return &metadata, nil
}

// finish writes updated metadata into dir and moves the body out of
// processing.
func (q *DiskQueue) finish(metadata *QueuedMessage, dir string) error {
	processingMetadata := filepath.Join(q.processingDir, metadata.ID+metadataExt)
	processingMessage := filepath.Join(q.processingDir, metadata.ID+messageExt)
	targetMessage := filepath.Join(dir, metadata.ID+messageExt)

	if err := os.Rename(processingMessage, targetMessage); err != nil {
		return fmt.Errorf("failed to move message: %w", err)
	}
	if err := writeJSONAtomic(filepath.Join(dir, metadata.ID+metadataExt), metadata); err != nil {
		os.Rename(targetMessage, processingMessage)
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	os.Remove(processingMetadata)
	return nil
}

// move renames both files of an entry, body first.
func (q *DiskQueue) move(id, from, to string) error {
	if err := os.Rename(filepath.Join(from, id+messageExt), filepath.Join(to, id+messageExt)); err != nil {
		return err
	}
	if err := os.Rename(filepath.Join(from, id+metadataExt), filepath.Join(to, id+metadataExt)); err != nil {
		os.Rename(filepath.Join(to, id+messageExt), filepath.Join(from, id+messageExt))
		return err
	}
	return nil
}

func writeJSONAtomic(path string, data any) error {
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	return writeDataAtomic(path, jsonBytes)
}

// writeDataAtomic writes through a temporary file in the same directory
// and renames it into place.
func writeDataAtomic(path string, data []byte) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".tmp-")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func readMetadata(path string, metadata *QueuedMessage) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, metadata)
}

// listIDs returns the ids of the entries whose metadata is in dir.
func listIDs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != metadataExt || strings.HasPrefix(name, ".") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, metadataExt))
	}
	return ids, nil
}
