package persist

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultAutosaveDelay is the quiet window after a document change
	// before a save is attempted.
	DefaultAutosaveDelay = 5 * time.Second

	// DefaultSnapshotEvery is the minimum spacing between unforced
	// snapshots.
	DefaultSnapshotEvery = 30 * time.Second

	// DefaultRecoveryWindow bounds how stale a cache entry may be and still
	// win over server state during reconciliation.
	DefaultRecoveryWindow = 60 * time.Second

	// saveTimeout bounds an autosave attempt fired from the timer.
	saveTimeout = 15 * time.Second
)

// CoordinatorConfig wires a Coordinator to its session.
type CoordinatorConfig struct {
	SessionID string
	UserID    string
	Backend   Backend
	Cache     *Cache

	AutosaveDelay  time.Duration
	SnapshotEvery  time.Duration
	RecoveryWindow time.Duration

	Logger *logrus.Logger

	// Now replaces time.Now in tests.
	Now func() time.Time
}

// Coordinator autosaves the document to the backend, snapshots it on a
// cadence, and keeps the local durable cache in step so very recent edits
// survive outages.
type Coordinator struct {
	cfg CoordinatorConfig
	log *logrus.Logger

	// saveMu serializes save attempts. A forced save queues behind an
	// in-flight autosave rather than skipping the write.
	saveMu sync.Mutex

	mu             sync.Mutex
	timer          *time.Timer
	closed         bool
	lastSaved      string
	haveSaved      bool
	lastSnapshotAt time.Time
}

// NewCoordinator builds a coordinator, filling in defaults.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.AutosaveDelay <= 0 {
		cfg.AutosaveDelay = DefaultAutosaveDelay
	}
	if cfg.SnapshotEvery <= 0 {
		cfg.SnapshotEvery = DefaultSnapshotEvery
	}
	if cfg.RecoveryWindow <= 0 {
		cfg.RecoveryWindow = DefaultRecoveryWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Coordinator{cfg: cfg, log: cfg.Logger}
}

// DocumentChanged schedules an autosave of content after the quiet window.
// Each call cancels and reschedules, so a burst of edits saves once.
func (co *Coordinator) DocumentChanged(content string) {
	co.mu.Lock()
	defer co.mu.Unlock()

	if co.closed {
		return
	}
	if co.timer != nil {
		co.timer.Stop()
	}
	co.timer = time.AfterFunc(co.cfg.AutosaveDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()
		if err := co.Save(ctx, content, false); err != nil {
			co.log.Warnf("autosave failed: %v", err)
		}
	})
}

// Save writes content to the backend. Saves are serialized: a new save,
// forced or not, waits for any in-flight one. Unforced saves are skipped
// when the content matches the last confirmed save. Every attempt, succeed
// or fail, writes the local cache; failures leave a backup mark behind.
func (co *Coordinator) Save(ctx context.Context, content string, force bool) error {
	co.mu.Lock()
	if co.closed && !force {
		co.mu.Unlock()
		return nil
	}
	co.mu.Unlock()

	co.saveMu.Lock()
	defer co.saveMu.Unlock()

	co.mu.Lock()
	if co.haveSaved && content == co.lastSaved && !force {
		co.mu.Unlock()
		return nil
	}
	co.mu.Unlock()

	err := co.cfg.Backend.SaveDocument(ctx, co.cfg.SessionID, content)

	cacheErr := co.cfg.Cache.Put(Record{
		SessionID: co.cfg.SessionID,
		Content:   content,
		SavedAt:   co.cfg.Now(),
		IsBackup:  err != nil,
	})
	if cacheErr != nil {
		co.log.Warnf("cache write failed: %v", cacheErr)
	}

	if err != nil {
		return err
	}

	co.mu.Lock()
	co.lastSaved = content
	co.haveSaved = true
	snapshotDue := force || co.cfg.Now().Sub(co.lastSnapshotAt) >= co.cfg.SnapshotEvery
	if snapshotDue {
		co.lastSnapshotAt = co.cfg.Now()
	}
	co.mu.Unlock()

	if snapshotDue {
		version, snapErr := co.cfg.Backend.CreateSnapshot(ctx, co.cfg.SessionID, co.cfg.UserID, content)
		if snapErr != nil {
			// The live document is saved; a missed snapshot is not fatal.
			co.log.Warnf("snapshot failed: %v", snapErr)
		} else {
			co.log.Debugf("snapshot version %d created", version)
		}
	}

	return nil
}

// Load fetches the document for session open: the backend wins, the local
// cache is only a fallback when the backend is unreachable. A cache entry
// still marked as backup gets a forced save attempt on the way through.
func (co *Coordinator) Load(ctx context.Context) (string, error) {
	doc, err := co.cfg.Backend.FetchDocument(ctx, co.cfg.SessionID)
	if err == nil {
		co.mu.Lock()
		co.lastSaved = doc.Content
		co.haveSaved = true
		co.mu.Unlock()
		return doc.Content, nil
	}

	co.log.Warnf("backend fetch failed, falling back to cache: %v", err)

	rec, found, cacheErr := co.cfg.Cache.Get(co.cfg.SessionID)
	if cacheErr != nil || !found {
		return "", err
	}

	if rec.IsBackup {
		if saveErr := co.Save(ctx, rec.Content, true); saveErr == nil {
			if clearErr := co.cfg.Cache.ClearBackup(co.cfg.SessionID); clearErr != nil {
				co.log.Warnf("clearing backup mark failed: %v", clearErr)
			}
		}
	}

	return rec.Content, nil
}

// Reconcile runs after reconnection. A cache entry newer than the recovery
// window whose content differs from both the last confirmed save and the
// current in-memory document wins, so edits made while offline are not lost.
// It returns the adopted content and whether current should be replaced.
func (co *Coordinator) Reconcile(ctx context.Context, current string) (string, bool) {
	rec, found, err := co.cfg.Cache.Get(co.cfg.SessionID)
	if err != nil {
		co.log.Warnf("cache read failed during reconcile: %v", err)
		return current, false
	}
	if !found {
		return current, false
	}

	// Capture the save marker before the deferred backup save below moves it;
	// adoption compares against what was confirmed before the outage.
	co.mu.Lock()
	lastSaved := co.lastSaved
	co.mu.Unlock()

	if rec.IsBackup {
		if saveErr := co.Save(ctx, rec.Content, true); saveErr == nil {
			if clearErr := co.cfg.Cache.ClearBackup(co.cfg.SessionID); clearErr != nil {
				co.log.Warnf("clearing backup mark failed: %v", clearErr)
			}
		} else {
			co.log.Warnf("deferred backup save failed: %v", saveErr)
		}
	}

	fresh := co.cfg.Now().Sub(rec.SavedAt) <= co.cfg.RecoveryWindow
	if fresh && rec.Content != lastSaved && rec.Content != current {
		co.log.Infof("adopting cached content from %s", rec.SavedAt.Format(time.RFC3339))
		return rec.Content, true
	}

	return current, false
}

// FlushFinal performs the forced save that gates session teardown. The
// caller bounds it with the context deadline.
func (co *Coordinator) FlushFinal(ctx context.Context, content string) error {
	co.cancelTimer()
	return co.Save(ctx, content, true)
}

// IsSaved reports whether content matches the last confirmed save, feeding
// the "saving/saved" indicator.
func (co *Coordinator) IsSaved(content string) bool {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.haveSaved && content == co.lastSaved
}

// Close cancels any pending autosave. Further DocumentChanged calls are
// no-ops; a forced Save still works so teardown can flush.
func (co *Coordinator) Close() {
	co.mu.Lock()
	co.closed = true
	co.mu.Unlock()
	co.cancelTimer()
}

func (co *Coordinator) cancelTimer() {
	co.mu.Lock()
	defer co.mu.Unlock()
	if co.timer != nil {
		co.timer.Stop()
		co.timer = nil
	}
}
