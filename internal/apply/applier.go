// Package apply writes generated patches to the target tree behind a strict
// backup -> validate -> write -> test -> rollback sequence. A backup exists
// before any byte of the target changes; no code path reaches the write step
// without one.
package apply

import (
	"context"
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"nexus/internal/config"
	"nexus/internal/logging"
	"nexus/internal/patch"
	"nexus/internal/store"
)

const applyHistoryCap = 200

// Result records one apply attempt, successful or not.
type Result struct {
	PatchID     int       `json:"patch_id"`
	Success     bool      `json:"success"`
	FilePath    string    `json:"file_path"`
	BackupPath  string    `json:"backup_path,omitempty"`
	TestsPassed bool      `json:"tests_passed"`
	Error       string    `json:"error,omitempty"`
	RolledBack  bool      `json:"rolled_back"`
	Timestamp   time.Time `json:"timestamp"`
}

// historyDoc is the persisted envelope of apply_history.json. The counters
// survive the history cap; a manual rollback moves one apply from successful
// to rolled_back.
type historyDoc struct {
	LastUpdated     time.Time `json:"last_updated"`
	TotalApplied    int       `json:"total_applies"`
	TotalSuccessful int       `json:"successful"`
	TotalRolledBack int       `json:"rolled_back"`
	Results         []Result  `json:"history"`
}

// Applier executes the safe-apply state machine and owns the applied-patch
// state. Nothing else writes apply_history.json.
type Applier struct {
	mu sync.Mutex

	backupsDir   string
	autoRollback bool

	validator SyntaxValidator
	gate      TestGate

	doc  *store.Document
	data historyDoc
}

// NewApplier wires the real subprocess validator and test gate.
func NewApplier(cfg *config.Config) (*Applier, error) {
	return NewApplierWith(cfg,
		NewInterpreterValidator(cfg.Runner.Interpreter, cfg.SmokeTimeout()),
		NewQuickGate(cfg))
}

// NewApplierWith builds an Applier with injected validator and gate.
func NewApplierWith(cfg *config.Config, validator SyntaxValidator, gate TestGate) (*Applier, error) {
	a := &Applier{
		backupsDir:   cfg.Resolve(cfg.Paths.BackupsDir),
		autoRollback: cfg.Engine.AutoRollback,
		validator:    validator,
		gate:         gate,
		doc:          store.NewDocument(cfg.ApplyHistoryPath()),
	}
	if err := a.doc.Load(&a.data); err != nil {
		return nil, err
	}
	return a, nil
}

// Apply runs one patch through the full state machine and records the
// attempt. Every attempt is recorded, including refusals before the write.
func (a *Applier) Apply(ctx context.Context, p patch.Patch) Result {
	res := Result{
		PatchID:   p.PatchID,
		FilePath:  p.FilePath,
		Timestamp: time.Now().UTC(),
	}

	backupPath, err := a.backup(p.FilePath)
	if err != nil {
		res.Error = "Failed to create backup"
		logging.ApplyError("patch %d: backup of %s failed: %v", p.PatchID, p.FilePath, err)
		return a.record(res)
	}
	res.BackupPath = backupPath

	if err := a.validator.Validate(ctx, p.FilePath, p.PatchedCode); err != nil {
		res.Error = "Patch validation failed (syntax error)"
		logging.ApplyWarn("patch %d: validation failed: %v", p.PatchID, err)
		return a.record(res)
	}

	if err := os.WriteFile(p.FilePath, []byte(p.PatchedCode), 0644); err != nil {
		res.Error = fmt.Sprintf("Failed to write patched file: %v", err)
		logging.ApplyError("patch %d: write failed: %v", p.PatchID, err)
		return a.record(res)
	}

	gate := a.gate.Verify(ctx)
	// Timed-out verification counts as failed tests: a hung suite after a
	// write is treated as evidence the patch broke something.
	res.TestsPassed = gate.Passed && !gate.TimedOut

	if !res.TestsPassed {
		res.Error = "Tests failed after apply"
		if gate.Detail != "" {
			res.Error = "Tests failed after apply: " + gate.Detail
		}
		if a.autoRollback {
			if rbErr := restore(backupPath, p.FilePath); rbErr != nil {
				res.Error = fmt.Sprintf("%s; rollback failed: %v", res.Error, rbErr)
				logging.ApplyError("patch %d: rollback failed: %v", p.PatchID, rbErr)
			} else {
				res.RolledBack = true
				logging.Apply("patch %d: rolled back %s", p.PatchID, p.FilePath)
			}
		}
		return a.record(res)
	}

	res.Success = true
	logging.Apply("patch %d: applied %s", p.PatchID, p.FilePath)
	return a.record(res)
}

// IsApplied reports whether a patch id has a successful, not rolled back
// apply on record. This is the generator's AppliedSet.
func (a *Applier) IsApplied(patchID int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := len(a.data.Results) - 1; i >= 0; i-- {
		r := a.data.Results[i]
		if r.PatchID == patchID {
			return r.Success && !r.RolledBack
		}
	}
	return false
}

// History returns a copy of the recorded apply attempts, oldest first.
func (a *Applier) History() []Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Result, len(a.data.Results))
	copy(out, a.data.Results)
	return out
}

// Totals returns the monotonic (applied, successful, rolled back) counters.
func (a *Applier) Totals() (int, int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.data.TotalApplied, a.data.TotalSuccessful, a.data.TotalRolledBack
}

// ManualRollback restores the backup of the most recent apply of patchID
// that has a backup and is not already rolled back, then retroactively flips
// that record to success=false, rolled_back=true. Covers both reverting a
// successful apply and reverting a gate-failed write left in place by
// auto_rollback=false.
func (a *Applier) ManualRollback(patchID int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := len(a.data.Results) - 1; i >= 0; i-- {
		r := &a.data.Results[i]
		if r.PatchID != patchID || r.RolledBack || r.BackupPath == "" {
			continue
		}
		if err := restore(r.BackupPath, r.FilePath); err != nil {
			return fmt.Errorf("failed to restore %s: %w", r.FilePath, err)
		}
		if r.Success {
			a.data.TotalSuccessful--
		}
		r.Success = false
		r.RolledBack = true
		a.data.TotalRolledBack++
		a.data.LastUpdated = time.Now().UTC()
		if err := a.doc.Save(&a.data); err != nil {
			logging.ApplyError("failed to persist apply history: %v", err)
		}
		logging.Apply("patch %d: manual rollback of %s", patchID, r.FilePath)
		return nil
	}
	return fmt.Errorf("no revertible apply on record for patch %d", patchID)
}

// CleanupOldBackups deletes backup files older than the given number of days
// and returns how many were removed. Empty per-file directories are pruned.
func (a *Applier) CleanupOldBackups(days int) int {
	if days <= 0 {
		days = 7
	}
	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)

	removed := 0
	dirs, err := os.ReadDir(a.backupsDir)
	if err != nil {
		return 0
	}
	for _, dir := range dirs {
		if !dir.IsDir() {
			continue
		}
		dirPath := filepath.Join(a.backupsDir, dir.Name())
		files, err := os.ReadDir(dirPath)
		if err != nil {
			continue
		}
		remaining := 0
		for _, f := range files {
			info, err := f.Info()
			if err != nil {
				remaining++
				continue
			}
			if info.ModTime().Before(cutoff) {
				if os.Remove(filepath.Join(dirPath, f.Name())) == nil {
					removed++
					continue
				}
			}
			remaining++
		}
		if remaining == 0 {
			_ = os.Remove(dirPath)
		}
	}
	if removed > 0 {
		logging.Apply("cleaned up %d backups older than %d days", removed, days)
	}
	return removed
}

// backup copies the target file into data/backups/<hash>/<base>.<ts>.bak and
// returns the backup path. The hash folds the full path so same-named files
// in different directories never collide.
func (a *Applier) backup(filePath string) (string, error) {
	original, err := os.ReadFile(filePath)
	if err != nil {
		return "", err
	}
	sum := sha1.Sum([]byte(filePath))
	dir := filepath.Join(a.backupsDir, fmt.Sprintf("%x", sum)[:8])
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s.%s.bak", filepath.Base(filePath), time.Now().UTC().Format("20060102T150405"))
	backupPath := filepath.Join(dir, name)
	if err := os.WriteFile(backupPath, original, 0644); err != nil {
		return "", err
	}
	return backupPath, nil
}

// restore copies the backup bytes over the target file.
func restore(backupPath, filePath string) error {
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return err
	}
	return os.WriteFile(filePath, data, 0644)
}

// record appends the result to the capped history and persists it.
func (a *Applier) record(res Result) Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.data.Results = append(a.data.Results, res)
	if len(a.data.Results) > applyHistoryCap {
		a.data.Results = a.data.Results[len(a.data.Results)-applyHistoryCap:]
	}
	a.data.TotalApplied++
	if res.Success {
		a.data.TotalSuccessful++
	}
	if res.RolledBack {
		a.data.TotalRolledBack++
	}
	a.data.LastUpdated = time.Now().UTC()
	if err := a.doc.Save(&a.data); err != nil {
		logging.ApplyError("failed to persist apply history: %v", err)
	}
	return res
}
