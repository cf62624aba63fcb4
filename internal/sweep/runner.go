package sweep

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/atlas-desktop/forex-engine/internal/fsutil"
	"go.uber.org/zap"
)

// Manifest tracks one sweep's overall progress, persisted atomically at
// {sweep_dir}/manifest.json (spec.md §4.7).
type Manifest struct {
	RequestHash string    `json:"requestHash"`
	Status      string    `json:"status"` // "running" | "completed"
	Total       int       `json:"total"`
	Completed   int        `json:"completed"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
)

// Runner executes a sweep's combo grid with a bounded worker pool.
// Workers are OS processes by default (spec.md §5, §9): Runner
// self-reinvokes SelfExe with WorkerArgsPrefix plus the combo spec/
// result paths. Setting SelfExe to "" runs combos in-process instead
// (used by tests, and acceptable for small sweeps since runCombo itself
// opens a fresh store handle per call either way).
type Runner struct {
	logger           *zap.Logger
	SelfExe          string
	WorkerArgsPrefix []string
}

// NewRunner builds a sweep runner. Pass selfExe="" for in-process combo
// execution (no subprocess spawned).
func NewRunner(logger *zap.Logger, selfExe string, workerArgsPrefix []string) *Runner {
	return &Runner{logger: logger, SelfExe: selfExe, WorkerArgsPrefix: workerArgsPrefix}
}

// sweepDirFor returns the directory a request hashes to. Because the
// directory name IS the request hash, "resume" and "fresh sweep on new
// hash" fall out for free (spec.md §4.7).
func sweepDirFor(baseDir string, req Request) string {
	return filepath.Join(baseDir, req.Hash())
}

// Run executes req's full combo grid under sweepsBaseDir, honoring
// resume semantics: an existing manifest whose request hash matches and
// whose status isn't "completed" is adopted, and any combo result file
// already present is skipped (spec.md §4.7).
func (r *Runner) Run(ctx context.Context, sweepsBaseDir string, req Request, resume bool) (*Manifest, error) {
	dir := sweepDirFor(sweepsBaseDir, req)
	combosDir := filepath.Join(dir, "combos")
	if err := os.MkdirAll(combosDir, 0o755); err != nil {
		return nil, fmt.Errorf("sweep: mkdir %s: %w", combosDir, err)
	}

	combos := GenerateCombos(req)
	manifestPath := filepath.Join(dir, "manifest.json")

	manifest := &Manifest{RequestHash: req.Hash(), Status: StatusRunning, Total: len(combos), CreatedAt: time.Now().UTC()}
	if resume {
		if existing, err := loadManifest(manifestPath); err == nil && existing.RequestHash == req.Hash() && existing.Status != StatusCompleted {
			manifest = existing
			manifest.Total = len(combos)
		}
	}
	manifest.UpdatedAt = time.Now().UTC()
	if err := r.persistManifest(manifestPath, manifest); err != nil {
		return nil, err
	}

	pending := make([]ComboSpec, 0, len(combos))
	for _, c := range combos {
		resultPath := filepath.Join(combosDir, c.ComboID+".json")
		if _, err := ReadResult(resultPath); err == nil {
			continue // already done: adopted per resume invariant
		}
		pending = append(pending, c)
	}

	if req.Shuffle {
		rand.Shuffle(len(pending), func(i, j int) { pending[i], pending[j] = pending[j], pending[i] })
	}

	workers := req.MaxWorkers
	if workers <= 0 {
		workers = runtime.NumCPU() - 1
	}
	if workers < 1 {
		workers = 1
	}

	timeout := req.ComboTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	var (
		mu        sync.Mutex
		completed = manifest.Total - len(pending)
	)

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for _, spec := range pending {
		spec := spec
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			comboCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			result := r.runOne(comboCtx, combosDir, spec)
			if err := WriteResult(combosDir, result); err != nil && r.logger != nil {
				r.logger.Error("sweep: failed to write combo result", zap.String("combo", spec.ComboID), zap.Error(err))
			}

			mu.Lock()
			completed++
			manifest.Completed = completed
			manifest.UpdatedAt = time.Now().UTC()
			_ = r.persistManifest(manifestPath, manifest)
			mu.Unlock()
		}()
	}
	wg.Wait()

	manifest.Status = StatusCompleted
	manifest.Completed = manifest.Total
	manifest.UpdatedAt = time.Now().UTC()
	if err := r.persistManifest(manifestPath, manifest); err != nil {
		return nil, err
	}
	return manifest, nil
}

// runOne executes one combo, either via a self-reinvoked subprocess
// (SelfExe set) or in-process.
func (r *Runner) runOne(ctx context.Context, combosDir string, spec ComboSpec) ComboResult {
	if r.SelfExe == "" {
		return runCombo(ctx, r.logger, spec)
	}

	specPath := filepath.Join(combosDir, ".spec-"+spec.ComboID+".json")
	data, err := json.Marshal(spec)
	if err != nil {
		return ComboResult{ComboID: spec.ComboID, Spec: spec, Failed: true, Error: err.Error(), CompletedAt: time.Now().UTC()}
	}
	if err := fsutil.WriteFileAtomic(specPath, data, 0o644); err != nil {
		return ComboResult{ComboID: spec.ComboID, Spec: spec, Failed: true, Error: err.Error(), CompletedAt: time.Now().UTC()}
	}
	defer os.Remove(specPath)

	args := append(append([]string{}, r.WorkerArgsPrefix...), "-combo-spec", specPath)
	cmd := exec.CommandContext(ctx, r.SelfExe, args...)
	output, err := cmd.CombinedOutput()
	resultPath := filepath.Join(combosDir, spec.ComboID+".json")
	if err != nil {
		if ctx.Err() != nil {
			return ComboResult{ComboID: spec.ComboID, Spec: spec, TimedOut: true, Error: "combo timed out", CompletedAt: time.Now().UTC()}
		}
		return ComboResult{ComboID: spec.ComboID, Spec: spec, Failed: true, Error: fmt.Sprintf("worker process failed: %v: %s", err, output), CompletedAt: time.Now().UTC()}
	}
	// The subprocess itself wrote the result file via WriteResult; read it
	// back so the parent's manifest/return values reflect the real outcome.
	result, err := ReadResult(resultPath)
	if err != nil {
		return ComboResult{ComboID: spec.ComboID, Spec: spec, Failed: true, Error: fmt.Sprintf("worker produced no result: %v", err), CompletedAt: time.Now().UTC()}
	}
	return result
}

func loadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *Runner) persistManifest(path string, m *Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("sweep: marshal manifest: %w", err)
	}
	return fsutil.WriteFileAtomic(path, data, 0o644)
}
