package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"describify/internal/config"
	"describify/internal/dispatch"
	"describify/internal/journal"
	"describify/internal/media"
	"describify/internal/provider"
	"describify/internal/report"
	"describify/internal/safeio"
	"describify/internal/steps"
	"describify/internal/watch"
	"describify/internal/workspace"
)

// pipeline wires one run directory's components together for a CLI command.
type pipeline struct {
	runDir string
	orch   config.Orchestration
	ai     config.AI
	extr   config.Extract

	store  *workspace.Store
	ws     *workspace.Workspace
	jrnl   *journal.Store
	disp   *dispatch.Dispatcher
	logger *slog.Logger
}

func newPipeline(runDir, cfgPath string, ov config.Overrides, logger *slog.Logger) (*pipeline, error) {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, err
	}
	// pin the run dir to one absolute, symlink-free path so snapshot item
	// paths stay stable across invocations with different working dirs
	fsys, err := safeio.NewSafeFS(runDir)
	if err != nil {
		return nil, err
	}
	runDir = fsys.Root()
	r := config.Resolver{Logger: logger}
	p := &pipeline{
		runDir: runDir,
		orch:   r.ResolveOrchestration(cfgPath, ov),
		ai:     r.ResolveAI(cfgPath, ov),
		extr:   r.ResolveExtract(cfgPath, ov),
		store:  workspace.NewStore(filepath.Join(runDir, steps.SnapshotFile)),
		jrnl:   journal.NewFromEnv(filepath.Join(runDir, "journal.json")),
		logger: logger,
	}

	ws, err := p.store.Load()
	switch {
	case err == nil:
		p.ws = ws
	case errors.Is(err, workspace.ErrNotFound):
		p.ws = workspace.New()
	default:
		return nil, err
	}
	return p, nil
}

func (p *pipeline) Close() {
	if p.disp != nil {
		p.disp.Close()
	}
	_ = p.jrnl.Close()
}

// pause asks a live dispatcher to stop at the next item boundary.
func (p *pipeline) pause() {
	if p.disp != nil {
		p.disp.Pause()
	}
}

// Run executes the planned steps for this run directory.
func (p *pipeline) Run(ctx context.Context, srcDir string, requested []steps.StepID, watchAddr string) error {
	plan, err := steps.Plan(p.runDir, requested)
	if err != nil {
		return err
	}
	p.logger.Info("run starting", "dir", p.runDir, "steps", planNames(plan))

	if err := p.ensureManifest(srcDir); err != nil {
		return err
	}

	for _, step := range plan {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.runStep(ctx, step, srcDir, watchAddr); err != nil {
			return fmt.Errorf("step %s: %w", step, err)
		}
		if err := steps.MarkCompleted(p.runDir, step); err != nil {
			p.logger.Warn("manifest update failed", "step", step, "err", err)
		}
		p.journal("step_completed", "", string(step))
	}
	return nil
}

func (p *pipeline) runStep(ctx context.Context, step steps.StepID, srcDir, watchAddr string) error {
	switch step {
	case steps.StepAcquire:
		return p.acquire(ctx, srcDir)
	case steps.StepExtract:
		return p.extractFrames(ctx)
	case steps.StepConvert:
		return p.convert(ctx)
	case steps.StepDescribe:
		return p.describe(ctx, watchAddr)
	case steps.StepReport:
		return p.renderReport()
	default:
		return fmt.Errorf("unhandled step %q", step)
	}
}

func (p *pipeline) ensureManifest(srcDir string) error {
	if _, err := steps.LoadManifest(p.runDir); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	return steps.SaveManifest(p.runDir, &steps.Manifest{
		AI: steps.AIRecord{
			Provider:     p.ai.Provider,
			Model:        p.ai.Model,
			PromptStyle:  p.ai.PromptStyle,
			CustomPrompt: p.ai.CustomPrompt,
		},
		SourceInput: srcDir,
		StartedAt:   time.Now().UTC(),
	})
}

func (p *pipeline) acquire(ctx context.Context, srcDir string) error {
	var acquired []string
	if cfg, ok := media.S3ConfigFromEnv(); ok {
		src, err := media.NewS3Source(cfg, p.logger)
		if err != nil {
			return err
		}
		if acquired, err = src.Acquire(ctx, p.runDir); err != nil {
			return err
		}
	} else {
		if srcDir == "" {
			return fmt.Errorf("no source: pass -in or set MEDIA_S3_ENDPOINT")
		}
		var err error
		if acquired, err = media.AcquireLocal(ctx, srcDir, p.runDir, p.logger); err != nil {
			return err
		}
	}
	for _, path := range acquired {
		if describable(path) {
			p.ws.AddItem(path, workspace.KindSourceImage)
		}
	}
	return p.store.Save(p.ws)
}

func (p *pipeline) extractFrames(ctx context.Context) error {
	videos := filesByExt(steps.OutputDir(p.runDir, steps.StepAcquire), media.VideoExts)
	if len(videos) == 0 {
		// the step still completes; the output dir marks it done
		return os.MkdirAll(steps.OutputDir(p.runDir, steps.StepExtract), 0o755)
	}

	ff := media.NewFFmpeg(p.logger)
	if !ff.Available() {
		return fmt.Errorf("ffmpeg not found but %d videos need extraction", len(videos))
	}
	for _, v := range videos {
		frames, err := ff.ExtractFrames(ctx, v, p.runDir, p.extr)
		if err != nil {
			return err
		}
		for _, f := range frames {
			p.ws.AddItem(f, workspace.KindExtractedFrame)
		}
	}
	return p.store.Save(p.ws)
}

func (p *pipeline) convert(ctx context.Context) error {
	inputs := filesByExt(steps.OutputDir(p.runDir, steps.StepAcquire), media.ConvertExts)
	if len(inputs) == 0 {
		return os.MkdirAll(steps.OutputDir(p.runDir, steps.StepConvert), 0o755)
	}

	ff := media.NewFFmpeg(p.logger)
	if !ff.Available() {
		return fmt.Errorf("ffmpeg not found but %d files need conversion", len(inputs))
	}
	for _, in := range inputs {
		out, err := ff.Convert(ctx, in, p.runDir, p.extr)
		if err != nil {
			return err
		}
		p.ws.AddItem(out, workspace.KindSourceImage)
	}
	return p.store.Save(p.ws)
}

// describeQueue lists undescribed items in path order, so queue positions
// (and with them reports, journal progression, and resume order) come out
// the same on every invocation.
func describeQueue(ws *workspace.Workspace) []*workspace.Item {
	var todo []*workspace.Item
	for _, it := range ws.Items {
		if it.State == workspace.StateNone {
			todo = append(todo, it)
		}
	}
	sort.Slice(todo, func(i, j int) bool { return todo[i].Path < todo[j].Path })
	return todo
}

func (p *pipeline) describe(ctx context.Context, watchAddr string) error {
	todo := describeQueue(p.ws)
	if len(todo) == 0 {
		p.logger.Info("nothing to describe")
		return nil
	}

	desc, err := provider.Build(ctx, p.ai, p.orch, filepath.Join(p.runDir, "usage.json"), p.logger)
	if err != nil {
		return err
	}
	defer desc.Close()
	if !desc.IsAvailable(ctx) {
		return fmt.Errorf("provider %s is not reachable", p.ai.Provider)
	}

	p.disp = dispatch.New(p.ws, p.store, desc, p.logger)
	go p.pumpJournal(p.disp.Subscribe())
	stopWatch := p.startWatch(watchAddr)
	defer stopWatch()

	if err := p.disp.Start(ctx, todo, p.ai); err != nil {
		return err
	}
	p.disp.Wait()

	if p.ws.Resumable() {
		return fmt.Errorf("batch paused; resume with: describify resume -run %s", p.runDir)
	}
	return nil
}

func (p *pipeline) renderReport() error {
	written, err := report.Render(p.runDir, p.ws, p.orch.ReportFormat)
	if err != nil {
		return err
	}
	p.logger.Info("report rendered", "files", written)
	return nil
}

// Resume continues an interrupted or paused batch and renders the report
// afterwards.
func (p *pipeline) Resume(ctx context.Context, watchAddr string) error {
	if !p.ws.Resumable() {
		return fmt.Errorf("nothing to resume in %s", p.runDir)
	}

	ai := config.AI{
		Provider:     p.ws.Batch.Provider,
		Model:        p.ws.Batch.Model,
		PromptStyle:  p.ws.Batch.PromptStyle,
		CustomPrompt: p.ws.Batch.CustomPrompt,
	}
	desc, err := provider.Build(ctx, ai, p.orch, filepath.Join(p.runDir, "usage.json"), p.logger)
	if err != nil {
		return err
	}
	defer desc.Close()

	p.disp = dispatch.New(p.ws, p.store, desc, p.logger)
	go p.pumpJournal(p.disp.Subscribe())
	stopWatch := p.startWatch(watchAddr)
	defer stopWatch()

	if err := p.disp.Resume(ctx); err != nil {
		return err
	}
	p.disp.Wait()

	if p.ws.Resumable() {
		return fmt.Errorf("batch paused again; resume with: describify resume -run %s", p.runDir)
	}
	if err := p.renderReport(); err != nil {
		return err
	}
	return steps.MarkCompleted(p.runDir, steps.StepReport)
}

// RetryFailed requeues failed items into a fresh batch and re-renders the
// report.
func (p *pipeline) RetryFailed(ctx context.Context) error {
	desc, err := provider.Build(ctx, p.ai, p.orch, filepath.Join(p.runDir, "usage.json"), p.logger)
	if err != nil {
		return err
	}
	defer desc.Close()

	p.disp = dispatch.New(p.ws, p.store, desc, p.logger)
	requeued := p.disp.RequeueFailed()
	if len(requeued) == 0 {
		p.logger.Info("no failed items")
		return nil
	}
	p.logger.Info("retrying failed items", "count", len(requeued))
	go p.pumpJournal(p.disp.Subscribe())

	if err := p.disp.Start(ctx, requeued, p.ai); err != nil {
		return err
	}
	p.disp.Wait()
	return p.renderReport()
}

func (p *pipeline) startWatch(addr string) func() {
	if addr == "" || p.disp == nil {
		return func() {}
	}
	handler := watch.NewHandler(p.runDir, p.disp, func() watch.Status {
		// all workspace reads go through the dispatcher's lock; the worker
		// mutates items concurrently
		s := p.disp.Snapshot()
		return watch.Status{
			RunDir: p.runDir,
			State:  s.State,
			Counts: s.Counts,
			Batch:  s.Batch,
		}
	}, p.logger)
	srv := watch.NewServer(addr, handler.Mux(), p.logger)
	go func() {
		if err := srv.Start(); err != nil {
			p.logger.Error("watch server failed", "err", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func (p *pipeline) pumpJournal(events <-chan dispatch.Event) {
	for ev := range events {
		detail := ev.Err
		if detail == "" && ev.Total > 0 {
			detail = fmt.Sprintf("%d/%d", ev.Completed+ev.Failed, ev.Total)
		}
		p.journal(string(ev.Type), ev.ItemPath, detail)
	}
}

func (p *pipeline) journal(eventType, itemPath, detail string) {
	err := p.jrnl.Append(journal.Entry{
		RunDir:   p.runDir,
		Type:     eventType,
		ItemPath: itemPath,
		Detail:   detail,
	})
	if err != nil {
		p.logger.Warn("journal append failed", "err", err)
	}
}

func describable(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return media.ImageExts[ext]
}

func filesByExt(dir string, exts map[string]bool) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if exts[strings.ToLower(filepath.Ext(e.Name()))] {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out
}

func planNames(plan []steps.StepID) string {
	names := make([]string, len(plan))
	for i, s := range plan {
		names[i] = string(s)
	}
	return strings.Join(names, ",")
}
