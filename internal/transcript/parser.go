// Package transcript tails append-only JSONL transcript logs and converts
// token-usage records into metric entries on the event bus.
package transcript

import (
	"bufio"
	"context"
	"encoding/json"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/NotMyself/claude-hall-monitor/internal/emitter"
	"github.com/NotMyself/claude-hall-monitor/internal/model"
	"github.com/NotMyself/claude-hall-monitor/internal/pricing"
)

// Config controls discovery of transcript files under a root directory.
type Config struct {
	RootDir      string
	NativeWatch  bool          // prefer filesystem notification over polling
	PollInterval time.Duration // fallback poll cadence
}

// Parser discovers new transcript lines and emits one "transcript_metric"
// per qualifying line. Re-delivered or overlapping change notifications are
// idempotent: a per-file watermark tracks how many lines were already
// processed, and only lines beyond it are emitted.
type Parser struct {
	cfg    Config
	bus    *emitter.Emitter
	logger *slog.Logger

	mu         sync.Mutex
	watermarks map[string]int
	watcher    *fsnotify.Watcher
	cancelPoll context.CancelFunc
}

// New creates a Parser. Call Start to begin watching.
func New(cfg Config, bus *emitter.Emitter, logger *slog.Logger) *Parser {
	return &Parser{
		cfg:        cfg,
		bus:        bus,
		logger:     logger,
		watermarks: make(map[string]int),
	}
}

// Start installs a native filesystem watch when configured; any failure logs
// a warning and falls back to polling the directory tree at the configured
// interval. With native watching disabled it always polls.
func (p *Parser) Start(ctx context.Context) {
	if p.cfg.NativeWatch {
		if err := p.startWatcher(); err == nil {
			return
		} else {
			p.logger.Warn("transcript: native watch unavailable, falling back to polling",
				"root", p.cfg.RootDir, "error", err)
		}
	}
	p.startPolling(ctx)
}

func (p *Parser) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// fsnotify is not recursive: watch the root and every existing
	// subdirectory, and add new directories as they appear.
	if err := watcher.Add(p.cfg.RootDir); err != nil {
		_ = watcher.Close()
		return err
	}
	_ = filepath.WalkDir(p.cfg.RootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() || path == p.cfg.RootDir {
			return nil
		}
		if werr := watcher.Add(path); werr != nil {
			p.logger.Warn("transcript: cannot watch directory", "path", path, "error", werr)
		}
		return nil
	})

	p.mu.Lock()
	p.watcher = watcher
	p.mu.Unlock()

	go p.watchLoop(watcher)
	return nil
}

func (p *Parser) watchLoop(watcher *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := watcher.Add(event.Name); err != nil {
						p.logger.Warn("transcript: cannot watch new directory",
							"path", event.Name, "error", err)
					}
					continue
				}
			}
			if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) {
				if strings.HasSuffix(event.Name, ".jsonl") {
					p.handleFileChange(event.Name)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("transcript: watch error", "error", err)
		}
	}
}

func (p *Parser) startPolling(ctx context.Context) {
	pollCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancelPoll = cancel
	p.mu.Unlock()

	go func() {
		ticker := time.NewTicker(p.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
				p.scan()
			}
		}
	}()
}

// scan walks the root for transcript files; the watermark makes repeated
// visits to unchanged files free of duplicate emissions.
func (p *Parser) scan() {
	_ = filepath.WalkDir(p.cfg.RootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && strings.HasSuffix(path, ".jsonl") {
			p.handleFileChange(path)
		}
		return nil
	})
}

// handleFileChange re-parses path and emits a "transcript_metric" for each
// line beyond the per-file watermark, then advances the watermark.
func (p *Parser) handleFileChange(path string) {
	p.mu.Lock()
	from := p.watermarks[path]
	p.mu.Unlock()

	entries, total, err := p.parseFrom(path, from)
	if err != nil {
		p.logger.Warn("transcript: parse failed", "path", path, "error", err)
		return
	}
	if total > from {
		p.mu.Lock()
		p.watermarks[path] = total
		p.mu.Unlock()
	}

	for _, entry := range entries {
		p.bus.Emit(emitter.EventTranscriptMetric, entry)
	}
}

// ParseFile converts every qualifying line of a transcript file into metric
// entries. A missing file yields an empty result, not an error.
func (p *Parser) ParseFile(path string) ([]model.MetricEntry, error) {
	entries, _, err := p.parseFrom(path, 0)
	return entries, err
}

// transcriptLine is the subset of the transcript record format the pipeline
// cares about. Lines without a usage payload carry no token data and are
// silently skipped.
type transcriptLine struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	SessionID string `json:"sessionId"`
	CWD       string `json:"cwd"`
	Message   *struct {
		Model string        `json:"model"`
		Usage *usagePayload `json:"usage"`
	} `json:"message"`
}

type usagePayload struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
}

// parseFrom parses path starting at line index from (zero-based), returning
// the qualifying entries and the total line count of the file.
func (p *Parser) parseFrom(path string, from int) ([]model.MetricEntry, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	defer f.Close()

	var entries []model.MetricEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	lineNum := 0
	for scanner.Scan() {
		line := scanner.Text()
		lineNum++
		if lineNum <= from {
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		var record transcriptLine
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			// One bad line is never fatal for the rest of the file.
			p.logger.Warn("transcript: skipping malformed line",
				"path", path, "line", lineNum, "error", err)
			continue
		}
		if record.Message == nil || record.Message.Usage == nil {
			continue
		}
		entries = append(entries, p.toMetric(path, record))
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, err
	}
	return entries, lineNum, nil
}

func (p *Parser) toMetric(path string, record transcriptLine) model.MetricEntry {
	usage := record.Message.Usage
	tokens := &model.TokenUsage{
		InputTokens:         usage.InputTokens,
		OutputTokens:        usage.OutputTokens,
		CacheReadTokens:     usage.CacheReadInputTokens,
		CacheCreationTokens: usage.CacheCreationInputTokens,
	}

	timestamp := record.Timestamp
	if timestamp == "" {
		timestamp = model.Now()
	}
	sessionID := record.SessionID
	if sessionID == "" {
		sessionID = strings.TrimSuffix(filepath.Base(path), ".jsonl")
	}

	cost, match := pricing.Cost(record.Message.Model, *tokens)
	if !match.Exact {
		p.logger.Debug("transcript: pricing fallback tier used",
			"model", record.Message.Model, "tier", string(match.Tier))
	}

	return model.MetricEntry{
		ID:            uuid.NewString(),
		Timestamp:     timestamp,
		SessionID:     sessionID,
		ProjectPath:   record.CWD,
		Source:        model.SourceTranscript,
		EventType:     "api_response",
		EventCategory: model.CategoryAPI,
		Model:         record.Message.Model,
		Tokens:        tokens,
		Cost:          &cost,
	}
}

// Watermark returns the processed line count for a file. Intended for tests
// and the health surface.
func (p *Parser) Watermark(path string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.watermarks[path]
}

// Stop closes the native watch handle if one exists and stops the polling
// loop if one is running. Safe to call when never started and safe to call
// more than once.
func (p *Parser) Stop() {
	p.mu.Lock()
	watcher := p.watcher
	p.watcher = nil
	cancel := p.cancelPoll
	p.cancelPoll = nil
	p.mu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	if cancel != nil {
		cancel()
	}
}
