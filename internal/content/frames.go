package content

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	maxStderrBytes = 8 * 1024 // 8 KB tail of stderr kept for diagnostics
	capabilityTTL  = 5 * time.Minute
)

// FrameExtractor splits a video file into numbered image files.
type FrameExtractor interface {
	// ExtractFrames writes at most count frames of videoPath into outDir
	// and returns their paths in frame order.
	ExtractFrames(ctx context.Context, videoPath, outDir string, count int) ([]string, error)
}

// FFmpegExtractor runs the ffmpeg binary as a subprocess.
type FFmpegExtractor struct {
	binary  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewFFmpegExtractor resolves the ffmpeg binary. An empty path means
// looking up "ffmpeg" on PATH.
func NewFFmpegExtractor(path string, timeout time.Duration, logger *slog.Logger) (*FFmpegExtractor, error) {
	name := path
	if name == "" {
		name = "ffmpeg"
	}
	bin, err := exec.LookPath(name)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &FFmpegExtractor{binary: bin, timeout: timeout, logger: logger}, nil
}

func (e *FFmpegExtractor) ExtractFrames(ctx context.Context, videoPath, outDir string, count int) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("cannot create frame dir: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	res := e.exec(ctx,
		"-hide_banner", "-loglevel", "error",
		"-i", videoPath,
		"-vsync", "0",
		"-frames:v", strconv.Itoa(count),
		filepath.Join(outDir, "frame_%06d.jpg"),
	)
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("ffmpeg exited %d: %s", res.ExitCode, truncate(res.StderrTail, 512))
	}

	frames, err := filepath.Glob(filepath.Join(outDir, "frame_*.jpg"))
	if err != nil {
		return nil, err
	}
	return frames, nil
}

// Version runs `ffmpeg -version` and returns its first line.
func (e *FFmpegExtractor) Version(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, e.binary, "-version").Output()
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(line), nil
}

type execResult struct {
	ExitCode   int
	StderrTail string
	Duration   time.Duration
}

// exec is the core subprocess execution helper.
func (e *FFmpegExtractor) exec(ctx context.Context, args ...string) execResult {
	start := time.Now()
	cmd := exec.CommandContext(ctx, e.binary, args...)

	// Capture stderr with bounded buffer
	var stderrBuf bytes.Buffer
	cmd.Stderr = io.Writer(&limitedWriter{w: &stderrBuf, limit: maxStderrBytes})
	cmd.Stdout = io.Discard

	err := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	stderrTail := stderrBuf.String()
	if exitCode != 0 {
		e.logger.Warn("ffmpeg command failed",
			"exit_code", exitCode,
			"duration_ms", elapsed.Milliseconds(),
			"stderr_tail", truncate(stderrTail, 512),
		)
	} else {
		e.logger.Debug("ffmpeg command succeeded", "duration_ms", elapsed.Milliseconds())
	}

	return execResult{ExitCode: exitCode, StderrTail: stderrTail, Duration: elapsed}
}

// Capabilities is the outcome of checking the frame extraction toolchain.
type Capabilities struct {
	FFmpeg    bool      `json:"ffmpeg"`
	Version   string    `json:"version,omitempty"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// CapabilityCache caches ffmpeg checks for a short TTL so health checks do not
// spawn a process on every call.
type CapabilityCache struct {
	path string
	ttl  time.Duration

	mu     sync.RWMutex
	cached *Capabilities
}

func NewCapabilityCache(ffmpegPath string) *CapabilityCache {
	return &CapabilityCache{path: ffmpegPath, ttl: capabilityTTL}
}

// Get returns cached capabilities if fresh, otherwise checks again.
func (p *CapabilityCache) Get(ctx context.Context) *Capabilities {
	p.mu.RLock()
	if p.cached != nil && time.Since(p.cached.CheckedAt) < p.ttl {
		caps := p.cached
		p.mu.RUnlock()
		return caps
	}
	p.mu.RUnlock()

	caps := &Capabilities{CheckedAt: time.Now()}
	ext, err := NewFFmpegExtractor(p.path, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		caps.Error = err.Error()
	} else if v, err := ext.Version(ctx); err != nil {
		caps.Error = err.Error()
	} else {
		caps.FFmpeg = true
		caps.Version = v
	}

	p.mu.Lock()
	p.cached = caps
	p.mu.Unlock()
	return caps
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// limitedWriter is an io.Writer that keeps only the last `limit` bytes.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		// Keep only the tail
		b := lw.w.Bytes()
		lw.w.Reset()
		lw.w.Write(b[len(b)-lw.limit:])
	}
	return n, nil
}
