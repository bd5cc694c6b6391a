package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/labelport/labelport/internal/content"
	"github.com/labelport/labelport/internal/labeling"
	"github.com/labelport/labelport/internal/logging"
)

// ContentFetcher downloads asset bytes into the staging tree.
type ContentFetcher interface {
	Fetch(ctx context.Context, rawURL, dst string) error
	ExtractFrames(ctx context.Context, videoURL string, dsts []string) error
}

const manifestFile = "remote_assets.csv"

var errUnlabeled = errors.New("asset has no label")

// processor turns assets into files of the staging tree, one asset at a
// time. An asset either lands completely or not at all.
type processor struct {
	conv     Converter
	encoders []Encoder
	root     string
	fetcher  ContentFetcher
	embed    bool
	video    bool
	logger   *slog.Logger

	manifest    [][]string
	manifestOn  bool
	manifestExt string
}

func newProcessor(conv Converter, units []Unit, opts EncoderOptions, root string, fetcher ContentFetcher, withAssets bool, logger *slog.Logger) *processor {
	p := &processor{
		conv:    conv,
		root:    root,
		fetcher: fetcher,
		embed:   withAssets && conv.AssetDir() != "",
		video:   isVideo(opts.Project.InputType),
		logger:  logger,
	}
	for _, unit := range units {
		p.encoders = append(p.encoders, conv.NewEncoder(unit, opts))
	}
	if on, ext := conv.Manifest(); on && !p.embed {
		p.manifestOn = true
		p.manifestExt = ext
	}
	return p
}

// prepare creates the directories every archive of the format carries,
// so that they exist even when no file lands in them.
func (p *processor) prepare() error {
	var dirs []string
	for _, enc := range p.encoders {
		dirs = append(dirs, enc.Dirs()...)
	}
	if p.embed || p.manifestOn {
		dirs = append(dirs, p.conv.AssetDir())
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(filepath.Join(p.root, filepath.FromSlash(dir)), 0o755); err != nil {
			return fmt.Errorf("create staging dir: %w", err)
		}
	}
	return nil
}

// process exports one asset and returns the number of frames written.
func (p *processor) process(ctx context.Context, asset labeling.Asset) (int, error) {
	label := asset.LatestLabel
	if p.conv.PerFrame() && label == nil {
		return 0, errUnlabeled
	}

	inputs, err := p.inputs(asset, label)
	if err != nil {
		return 0, p.assetError(asset, "decode", err)
	}
	if len(inputs) == 0 {
		return 0, errUnlabeled
	}

	tx := &stagingTx{root: p.root}
	if p.embed {
		if err := p.fetchAssets(ctx, asset, inputs, tx); err != nil {
			tx.rollback()
			return 0, p.assetError(asset, "fetch", err)
		}
	}

	encoded := make([][]Encoded, len(p.encoders))
	for i, enc := range p.encoders {
		for _, in := range inputs {
			out, err := enc.Encode(in)
			if err != nil {
				tx.rollback()
				return 0, p.assetError(asset, "convert", fmt.Errorf("frame %s: %w", in.Stem, err))
			}
			encoded[i] = append(encoded[i], out)
		}
	}

	for _, outs := range encoded {
		for _, out := range outs {
			for _, f := range out.Files {
				if err := tx.write(f.Path, f.Data); err != nil {
					tx.rollback()
					return 0, p.assetError(asset, "write", err)
				}
			}
		}
	}

	for i, enc := range p.encoders {
		for _, out := range encoded[i] {
			enc.Accept(out)
		}
	}
	if p.manifestOn {
		for _, in := range inputs {
			p.manifest = append(p.manifest, []string{asset.ExternalID, manifestURL(asset, in.Frame), in.Stem + p.manifestExt})
		}
	}
	return len(inputs), nil
}

func (p *processor) inputs(asset labeling.Asset, label *labeling.Label) ([]FrameInput, error) {
	var frames []labeling.Frame
	if p.conv.PerFrame() {
		var err error
		if frames, err = labeling.Frames(asset, label, p.video); err != nil {
			return nil, err
		}
	} else {
		frames = []labeling.Frame{{Total: 1, Name: asset.ExternalID, URL: asset.Content, Video: p.video}}
	}

	inputs := make([]FrameInput, 0, len(frames))
	for _, frame := range frames {
		inputs = append(inputs, FrameInput{
			Asset:      asset,
			Label:      label,
			Frame:      frame,
			Stem:       fileStem(frame.Name, asset.ID),
			ImageRef:   frame.URL,
			Resolution: asset.Resolution,
		})
	}
	return inputs, nil
}

// fetchAssets downloads the image of every frame, or extracts the frames
// of a video stored as a single file, and points the inputs at them.
func (p *processor) fetchAssets(ctx context.Context, asset labeling.Asset, inputs []FrameInput, tx *stagingTx) error {
	dir := p.conv.AssetDir()
	extract := p.video && len(asset.FrameURLs()) == 0

	dsts := make([]string, len(inputs))
	for i := range inputs {
		ext := ".jpg"
		if !extract {
			ext = content.Extension(inputs[i].Frame.URL, ".jpg")
		}
		rel := path.Join(dir, inputs[i].Stem+ext)
		abs, err := tx.reserve(rel)
		if err != nil {
			return err
		}
		dsts[i] = abs
		inputs[i].ImageRef = rel
	}

	if extract {
		if err := p.fetcher.ExtractFrames(ctx, asset.Content, dsts); err != nil {
			return err
		}
	} else {
		for i, in := range inputs {
			if err := p.fetcher.Fetch(ctx, in.Frame.URL, dsts[i]); err != nil {
				return err
			}
		}
	}

	if asset.Resolution != nil {
		return nil
	}
	for i := range inputs {
		if res, ok := imageResolution(dsts[i]); ok {
			inputs[i].Resolution = res
		}
	}
	return nil
}

func (p *processor) assetError(asset labeling.Asset, stage string, err error) error {
	aerr := &AssetError{AssetID: asset.ID, ExternalID: asset.ExternalID, Stage: stage, Err: err}
	logging.WithAsset(p.logger, asset.ID, asset.ExternalID).Warn("asset skipped",
		"stage", stage,
		"error", err,
	)
	return aerr
}

// finalize writes the aux files of every unit and the manifest.
func (p *processor) finalize() error {
	tx := &stagingTx{root: p.root}
	for _, enc := range p.encoders {
		files, err := enc.Finalize()
		if err != nil {
			return err
		}
		for _, f := range files {
			if err := tx.write(f.Path, f.Data); err != nil {
				return err
			}
		}
	}
	if !p.manifestOn {
		return nil
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"external id", "url", "label file"}); err != nil {
		return err
	}
	if err := w.WriteAll(p.manifest); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return tx.write(path.Join(p.conv.AssetDir(), manifestFile), buf.Bytes())
}

// manifestURL is the remote URL listed for a frame. Every frame of a
// video points at the video itself; frame URLs are only used for fetching.
func manifestURL(asset labeling.Asset, frame labeling.Frame) string {
	if frame.Video {
		return asset.Content
	}
	return frame.URL
}

func imageResolution(file string) (*labeling.Resolution, bool) {
	f, err := os.Open(file)
	if err != nil {
		return nil, false
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return nil, false
	}
	return &labeling.Resolution{Width: cfg.Width, Height: cfg.Height}, true
}

// fileStem turns a frame name into a file name. Assets whose external id
// sanitizes to nothing fall back to their id.
func fileStem(name, assetID string) string {
	if stem := SanitizeName(name, 200); stem != "" && stem != "." && stem != ".." {
		return stem
	}
	return SanitizeName(assetID, 200)
}

// stagingTx records the files created for one asset so they can be
// removed when the asset fails.
type stagingTx struct {
	root    string
	created []string
}

// reserve claims a path for a file created by someone else.
func (tx *stagingTx) reserve(rel string) (string, error) {
	abs := filepath.Join(tx.root, filepath.FromSlash(rel))
	if _, err := os.Lstat(abs); err == nil {
		return "", fmt.Errorf("%s already exists in the export", rel)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	tx.created = append(tx.created, abs)
	return abs, nil
}

// write creates a new file; an existing file is an error.
func (tx *stagingTx) write(rel string, data []byte) error {
	abs := filepath.Join(tx.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(abs, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s already exists in the export", rel)
		}
		return err
	}
	tx.created = append(tx.created, abs)
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (tx *stagingTx) rollback() {
	for i := len(tx.created) - 1; i >= 0; i-- {
		_ = os.Remove(tx.created[i])
	}
	tx.created = nil
}
