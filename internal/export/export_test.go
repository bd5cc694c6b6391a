package export

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labelport/labelport/internal/content"
	"github.com/labelport/labelport/internal/labeling"
	"github.com/labelport/labelport/internal/logging"
	"github.com/labelport/labelport/internal/platform"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var testClock = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func detectionJob(name string, tools []string, categories ...string) labeling.Job {
	job := labeling.Job{Name: name, MLTask: labeling.MLTaskObjectDetection, Tools: tools, Required: true}
	for _, c := range categories {
		job.Categories = append(job.Categories, labeling.Category{Key: c, Name: strings.ToLower(c)})
	}
	return job
}

func testProject(inputType labeling.InputType) labeling.Project {
	return labeling.Project{
		ID:        "proj-1",
		Title:     "Cars",
		InputType: inputType,
		JSONInterface: labeling.JSONInterface{Jobs: []labeling.Job{
			detectionJob("JOB_0", []string{labeling.ToolRectangle}, "OBJECT_A", "OBJECT_B"),
			detectionJob("JOB_1", []string{labeling.ToolRectangle}, "CAR"),
			detectionJob("JOB_2", []string{labeling.ToolPolygon}, "TRUCK"),
			{
				Name:       "CLASSIF_JOB",
				MLTask:     labeling.MLTaskClassification,
				Categories: []labeling.Category{{Key: "DAY", Name: "day"}},
			},
		}},
	}
}

func box(category string, minX, minY, maxX, maxY float64) labeling.Annotation {
	return labeling.Annotation{
		MID:        category + "-mid",
		Type:       "rectangle",
		Categories: []labeling.CategoryRef{{Name: category}},
		BoundingPoly: []labeling.Polygon{{NormalizedVertices: []labeling.Vertex{
			{X: minX, Y: maxY}, {X: minX, Y: minY}, {X: maxX, Y: minY}, {X: maxX, Y: maxY},
		}}},
	}
}

func response(t *testing.T, v any) labeling.RawJSON {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	return data
}

func imageAsset(t *testing.T, externalID string, jobs labeling.JobResponses) labeling.Asset {
	return labeling.Asset{
		ID:         "id-" + externalID,
		ExternalID: externalID,
		Content:    "https://cdn.example.com/" + externalID + ".jpg",
		Resolution: &labeling.Resolution{Width: 200, Height: 100},
		LatestLabel: &labeling.Label{
			ID:           "label-" + externalID,
			LabelType:    labeling.LabelTypeDefault,
			JSONResponse: response(t, jobs),
		},
	}
}

// carAssets returns car_1 with annotations on JOB_0 and JOB_1, and car_2
// with one on JOB_1. JOB_2 is never annotated.
func carAssets(t *testing.T) []labeling.Asset {
	return []labeling.Asset{
		imageAsset(t, "car_1", labeling.JobResponses{
			"JOB_0":       {Annotations: []labeling.Annotation{box("OBJECT_A", 0.25, 0.125, 0.75, 0.375)}},
			"JOB_1":       {Annotations: []labeling.Annotation{box("CAR", 0, 0, 0.5, 0.5)}},
			"CLASSIF_JOB": {Categories: []labeling.CategoryRef{{Name: "DAY"}}},
		}),
		imageAsset(t, "car_2", labeling.JobResponses{
			"JOB_1": {Annotations: []labeling.Annotation{box("CAR", 0.5, 0.5, 1, 1)}},
		}),
	}
}

type fakeFetcher struct {
	mu        sync.Mutex
	fail      map[string]error
	data      map[string][]byte
	fetched   []string
	extracted []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, rawURL, dst string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[rawURL]; err != nil {
		return err
	}
	f.fetched = append(f.fetched, rawURL)
	data, ok := f.data[rawURL]
	if !ok {
		data = []byte("image of " + rawURL)
	}
	return os.WriteFile(dst, data, 0o644)
}

func (f *fakeFetcher) ExtractFrames(ctx context.Context, videoURL string, dsts []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[videoURL]; err != nil {
		return err
	}
	f.extracted = append(f.extracted, videoURL)
	for i, dst := range dsts {
		if err := os.WriteFile(dst, []byte(fmt.Sprintf("frame %d", i)), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func newTestService(src platform.DataSource, fetcher ContentFetcher) *Service {
	svc := NewService(src, fetcher, testLogger())
	svc.SetClock(func() time.Time { return testClock })
	return svc
}

func baseRequest(t *testing.T, format LabelFormat) Request {
	dir := t.TempDir()
	return Request{
		ProjectID:  "proj-1",
		Format:     format,
		OutputFile: filepath.Join(dir, "export.zip"),
		Run:        RunConfig{StagingRoot: t.TempDir()},
	}
}

func readArchive(t *testing.T, file string) ([]string, map[string]string) {
	t.Helper()
	zr, err := zip.OpenReader(file)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer zr.Close()

	var names []string
	contents := make(map[string]string)
	for _, f := range zr.File {
		names = append(names, f.Name)
		if strings.HasSuffix(f.Name, "/") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("read %s: %v", f.Name, err)
		}
		contents[f.Name] = string(data)
	}
	return names, contents
}

func assertNames(t *testing.T, got, want []string) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("archive entries:\n got  %q\n want %q", got, want)
	}
}

func TestExportLabels_NoCompatibleJob(t *testing.T) {
	project := testProject(labeling.InputTypeImage)
	project.JSONInterface.Jobs = project.JSONInterface.Jobs[3:]
	src := platform.NewMemorySource(project, carAssets(t)...)
	req := baseRequest(t, FormatYOLOv4)

	_, err := newTestService(src, &fakeFetcher{}).ExportLabels(context.Background(), req)
	if !errors.Is(err, ErrNoCompatibleJob) {
		t.Fatalf("expected ErrNoCompatibleJob, got %v", err)
	}
	var ncj *NoCompatibleJobError
	if !errors.As(err, &ncj) || len(ncj.Jobs) != 1 || ncj.Jobs[0].Name != "CLASSIF_JOB" {
		t.Errorf("unexpected error detail: %+v", ncj)
	}
	if _, statErr := os.Stat(req.OutputFile); !os.IsNotExist(statErr) {
		t.Errorf("output file should not exist, stat err = %v", statErr)
	}
}

func TestExportLabels_NotCompatibleOptions(t *testing.T) {
	modifier := func(a CocoAnnotation, _ CocoImage, _ labeling.Annotation) CocoAnnotation { return a }
	tests := []struct {
		name   string
		mutate func(r *Request)
	}{
		{"single file yolo", func(r *Request) { r.Format = FormatYOLOv5; r.SingleFile = true }},
		{"single file voc", func(r *Request) { r.Format = FormatPascalVOC; r.SingleFile = true }},
		{"normal export coco", func(r *Request) { r.Format = FormatCOCO; r.ExportType = ExportTypeNormal }},
		{"modifier on yolo", func(r *Request) { r.AnnotationModifier = modifier }},
		{"ids and external ids", func(r *Request) { r.AssetIDs = []string{"a"}; r.ExternalIDs = []string{"b"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := platform.NewMemorySource(testProject(labeling.InputTypeImage), carAssets(t)...)
			req := baseRequest(t, FormatYOLOv4)
			tt.mutate(&req)

			_, err := newTestService(src, &fakeFetcher{}).ExportLabels(context.Background(), req)
			if !errors.Is(err, ErrNotCompatibleOptions) {
				t.Fatalf("expected ErrNotCompatibleOptions, got %v", err)
			}
			if _, statErr := os.Stat(req.OutputFile); !os.IsNotExist(statErr) {
				t.Errorf("output file should not exist")
			}
		})
	}
}

func TestExportLabels_InvalidRequest(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *Request)
	}{
		{"unknown format", func(r *Request) { r.Format = "csv" }},
		{"unknown layout", func(r *Request) { r.Layout = "flat" }},
		{"missing project", func(r *Request) { r.ProjectID = "" }},
		{"missing output", func(r *Request) { r.OutputFile = "" }},
		{"bad category search", func(r *Request) {
			r.AssetFilter = &platform.AssetWhere{LabelCategorySearch: "JOB_0.OBJECT_A.count >"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := platform.NewMemorySource(testProject(labeling.InputTypeImage), carAssets(t)...)
			req := baseRequest(t, FormatYOLOv4)
			tt.mutate(&req)
			if _, err := newTestService(src, &fakeFetcher{}).ExportLabels(context.Background(), req); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestExportLabels_CloudStorage(t *testing.T) {
	conn := platform.DataConnection{ID: "conn-1"}
	conn.DataIntegration.Platform = "AWS"

	t.Run("yolo with assets is refused", func(t *testing.T) {
		src := platform.NewMemorySource(testProject(labeling.InputTypeImage), carAssets(t)...)
		src.DataConnections = []platform.DataConnection{conn}
		req := baseRequest(t, FormatYOLOv4)
		req.WithAssets = true

		_, err := newTestService(src, &fakeFetcher{}).ExportLabels(context.Background(), req)
		if !errors.Is(err, ErrNotCompatibleOptions) {
			t.Fatalf("expected ErrNotCompatibleOptions, got %v", err)
		}
	})

	t.Run("yolo without assets is fine", func(t *testing.T) {
		src := platform.NewMemorySource(testProject(labeling.InputTypeImage), carAssets(t)...)
		src.DataConnections = []platform.DataConnection{conn}
		req := baseRequest(t, FormatYOLOv4)

		if _, err := newTestService(src, &fakeFetcher{}).ExportLabels(context.Background(), req); err != nil {
			t.Fatalf("ExportLabels error = %v", err)
		}
	})

	t.Run("raw with assets is fine", func(t *testing.T) {
		src := platform.NewMemorySource(testProject(labeling.InputTypeImage), carAssets(t)...)
		src.DataConnections = []platform.DataConnection{conn}
		req := baseRequest(t, FormatRaw)
		req.WithAssets = true

		if _, err := newTestService(src, &fakeFetcher{}).ExportLabels(context.Background(), req); err != nil {
			t.Fatalf("ExportLabels error = %v", err)
		}
	})
}

func TestExportLabels_YOLOMerged(t *testing.T) {
	src := platform.NewMemorySource(testProject(labeling.InputTypeImage), carAssets(t)...)
	req := baseRequest(t, FormatYOLOv4)

	report, err := newTestService(src, &fakeFetcher{}).ExportLabels(context.Background(), req)
	if err != nil {
		t.Fatalf("ExportLabels error = %v", err)
	}
	if report.AssetsExported != 2 || report.FramesExported != 2 || len(report.Skipped) != 0 {
		t.Errorf("unexpected report: %+v", report)
	}
	if len(report.IncompatibleJobs) != 1 || report.IncompatibleJobs[0].Name != "CLASSIF_JOB" {
		t.Errorf("IncompatibleJobs = %+v", report.IncompatibleJobs)
	}
	if report.ArchiveBytes <= 0 {
		t.Errorf("ArchiveBytes = %d", report.ArchiveBytes)
	}

	names, contents := readArchive(t, req.OutputFile)
	assertNames(t, names, []string{
		"README.kili.txt",
		"classes.txt",
		"images/",
		"images/remote_assets.csv",
		"labels/",
		"labels/car_1.txt",
		"labels/car_2.txt",
	})

	if got, want := contents["classes.txt"], "0 OBJECT_A\n1 OBJECT_B\n2 CAR\n3 TRUCK\n"; got != want {
		t.Errorf("classes.txt = %q, want %q", got, want)
	}
	if got, want := contents["labels/car_1.txt"], "0 0.5 0.25 0.5 0.25\n2 0.25 0.25 0.5 0.5\n"; got != want {
		t.Errorf("car_1.txt = %q, want %q", got, want)
	}
	if got, want := contents["labels/car_2.txt"], "2 0.75 0.75 0.5 0.5\n"; got != want {
		t.Errorf("car_2.txt = %q, want %q", got, want)
	}
	wantCSV := "external id,url,label file\n" +
		"car_1,https://cdn.example.com/car_1.jpg,car_1.txt\n" +
		"car_2,https://cdn.example.com/car_2.jpg,car_2.txt\n"
	if got := contents["images/remote_assets.csv"]; got != wantCSV {
		t.Errorf("remote_assets.csv = %q, want %q", got, wantCSV)
	}

	readme := contents["README.kili.txt"]
	for _, want := range []string{"Project name: Cars", "Project identifier: proj-1", "Export date: 20240102-030405", "Exported format: yolo_v4"} {
		if !strings.Contains(readme, want) {
			t.Errorf("README missing %q:\n%s", want, readme)
		}
	}
}

func TestExportLabels_YOLOSplit(t *testing.T) {
	src := platform.NewMemorySource(testProject(labeling.InputTypeImage), carAssets(t)...)
	req := baseRequest(t, FormatYOLOv5)
	req.Layout = SplitOptionSplit

	if _, err := newTestService(src, &fakeFetcher{}).ExportLabels(context.Background(), req); err != nil {
		t.Fatalf("ExportLabels error = %v", err)
	}

	names, contents := readArchive(t, req.OutputFile)
	assertNames(t, names, []string{
		"JOB_0/",
		"JOB_0/data.yaml",
		"JOB_0/labels/",
		"JOB_0/labels/car_1.txt",
		"JOB_1/",
		"JOB_1/data.yaml",
		"JOB_1/labels/",
		"JOB_1/labels/car_1.txt",
		"JOB_1/labels/car_2.txt",
		"JOB_2/",
		"JOB_2/data.yaml",
		"JOB_2/labels/",
		"README.kili.txt",
		"images/",
		"images/remote_assets.csv",
	})

	if got, want := contents["JOB_1/labels/car_2.txt"], "0 0.75 0.75 0.5 0.5\n"; got != want {
		t.Errorf("JOB_1 car_2.txt = %q, want %q", got, want)
	}
	if !strings.Contains(contents["JOB_0/data.yaml"], "nc: 2") {
		t.Errorf("JOB_0/data.yaml = %q", contents["JOB_0/data.yaml"])
	}
}

func TestExportLabels_VideoFrames(t *testing.T) {
	frameURLs := []string{
		"https://cdn.example.com/video/f1.jpg",
		"https://cdn.example.com/video/f2.jpg",
		"https://cdn.example.com/video/f3.jpg",
		"https://cdn.example.com/video/f4.jpg",
	}
	video := labeling.Asset{
		ID:          "id-video",
		ExternalID:  "video",
		Content:     "https://cdn.example.com/video.mp4",
		JSONContent: response(t, frameURLs),
		LatestLabel: &labeling.Label{ID: "label-video", JSONResponse: response(t, map[string]labeling.JobResponses{
			"0": {"JOB_0": {Annotations: []labeling.Annotation{box("OBJECT_B", 0, 0, 0.5, 0.5)}}},
			"2": {"JOB_1": {Annotations: []labeling.Annotation{box("CAR", 0.5, 0.5, 1, 1)}}},
		})},
	}

	t.Run("remote", func(t *testing.T) {
		src := platform.NewMemorySource(testProject(labeling.InputTypeVideo), video)
		req := baseRequest(t, FormatYOLOv4)

		report, err := newTestService(src, &fakeFetcher{}).ExportLabels(context.Background(), req)
		if err != nil {
			t.Fatalf("ExportLabels error = %v", err)
		}
		if report.AssetsExported != 1 || report.FramesExported != 4 {
			t.Errorf("unexpected report: %+v", report)
		}

		names, contents := readArchive(t, req.OutputFile)
		for i := 1; i <= 4; i++ {
			name := fmt.Sprintf("labels/video_%d.txt", i)
			if _, ok := contents[name]; !ok {
				t.Errorf("missing %s in %q", name, names)
			}
		}
		if got, want := contents["labels/video_1.txt"], "1 0.25 0.25 0.5 0.5\n"; got != want {
			t.Errorf("video_1.txt = %q, want %q", got, want)
		}
		if got := contents["labels/video_2.txt"]; got != "" {
			t.Errorf("video_2.txt = %q, want empty", got)
		}

		rows := strings.Split(strings.TrimSpace(contents["images/remote_assets.csv"]), "\n")
		if len(rows) != 5 {
			t.Fatalf("remote_assets.csv has %d lines, want header + 4", len(rows))
		}
		for i, row := range rows[1:] {
			want := fmt.Sprintf("video,https://cdn.example.com/video.mp4,video_%d.txt", i+1)
			if row != want {
				t.Errorf("row %d = %q, want %q", i+1, row, want)
			}
		}
	})

	t.Run("embedded", func(t *testing.T) {
		src := platform.NewMemorySource(testProject(labeling.InputTypeVideo), video)
		fetcher := &fakeFetcher{}
		req := baseRequest(t, FormatYOLOv4)
		req.WithAssets = true

		if _, err := newTestService(src, fetcher).ExportLabels(context.Background(), req); err != nil {
			t.Fatalf("ExportLabels error = %v", err)
		}
		_, contents := readArchive(t, req.OutputFile)
		for i := 1; i <= 4; i++ {
			if _, ok := contents[fmt.Sprintf("images/video_%d.jpg", i)]; !ok {
				t.Errorf("missing images/video_%d.jpg", i)
			}
		}
		if _, ok := contents["images/remote_assets.csv"]; ok {
			t.Error("remote_assets.csv should not be written when assets are embedded")
		}
		if len(fetcher.fetched) != 4 {
			t.Errorf("fetched %d frames, want 4", len(fetcher.fetched))
		}
	})

	t.Run("single file video is extracted", func(t *testing.T) {
		native := video
		native.JSONContent = nil
		src := platform.NewMemorySource(testProject(labeling.InputTypeVideo), native)
		fetcher := &fakeFetcher{}
		req := baseRequest(t, FormatYOLOv4)
		req.WithAssets = true

		report, err := newTestService(src, fetcher).ExportLabels(context.Background(), req)
		if err != nil {
			t.Fatalf("ExportLabels error = %v", err)
		}
		// frames up to the last labeled index
		if report.FramesExported != 3 {
			t.Errorf("FramesExported = %d, want 3", report.FramesExported)
		}
		if len(fetcher.extracted) != 1 || fetcher.extracted[0] != native.Content {
			t.Errorf("extracted = %v", fetcher.extracted)
		}
		_, contents := readArchive(t, req.OutputFile)
		if got := contents["images/video_3.jpg"]; got != "frame 2" {
			t.Errorf("images/video_3.jpg = %q", got)
		}
	})
}

func TestExportLabels_FailedDownloadIsSkipped(t *testing.T) {
	src := platform.NewMemorySource(testProject(labeling.InputTypeImage), carAssets(t)...)
	fetcher := &fakeFetcher{fail: map[string]error{
		"https://cdn.example.com/car_2.jpg": errors.New("status 404"),
	}}
	var logs bytes.Buffer
	req := baseRequest(t, FormatYOLOv4)
	req.WithAssets = true
	req.Run.Logger = logging.NewLoggerTo(&logs, "debug", false)

	report, err := newTestService(src, fetcher).ExportLabels(context.Background(), req)
	if err != nil {
		t.Fatalf("ExportLabels error = %v", err)
	}
	if report.AssetsExported != 1 || len(report.Skipped) != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	skipped := report.Skipped[0]
	if skipped.ExternalID != "car_2" || skipped.Stage != "fetch" {
		t.Errorf("skipped = %+v", skipped)
	}
	if !strings.Contains(logs.String(), "asset skipped") || !strings.Contains(logs.String(), "car_2") {
		t.Errorf("expected a warning naming car_2, logs:\n%s", logs.String())
	}

	names, _ := readArchive(t, req.OutputFile)
	assertNames(t, names, []string{
		"README.kili.txt",
		"classes.txt",
		"images/",
		"images/car_1.jpg",
		"labels/",
		"labels/car_1.txt",
	})
}

func TestExportLabels_Deterministic(t *testing.T) {
	src := platform.NewMemorySource(testProject(labeling.InputTypeImage), carAssets(t)...)
	svc := newTestService(src, &fakeFetcher{})

	var archives [][]byte
	for i := 0; i < 2; i++ {
		req := baseRequest(t, FormatYOLOv7)
		req.Layout = SplitOptionSplit
		req.WithAssets = true
		if _, err := svc.ExportLabels(context.Background(), req); err != nil {
			t.Fatalf("ExportLabels error = %v", err)
		}
		data, err := os.ReadFile(req.OutputFile)
		if err != nil {
			t.Fatal(err)
		}
		archives = append(archives, data)
	}
	if !bytes.Equal(archives[0], archives[1]) {
		t.Error("two exports of the same project differ")
	}
}

func TestExportLabels_ExternalIDsAndProgress(t *testing.T) {
	assets := carAssets(t)
	unlabeled := labeling.Asset{ID: "id-car_3", ExternalID: "car_3", Content: "https://cdn.example.com/car_3.jpg"}
	src := platform.NewMemorySource(testProject(labeling.InputTypeImage), append(assets, unlabeled)...)

	var calls [][2]int
	req := baseRequest(t, FormatYOLOv4)
	req.ExternalIDs = []string{"car_2", "car_3"}
	req.Run.Progress = func(done, total int) { calls = append(calls, [2]int{done, total}) }

	report, err := newTestService(src, &fakeFetcher{}).ExportLabels(context.Background(), req)
	if err != nil {
		t.Fatalf("ExportLabels error = %v", err)
	}
	if report.AssetsExported != 1 || report.AssetsUnlabeled != 1 {
		t.Errorf("unexpected report: %+v", report)
	}
	if !reflect.DeepEqual(calls, [][2]int{{1, 2}, {2, 2}}) {
		t.Errorf("progress calls = %v", calls)
	}

	_, contents := readArchive(t, req.OutputFile)
	if _, ok := contents["labels/car_1.txt"]; ok {
		t.Error("car_1 was not requested")
	}
	if _, ok := contents["labels/car_2.txt"]; !ok {
		t.Error("car_2 missing")
	}
}

func TestExportLabels_UnknownExternalID(t *testing.T) {
	src := platform.NewMemorySource(testProject(labeling.InputTypeImage), carAssets(t)...)
	req := baseRequest(t, FormatYOLOv4)
	req.ExternalIDs = []string{"nope"}

	_, err := newTestService(src, &fakeFetcher{}).ExportLabels(context.Background(), req)
	if !errors.Is(err, platform.ErrUnknownExternalID) {
		t.Fatalf("expected ErrUnknownExternalID, got %v", err)
	}
}

func TestExportLabels_AssetStreamError(t *testing.T) {
	src := platform.NewMemorySource(testProject(labeling.InputTypeImage), carAssets(t)...)
	src.AssetErr = errors.New("connection reset")
	src.AssetErrAfter = 1
	req := baseRequest(t, FormatYOLOv4)

	if _, err := newTestService(src, &fakeFetcher{}).ExportLabels(context.Background(), req); err == nil {
		t.Fatal("expected error")
	}
	if _, err := os.Stat(req.OutputFile); !os.IsNotExist(err) {
		t.Error("no archive should be written when the asset stream fails")
	}
	entries, err := os.ReadDir(req.Run.StagingRoot)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("staging dir not cleaned up: %v", entries)
	}
}

// cancelingFetcher cancels the export as soon as the first download starts.
type cancelingFetcher struct {
	fakeFetcher
	cancel context.CancelFunc
}

func (f *cancelingFetcher) Fetch(ctx context.Context, rawURL, dst string) error {
	f.cancel()
	return f.fakeFetcher.Fetch(ctx, rawURL, dst)
}

func TestExportLabels_CancelledMidExport(t *testing.T) {
	src := platform.NewMemorySource(testProject(labeling.InputTypeImage), carAssets(t)...)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fetcher := &cancelingFetcher{cancel: cancel}
	req := baseRequest(t, FormatYOLOv4)
	req.WithAssets = true

	report, err := newTestService(src, fetcher).ExportLabels(ctx, req)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got report %+v, err %v", report, err)
	}
	if report != nil {
		t.Errorf("report = %+v, want nil", report)
	}
	if _, err := os.Stat(req.OutputFile); !os.IsNotExist(err) {
		t.Error("no archive should be written for a cancelled export")
	}
	entries, err := os.ReadDir(req.Run.StagingRoot)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("staging dir not cleaned up: %v", entries)
	}
}

func TestExportLabels_LocalContentIsNotPacked(t *testing.T) {
	secret := filepath.Join(t.TempDir(), "secret.jpg")
	if err := os.WriteFile(secret, []byte("top secret"), 0o600); err != nil {
		t.Fatal(err)
	}
	jobs := labeling.JobResponses{"JOB_1": {Annotations: []labeling.Annotation{box("CAR", 0, 0, 0.5, 0.5)}}}
	plain := imageAsset(t, "plain", jobs)
	plain.Content = secret
	fileURL := imageAsset(t, "file_url", jobs)
	fileURL.Content = "file://" + secret
	src := platform.NewMemorySource(testProject(labeling.InputTypeImage), plain, fileURL)

	fetcher, err := content.NewFetcher(content.FetcherConfig{CacheDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewFetcher error = %v", err)
	}
	req := baseRequest(t, FormatYOLOv4)
	req.WithAssets = true

	report, err := newTestService(src, fetcher).ExportLabels(context.Background(), req)
	if err != nil {
		t.Fatalf("ExportLabels error = %v", err)
	}
	if report.AssetsExported != 0 || len(report.Skipped) != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	for _, skipped := range report.Skipped {
		if skipped.Stage != "fetch" {
			t.Errorf("skipped %s at stage %q, want fetch", skipped.ExternalID, skipped.Stage)
		}
	}

	names, contents := readArchive(t, req.OutputFile)
	for name, data := range contents {
		if strings.Contains(data, "top secret") {
			t.Errorf("archive entry %s holds the local file", name)
		}
	}
	for _, name := range names {
		if strings.HasSuffix(name, ".jpg") {
			t.Errorf("unexpected image in archive: %s", name)
		}
	}
}

func TestExportLabels_FirstAndSkip(t *testing.T) {
	assets := append(carAssets(t), imageAsset(t, "car_3", labeling.JobResponses{
		"JOB_1": {Annotations: []labeling.Annotation{box("CAR", 0, 0, 1, 1)}},
	}))
	src := platform.NewMemorySource(testProject(labeling.InputTypeImage), assets...)

	var calls [][2]int
	req := baseRequest(t, FormatYOLOv4)
	req.Skip = 1
	req.First = 1
	req.Run.Progress = func(done, total int) { calls = append(calls, [2]int{done, total}) }

	report, err := newTestService(src, &fakeFetcher{}).ExportLabels(context.Background(), req)
	if err != nil {
		t.Fatalf("ExportLabels error = %v", err)
	}
	if report.AssetsExported != 1 {
		t.Errorf("AssetsExported = %d, want 1", report.AssetsExported)
	}
	if !reflect.DeepEqual(calls, [][2]int{{1, 1}}) {
		t.Errorf("progress calls = %v", calls)
	}

	_, contents := readArchive(t, req.OutputFile)
	for _, name := range []string{"labels/car_1.txt", "labels/car_3.txt"} {
		if _, ok := contents[name]; ok {
			t.Errorf("%s is outside the first/skip window", name)
		}
	}
	if _, ok := contents["labels/car_2.txt"]; !ok {
		t.Error("car_2 missing")
	}
}

func TestExportLabels_NegativeFirstRejected(t *testing.T) {
	src := platform.NewMemorySource(testProject(labeling.InputTypeImage), carAssets(t)...)
	for _, req := range []Request{
		func() Request { r := baseRequest(t, FormatYOLOv4); r.First = -1; return r }(),
		func() Request { r := baseRequest(t, FormatYOLOv4); r.Skip = -2; return r }(),
	} {
		if _, err := newTestService(src, &fakeFetcher{}).ExportLabels(context.Background(), req); err == nil {
			t.Errorf("expected error for first=%d skip=%d", req.First, req.Skip)
		}
		if _, err := os.Stat(req.OutputFile); !os.IsNotExist(err) {
			t.Error("no archive should be written for an invalid request")
		}
	}
}

func TestExportLabels_YOLOIrregularPolygon(t *testing.T) {
	truck := labeling.Annotation{
		MID:        "truck-mid",
		Type:       "polygon",
		Categories: []labeling.CategoryRef{{Name: "TRUCK"}},
		BoundingPoly: []labeling.Polygon{{NormalizedVertices: []labeling.Vertex{
			{X: 0.125, Y: 0.25}, {X: 0.625, Y: 0.125}, {X: 0.5, Y: 0.75}, {X: 0.25, Y: 0.5},
		}}},
	}
	asset := imageAsset(t, "truck_1", labeling.JobResponses{"JOB_2": {Annotations: []labeling.Annotation{truck}}})
	src := platform.NewMemorySource(testProject(labeling.InputTypeImage), asset)
	req := baseRequest(t, FormatYOLOv5)

	if _, err := newTestService(src, &fakeFetcher{}).ExportLabels(context.Background(), req); err != nil {
		t.Fatalf("ExportLabels error = %v", err)
	}
	_, contents := readArchive(t, req.OutputFile)
	if got, want := contents["labels/truck_1.txt"], "3 0.375 0.4375 0.5 0.625\n"; got != want {
		t.Errorf("truck_1.txt = %q, want %q", got, want)
	}
	wantYAML := "nc: 4\nnames: ['OBJECT_A', 'OBJECT_B', 'CAR', 'TRUCK']\n"
	if got := contents["data.yaml"]; got != wantYAML {
		t.Errorf("data.yaml = %q, want %q", got, wantYAML)
	}
}

func TestExportLabels_COCO(t *testing.T) {
	src := platform.NewMemorySource(testProject(labeling.InputTypeImage), carAssets(t)...)
	req := baseRequest(t, FormatCOCO)
	req.WithAssets = true
	req.AnnotationModifier = func(ann CocoAnnotation, img CocoImage, src labeling.Annotation) CocoAnnotation {
		ann.Attributes = map[string]any{"mid": src.MID, "image": img.FileName}
		return ann
	}

	if _, err := newTestService(src, &fakeFetcher{}).ExportLabels(context.Background(), req); err != nil {
		t.Fatalf("ExportLabels error = %v", err)
	}

	names, contents := readArchive(t, req.OutputFile)
	assertNames(t, names, []string{
		"JOB_0/",
		"JOB_0/labels.json",
		"JOB_1/",
		"JOB_1/labels.json",
		"JOB_2/",
		"JOB_2/labels.json",
		"README.kili.txt",
		"data/",
		"data/car_1.jpg",
		"data/car_2.jpg",
	})

	var doc CocoDocument
	if err := json.Unmarshal([]byte(contents["JOB_0/labels.json"]), &doc); err != nil {
		t.Fatalf("decode labels.json: %v", err)
	}
	if len(doc.Images) != 2 || doc.Images[0].FileName != "data/car_1.jpg" || doc.Images[0].Width != 200 {
		t.Errorf("images = %+v", doc.Images)
	}
	if len(doc.Categories) != 2 || doc.Categories[1].Name != "OBJECT_B" || doc.Categories[1].Supercategory != "JOB_0" {
		t.Errorf("categories = %+v", doc.Categories)
	}
	if len(doc.Annotations) != 1 {
		t.Fatalf("annotations = %+v", doc.Annotations)
	}
	ann := doc.Annotations[0]
	if !reflect.DeepEqual(ann.BBox, []float64{50, 12.5, 100, 25}) {
		t.Errorf("bbox = %v", ann.BBox)
	}
	if ann.Area != 2500 {
		t.Errorf("area = %v, want 2500", ann.Area)
	}
	if ann.Attributes["mid"] != "OBJECT_A-mid" || ann.Attributes["image"] != "data/car_1.jpg" {
		t.Errorf("attributes = %v", ann.Attributes)
	}
}

func TestExportLabels_COCOSingleFile(t *testing.T) {
	src := platform.NewMemorySource(testProject(labeling.InputTypeImage), carAssets(t)...)
	req := baseRequest(t, FormatCOCO)
	req.SingleFile = true

	if _, err := newTestService(src, &fakeFetcher{}).ExportLabels(context.Background(), req); err != nil {
		t.Fatalf("ExportLabels error = %v", err)
	}
	names, contents := readArchive(t, req.OutputFile)
	assertNames(t, names, []string{"README.kili.txt", "labels.json"})

	var doc CocoDocument
	if err := json.Unmarshal([]byte(contents["labels.json"]), &doc); err != nil {
		t.Fatalf("decode labels.json: %v", err)
	}
	if len(doc.Categories) != 4 || len(doc.Annotations) != 3 {
		t.Errorf("categories = %d, annotations = %d", len(doc.Categories), len(doc.Annotations))
	}
	if doc.Images[1].FileName != "https://cdn.example.com/car_2.jpg" {
		t.Errorf("remote file_name = %q", doc.Images[1].FileName)
	}
	for i, ann := range doc.Annotations {
		if ann.ID != i {
			t.Errorf("annotation %d has id %d", i, ann.ID)
		}
	}
}

func TestExportLabels_RawSplit(t *testing.T) {
	src := platform.NewMemorySource(testProject(labeling.InputTypeImage), carAssets(t)...)
	req := baseRequest(t, FormatKili)
	req.Layout = SplitOptionSplit

	if _, err := newTestService(src, &fakeFetcher{}).ExportLabels(context.Background(), req); err != nil {
		t.Fatalf("ExportLabels error = %v", err)
	}
	_, contents := readArchive(t, req.OutputFile)

	var asset labeling.Asset
	if err := json.Unmarshal([]byte(contents["JOB_1/labels/car_1.json"]), &asset); err != nil {
		t.Fatalf("decode JOB_1/labels/car_1.json: %v", err)
	}
	jobs, err := asset.LatestLabel.Jobs()
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || len(jobs["JOB_1"].Annotations) != 1 {
		t.Errorf("JOB_1 response not restricted: %v", jobs)
	}
	if _, ok := contents["CLASSIF_JOB/labels/car_1.json"]; !ok {
		t.Error("raw exports every job")
	}
}

func TestExportLabels_RawMergedSingleFile(t *testing.T) {
	src := platform.NewMemorySource(testProject(labeling.InputTypeImage), carAssets(t)...)
	req := baseRequest(t, FormatRaw)
	req.SingleFile = true
	req.WithAssets = true

	if _, err := newTestService(src, &fakeFetcher{}).ExportLabels(context.Background(), req); err != nil {
		t.Fatalf("ExportLabels error = %v", err)
	}
	names, contents := readArchive(t, req.OutputFile)
	assertNames(t, names, []string{"README.kili.txt", "data.json"})

	var assets []labeling.Asset
	if err := json.Unmarshal([]byte(contents["data.json"]), &assets); err != nil {
		t.Fatalf("decode data.json: %v", err)
	}
	if len(assets) != 2 || assets[0].ExternalID != "car_1" || assets[0].LatestLabel == nil {
		t.Errorf("assets = %+v", assets)
	}
}

func TestExportLabels_PascalVOC(t *testing.T) {
	src := platform.NewMemorySource(testProject(labeling.InputTypeImage), carAssets(t)...)
	req := baseRequest(t, FormatPascalVOC)

	report, err := newTestService(src, &fakeFetcher{}).ExportLabels(context.Background(), req)
	if err != nil {
		t.Fatalf("ExportLabels error = %v", err)
	}
	// JOB_2 only offers polygons, which VOC accepts.
	if len(report.IncompatibleJobs) != 1 {
		t.Errorf("IncompatibleJobs = %+v", report.IncompatibleJobs)
	}

	_, contents := readArchive(t, req.OutputFile)
	xml := contents["labels/car_1.xml"]
	for _, want := range []string{"<name>OBJECT_A</name>", "<xmin>50</xmin>", "<ymax>38</ymax>", "<width>200</width>"} {
		if !strings.Contains(xml, want) {
			t.Errorf("car_1.xml missing %q:\n%s", want, xml)
		}
	}
	if !strings.Contains(contents["images/remote_assets.csv"], "car_1.xml") {
		t.Errorf("manifest should point at xml files")
	}
}
