package platform

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/labelport/labelport/internal/labeling"
)

func TestBuildFragment(t *testing.T) {
	got := BuildFragment([]string{"id", "latestLabel.author.email", "externalId", "latestLabel.jsonResponse", "latestLabel.author.id"})
	want := "id latestLabel { author { email id } jsonResponse } externalId"
	if got != want {
		t.Errorf("BuildFragment = %q, want %q", got, want)
	}
}

func TestAssetWhereVariables(t *testing.T) {
	mark := 0.5
	skipped := false
	w := AssetWhere{
		ProjectID:           "p1",
		AssetIDs:            []string{"a1"},
		StatusIn:            []string{"LABELED", "REVIEWED"},
		CreatedAtGte:        time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		LabelAuthorIn:       []string{"ann@example.com"},
		LabelCategorySearch: "JOB_0.A.count > 0",
		HoneypotMarkGte:     &mark,
		Skipped:             &skipped,
		IssueType:           "QUESTION",
	}
	v := w.Variables()

	if v["project"].(map[string]any)["id"] != "p1" {
		t.Errorf("project = %v", v["project"])
	}
	if v["createdAtGte"] != "2024-01-02T03:04:05Z" {
		t.Errorf("createdAtGte = %v", v["createdAtGte"])
	}
	if v["honeypotMarkGte"] != 0.5 || v["skipped"] != false {
		t.Errorf("marks = %v %v", v["honeypotMarkGte"], v["skipped"])
	}
	label := v["label"].(map[string]any)
	if label["search"] != "JOB_0.A.count > 0" {
		t.Errorf("label.search = %v", label["search"])
	}
	if _, ok := v["externalIdIn"]; ok {
		t.Error("empty filters must be omitted")
	}
	if v["issue"].(map[string]any)["type"] != "QUESTION" {
		t.Errorf("issue = %v", v["issue"])
	}
}

func TestValidateCategorySearch(t *testing.T) {
	valid := []string{
		"JOB_0.OBJECT_A.count > 0",
		"JOB_0.OBJECT_A.count>0",
		"JOB_0.A.count == 1 AND CLASSIF.YES.count >= 2",
		"(JOB_0.A.count > 0 OR JOB_0.B.count < 3) AND CLASSIF.YES.count <= 1",
		"((JOB_0.A.count > 0))",
	}
	for _, expr := range valid {
		if err := ValidateCategorySearch(expr); err != nil {
			t.Errorf("ValidateCategorySearch(%q) error = %v, want nil", expr, err)
		}
	}

	invalid := []string{
		"",
		"JOB_0.A > 0",
		"JOB_0.A.count > x",
		"JOB_0.A.count > 0 AND",
		"(JOB_0.A.count > 0",
		"JOB_0.A.count > 0)",
		"AND JOB_0.A.count > 0",
		"JOB_0.A.count = 1",
	}
	for _, expr := range invalid {
		if err := ValidateCategorySearch(expr); !errors.Is(err, ErrInvalidCategorySearch) {
			t.Errorf("ValidateCategorySearch(%q) error = %v, want ErrInvalidCategorySearch", expr, err)
		}
	}
}

func TestInferIDsFromExternalIDs(t *testing.T) {
	src := NewMemorySource(labeling.Project{ID: "p1"},
		labeling.Asset{ID: "a1", ExternalID: "car_1"},
		labeling.Asset{ID: "a2", ExternalID: "car_2"},
		labeling.Asset{ID: "a3", ExternalID: "dup"},
		labeling.Asset{ID: "a4", ExternalID: "dup"},
	)
	ctx := context.Background()

	ids, err := InferIDsFromExternalIDs(ctx, src, "p1", []string{"car_2", "car_1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 2 || ids[0] != "a2" || ids[1] != "a1" {
		t.Errorf("ids = %v, want [a2 a1]", ids)
	}

	if _, err := InferIDsFromExternalIDs(ctx, src, "p1", []string{"car_1", "nope"}); !errors.Is(err, ErrUnknownExternalID) {
		t.Errorf("err = %v, want ErrUnknownExternalID", err)
	}
	if _, err := InferIDsFromExternalIDs(ctx, src, "p1", []string{"dup"}); err == nil {
		t.Error("expected error for ambiguous external id")
	}
}

func TestPaginate_StopsOnError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	seq := Paginate(context.Background(), QueryOptions{}, func(ctx context.Context, first, skip int) ([]int, error) {
		calls++
		if skip > 0 {
			return nil, boom
		}
		out := make([]int, first)
		return out, nil
	})

	n := 0
	var gotErr error
	for _, err := range seq {
		if err != nil {
			gotErr = err
			break
		}
		n++
	}
	if n != PageSize || !errors.Is(gotErr, boom) {
		t.Errorf("n = %d err = %v, want %d and boom", n, gotErr, PageSize)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestPaginate_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, err := range Paginate(ctx, QueryOptions{}, func(ctx context.Context, first, skip int) ([]int, error) {
		t.Fatal("fetch called with cancelled context")
		return nil, nil
	}) {
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	}
}
