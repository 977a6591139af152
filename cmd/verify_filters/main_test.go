package main

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/metadata"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/model"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/query"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/store"
)

func TestVerifierPassesOnMixedStorage(t *testing.T) {
	s := store.NewMemoryStore()
	car := model.Ref(fmt.Sprintf("%024x", 0xc0))
	metas := []model.Document{
		{"angle": "side", "view": "exterior", "movement": "static"},
		{"angle": "Side", "view": "Exterior"},
		{"angle": "side"},
		{"originalImage": model.Document{"metadata": model.Document{"angle": "SIDE", "view": "exterior"}}},
		{"angle": "front", "tod": "day"},
		{},
	}
	for i, m := range metas {
		doc := model.Document{"_id": model.Ref(fmt.Sprintf("%024x", i+1)), "carId": car, "metadata": m}
		if err := s.InsertImage(doc); err != nil {
			t.Fatalf("failed to seed: %v", err)
		}
	}

	vocab := metadata.DefaultVocabulary()
	v := &verifier{store: s, b: query.NewBuilder(vocab), vocab: vocab}
	checks, err := v.run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(checks) == 0 {
		t.Fatal("expected checks")
	}

	var buf bytes.Buffer
	if failed := report(&buf, checks); failed != 0 {
		t.Fatalf("expected all checks to pass, got %d failures:\n%s", failed, buf.String())
	}
	if !strings.Contains(buf.String(), "PASS  subset angle=side AND view=exterior") {
		t.Errorf("expected the angle=side chain in the report:\n%s", buf.String())
	}
}

func TestReportCountsFailures(t *testing.T) {
	var buf bytes.Buffer
	failed := report(&buf, []check{{Name: "a", Passed: true}, {Name: "b", Detail: "3 <= 2"}})
	if failed != 1 {
		t.Errorf("expected 1 failure, got %d", failed)
	}
	if !strings.Contains(buf.String(), "FAIL  b") {
		t.Errorf("expected FAIL line, got:\n%s", buf.String())
	}
}
