package trigger

import "testing"

func TestDetectFromSignature(t *testing.T) {
	if DetectFromSignature("wm_trigger") != ShapeV1 {
		t.Fatal("expected ShapeV1 for bare wm_trigger arg")
	}
	if DetectFromSignature("x") != ShapeV2 {
		t.Fatal("expected ShapeV2 for any other first arg")
	}
}

func TestShapeDetectorCachesResult(t *testing.T) {
	d := NewShapeDetector(10)
	defer d.Close()

	calls := 0
	detect := func() Shape {
		calls++
		return ShapeV1
	}

	if got := d.Detect("v1", detect); got != ShapeV1 {
		t.Fatalf("got %v, want ShapeV1", got)
	}
	if got := d.Detect("v1", detect); got != ShapeV1 {
		t.Fatalf("got %v, want ShapeV1", got)
	}
	if calls != 1 {
		t.Fatalf("detect func called %d times, want 1 (second lookup should hit cache)", calls)
	}
}
