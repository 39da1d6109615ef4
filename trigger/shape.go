package trigger

import (
	"time"

	"github.com/jobctl/orchestrator/store/cache"
)

// Shape is the runnable's trigger-argument signature: v1 passed a
// single positional wm_trigger object, v2 expects the preprocessor
// module to receive it instead (§4.4).
type Shape int

const (
	ShapeV2 Shape = iota // no bare wm_trigger arg, preprocessor handles it
	ShapeV1              // legacy bare wm_trigger first positional arg
)

// shapeCacheTTL matches the ai/cache/lru.go default TTL the teacher
// uses for similarly low-churn signature lookups.
const shapeCacheTTL = 5 * time.Minute

// ShapeDetector caches the detected argument shape per runnable
// version, since re-parsing a script's signature on every trigger fire
// would be wasted work for a value that only changes on redeploy.
type ShapeDetector struct {
	cache *cache.Cache
}

// NewShapeDetector builds a detector backed by a bounded TTL cache.
func NewShapeDetector(maxItems int) *ShapeDetector {
	return &ShapeDetector{cache: cache.New(cache.Config{
		DefaultTTL: shapeCacheTTL,
		MaxItems:   maxItems,
	})}
}

// Detect returns the cached shape for runnableVersion, computing it via
// detect and caching the result if this is the first lookup.
func (d *ShapeDetector) Detect(runnableVersion string, detect func() Shape) Shape {
	if v, ok := d.cache.Get(runnableVersion); ok {
		return v.(Shape)
	}
	shape := detect()
	d.cache.Set(runnableVersion, shape)
	return shape
}

// Close stops the detector's background cache cleanup goroutine.
func (d *ShapeDetector) Close() {
	d.cache.Close()
}

// DetectFromSignature inspects a runnable's first positional argument
// name to tell v1 (bare "wm_trigger" argument) from v2 (no such
// argument; the preprocessor module receives it instead).
func DetectFromSignature(firstArgName string) Shape {
	if firstArgName == "wm_trigger" {
		return ShapeV1
	}
	return ShapeV2
}
