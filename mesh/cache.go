package mesh

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// DefaultAlignmentCachePath is the default path for the last alignment result
const DefaultAlignmentCachePath = ".alignment-cache.json"

// AlignmentCache persists the most recent alignment run between restarts
type AlignmentCache struct {
	Result      *AlignmentResult `json:"result"`
	LastUpdated int64            `json:"lastUpdated"`
}

// NewAlignmentCache wraps a result for persistence
func NewAlignmentCache(result *AlignmentResult) *AlignmentCache {
	return &AlignmentCache{Result: result, LastUpdated: time.Now().Unix()}
}

// LoadAlignmentCache loads the alignment cache from a JSON file.
// A missing file is not an error; it returns nil, nil.
func LoadAlignmentCache(path string) (*AlignmentCache, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // No alignment yet
		}
		return nil, fmt.Errorf("reading alignment cache: %w", err)
	}

	var cache AlignmentCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, fmt.Errorf("parsing alignment cache: %w", err)
	}

	return &cache, nil
}

// SaveAlignmentCache saves the alignment cache to a JSON file
func SaveAlignmentCache(path string, cache *AlignmentCache) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}

	cache.LastUpdated = time.Now().Unix()

	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling alignment cache: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing alignment cache: %w", err)
	}

	return nil
}

// GetTransform retrieves the cached transform for an object.
// Returns identity if not found.
func (c *AlignmentCache) GetTransform(name string) SimilarityTransform {
	if c == nil || c.Result == nil {
		return IdentityTransform()
	}
	t, _ := c.Result.Transform(name)
	return t
}

// AlignmentStatus provides status information about the cached alignment
type AlignmentStatus struct {
	RunID          string        `json:"runId,omitempty"`
	Mode           AlignmentMode `json:"mode,omitempty"`
	Reference      string        `json:"reference,omitempty"`
	AlignedObjects []string      `json:"alignedObjects"`
	MissingObjects []string      `json:"missingObjects"`
	Converged      bool          `json:"converged"`
	LastUpdated    time.Time     `json:"lastUpdated"`
}

// GetStatus reports which of the expected objects the cached run covers
func (c *AlignmentCache) GetStatus(expectedObjects []string) AlignmentStatus {
	status := AlignmentStatus{}

	if c == nil || c.Result == nil {
		status.MissingObjects = expectedObjects
		return status
	}

	status.RunID = c.Result.RunID
	status.Mode = c.Result.Mode
	status.Reference = c.Result.Reference
	status.Converged = c.Result.Converged
	status.LastUpdated = time.Unix(c.LastUpdated, 0)

	aligned := make(map[string]bool)
	for _, oa := range c.Result.Objects {
		status.AlignedObjects = append(status.AlignedObjects, oa.Name)
		aligned[oa.Name] = true
	}
	sort.Strings(status.AlignedObjects)

	for _, name := range expectedObjects {
		if !aligned[name] {
			status.MissingObjects = append(status.MissingObjects, name)
		}
	}

	return status
}

// NeedsRealignment checks if the cached alignment should be refreshed
func (c *AlignmentCache) NeedsRealignment(maxAge time.Duration) bool {
	if c == nil || c.Result == nil || c.LastUpdated == 0 {
		return true
	}
	return time.Since(time.Unix(c.LastUpdated, 0)) > maxAge
}
