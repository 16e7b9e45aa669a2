package clustering

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

const hashPrecision = 1000

// hashPayload is the committed form of a cluster. Field order is part of the
// hash.
type hashPayload struct {
	ID            int       `json:"id"`
	SubmissionIDs []string  `json:"submissionIds"`
	Centroid      []float64 `json:"centroid"`
}

// Hash returns the hex sha256 of the cluster's canonical JSON: its id, member
// ids sorted, and centroid coordinates rounded half-up to 3 decimals.
func Hash(c Cluster) string {
	ids := append([]string{}, c.SubmissionIDs...)
	sort.Strings(ids)

	centroid := make([]float64, len(c.Centroid))
	for i, v := range c.Centroid {
		centroid[i] = round3(v)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(hashPayload{ID: c.ID, SubmissionIDs: ids, Centroid: centroid}); err != nil {
		// round3 keeps every coordinate finite, so this is a programming error
		panic(fmt.Sprintf("clustering: encode cluster %d: %v", c.ID, err))
	}

	sum := sha256.Sum256(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
	return hex.EncodeToString(sum[:])
}

// DominantHash returns the hash of the dominant cluster, or "" when there is none.
func (r *Result) DominantHash() string {
	c, ok := r.Dominant()
	if !ok {
		return ""
	}
	return Hash(c)
}

// round3 rounds half towards +Inf at 3 decimals and folds -0 into 0. Values
// too large to scale have no fractional digits and are returned unchanged.
func round3(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	if math.Abs(v) > math.MaxFloat64/hashPrecision {
		return v
	}
	r := math.Floor(v*hashPrecision+0.5) / hashPrecision
	if r == 0 {
		return 0
	}
	return r
}
