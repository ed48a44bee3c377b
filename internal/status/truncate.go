package status

import (
	"encoding/json"
	"sort"
)

// renderAgentDocument produces the size-bounded rendering. complete is the
// already-serialized full document, reused to avoid one redundant marshal.
//
// Truncation binary-searches the largest retained prefix of each oversized
// patches array against the real serialized size, so only O(log n)
// candidate lengths are ever re-serialized. The assessment array gives way
// first; installation records carry in-flight state and are kept longest.
// Configured floors win over the byte target: if the floors alone cannot
// fit, the overage is accepted.
func (h *Handler) renderAgentDocument(complete []byte) ([]byte, int, int, error) {
	lenA := h.assessment.len()
	lenI := h.installation.len()

	if !h.opts.TruncationEnabled || len(complete) <= h.opts.TargetStatusBytes {
		return complete, 0, 0, nil
	}

	minA := min(h.opts.MinAssessmentPatches, lenA)
	minI := min(h.opts.MinInstallationPatches, lenI)

	fits := func(kA, kI int) (bool, []byte) {
		data, err := json.Marshal(h.compose(kA, kI, true))
		if err != nil {
			return false, nil
		}
		return len(data) <= h.opts.TargetStatusBytes, data
	}

	// Drop assessment entries from the tail first, installation kept whole.
	var rendered []byte
	dropA := sort.Search(lenA-minA+1, func(d int) bool {
		ok, data := fits(lenA-d, lenI)
		if ok {
			rendered = data
		}
		return ok
	})
	if dropA <= lenA-minA {
		return rendered, dropA, 0, nil
	}

	// Assessment is at its floor; truncate installation next.
	kA := minA
	dropI := sort.Search(lenI-minI+1, func(d int) bool {
		ok, data := fits(kA, lenI-d)
		if ok {
			rendered = data
		}
		return ok
	})
	if dropI <= lenI-minI {
		return rendered, lenA - kA, dropI, nil
	}

	// Even the floors cannot fit under the target; accept the overage.
	data, err := json.Marshal(h.compose(kA, minI, true))
	if err != nil {
		return nil, 0, 0, err
	}
	return data, lenA - kA, lenI - minI, nil
}
