package pipeline

import "github.com/npuw-go/npuw/internal/descriptor"

// topology records the funcall pipelining structure of a decomposed
// model (§4.5): for each body that function calls target, which call
// site is the head (its closure is preloaded once, up front, since it
// has no predecessor call to hide the refresh behind) and the
// predecessor/successor chain linking repeat calls to the same body.
type topology struct {
	// heads lists every funcall call-site index that is the first call
	// to its body.
	heads []int

	// pred[callSite] is the previous call site targeting the same body,
	// if any. step consults this to decide whether the next submodel's
	// closure refresh can be hidden behind this call's inference.
	pred map[int]int
}

// buildTopology scans model's submodels in index order and classifies
// every function-call slot as either a head (first call to its body) or
// a link in that body's call chain.
func buildTopology(model *descriptor.Model) topology {
	t := topology{
		pred: make(map[int]int),
	}

	firstSeen := make(map[int]int)
	lastSeen := make(map[int]int)

	for i := range model.Submodels {
		s := &model.Submodels[i]
		if !s.IsFuncall() {
			continue
		}
		body := s.BodyIndex()
		if _, ok := firstSeen[body]; !ok {
			firstSeen[body] = i
			t.heads = append(t.heads, i)
		} else {
			t.pred[i] = lastSeen[body]
		}
		lastSeen[body] = i
	}

	return t
}
