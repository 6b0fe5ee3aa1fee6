package descriptor

import "testing"

func TestDeviceIteratorAdvancesAndExhausts(t *testing.T) {
	it := NewDeviceIterator([]string{"npu", "gpu", "cpu"})
	if it.Current() != "npu" {
		t.Fatalf("Current() = %q, want npu", it.Current())
	}
	if !it.Advance() {
		t.Fatalf("Advance() = false, want true after first device")
	}
	if it.Current() != "gpu" {
		t.Fatalf("Current() = %q, want gpu", it.Current())
	}
	if it.Advance(); it.Current() != "cpu" {
		t.Fatalf("Current() = %q, want cpu", it.Current())
	}
	if it.Advance() {
		t.Fatalf("Advance() = true, want false once the list is exhausted")
	}
	if !it.Exhausted() {
		t.Fatalf("Exhausted() = false after consuming every device")
	}
	if it.Current() != "" {
		t.Fatalf("Current() = %q, want empty once exhausted", it.Current())
	}
}

func TestSpatialSpecValidateRejectsBadArithmetic(t *testing.T) {
	s := &SpatialSpec{Range: 10, Nway: 4, NwayIters: 2, TailSize: 1}
	if err := s.Validate(); err == nil {
		t.Fatalf("expected validation error for 4*2+1 != 10")
	}

	ok := &SpatialSpec{Range: 10, Nway: 4, NwayIters: 2, TailSize: 2}
	if err := ok.Validate(); err != nil {
		t.Fatalf("unexpected error for valid spec: %v", err)
	}

	tailTooBig := &SpatialSpec{Range: 8, Nway: 4, NwayIters: 1, TailSize: 4}
	if err := tailTooBig.Validate(); err == nil {
		t.Fatalf("expected validation error for tail_size == nway")
	}
}

func TestModelValidateCatchesForwardFuncallReference(t *testing.T) {
	j := 1
	m := &Model{
		Submodels: []Submodel{
			{Index: 0, ReplacedBy: &j},
			{Index: 1},
		},
	}
	if err := m.Validate(); err == nil {
		t.Fatalf("expected error: submodel 0 references later submodel 1")
	}
}

func TestModelValidateRejectsFuncallOfBodyWithoutCompiledModel(t *testing.T) {
	body := 0
	m := &Model{
		Submodels: []Submodel{
			{Index: 0, CompiledModel: nil},
			{Index: 1, ReplacedBy: &body},
		},
	}
	// body's CompiledModel is nil here on purpose to exercise the other
	// failure path.
	if err := m.Validate(); err == nil {
		t.Fatalf("expected error: body submodel 0 has no compiled model")
	}
}

func TestLinkRefIsNoLink(t *testing.T) {
	if !NoLink.IsNoLink() {
		t.Fatalf("NoLink.IsNoLink() = false")
	}
	present := LinkRef{SubIdx: 2, Idx: 1}
	if present.IsNoLink() {
		t.Fatalf("present.IsNoLink() = true")
	}
}

func TestSubmodelBodyIndex(t *testing.T) {
	body := 3
	funcall := Submodel{Index: 5, ReplacedBy: &body}
	if funcall.BodyIndex() != 3 {
		t.Fatalf("BodyIndex() = %d, want 3", funcall.BodyIndex())
	}
	if !funcall.IsFuncall() {
		t.Fatalf("IsFuncall() = false for a submodel with ReplacedBy set")
	}

	plain := Submodel{Index: 5}
	if plain.BodyIndex() != 5 {
		t.Fatalf("BodyIndex() = %d, want 5", plain.BodyIndex())
	}
	if plain.IsFuncall() {
		t.Fatalf("IsFuncall() = true for a submodel with no ReplacedBy")
	}
}
