// Package fixture loads the small JSON fixture formats the CLI demo
// commands (cmd/npuwrun, cmd/npuwserve) use in place of a real upstream
// compiler and weights pipeline: a bank entry index paired with a raw
// weights file, and a flat list of global input tensors.
package fixture

import (
	"fmt"
	"os"
	"strings"

	gojson "github.com/goccy/go-json"

	"github.com/npuw-go/npuw/internal/bank"
	"github.com/npuw-go/npuw/internal/descriptor"
	"github.com/npuw-go/npuw/internal/descriptor/manifest"
	"github.com/npuw-go/npuw/internal/dtype"
	"github.com/npuw-go/npuw/internal/subrequest"
	"github.com/npuw-go/npuw/internal/subrequest/devicesim"
	"github.com/npuw-go/npuw/internal/tensor"
)

// BankEntryDoc mirrors bank.Entry in JSON-friendly shape (string dtype
// instead of dtype.DType), the same pattern internal/descriptor/manifest
// uses for its own closure tensor entries.
type BankEntryDoc struct {
	Name   string  `json:"name"`
	DType  string  `json:"dtype"`
	Shape  []int64 `json:"shape"`
	Offset int64   `json:"offset"`
	Size   int64   `json:"size"`
}

// InputDoc describes one global input tensor as flat, row-major f32 data.
// The CLI demo only exercises f32 inputs; a real device driver's
// subrequest contract is not restricted this way.
type InputDoc struct {
	Shape []int64   `json:"shape"`
	Data  []float32 `json:"data"`
}

// LoadBankEntries decodes a bank entry index fixture from path.
func LoadBankEntries(path string) ([]bank.Entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bank entries: %w", err)
	}
	var docs []BankEntryDoc
	if err := gojson.Unmarshal(raw, &docs); err != nil {
		return nil, fmt.Errorf("decode bank entries: %w", err)
	}
	entries := make([]bank.Entry, len(docs))
	for i, d := range docs {
		dt, err := ParseDType(d.DType)
		if err != nil {
			return nil, fmt.Errorf("bank entry %q: %w", d.Name, err)
		}
		entries[i] = bank.Entry{Name: d.Name, DType: dt, Shape: d.Shape, Offset: d.Offset, Size: d.Size}
	}
	return entries, nil
}

// LoadInputs decodes a global input tensors fixture from path.
func LoadInputs(path string) ([]tensor.Tensor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inputs: %w", err)
	}
	var docs []InputDoc
	if err := gojson.Unmarshal(raw, &docs); err != nil {
		return nil, fmt.Errorf("decode inputs: %w", err)
	}
	out := make([]tensor.Tensor, len(docs))
	for i, d := range docs {
		t := tensor.NewContiguous(dtype.F32, d.Shape)
		n := tensor.NumElements(d.Shape)
		if int64(len(d.Data)) != n {
			return nil, fmt.Errorf("input %d: shape has %d elements, data has %d", i, n, len(d.Data))
		}
		base := int(t.Base)
		for j, v := range d.Data {
			if err := dtype.PutF32(t.Data, dtype.F32, base+j*4, v); err != nil {
				return nil, fmt.Errorf("input %d: %w", i, err)
			}
		}
		out[i] = t
	}
	return out, nil
}

// ParseDType resolves the JSON string form of a dtype to its dtype.DType.
func ParseDType(s string) (dtype.DType, error) {
	for d := dtype.F32; d <= dtype.U4; d++ {
		if d.String() == s {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown dtype %q", s)
}

// OpenBank opens a weights bank from a (weightsPath, bankEntriesPath)
// pair, or returns an empty in-memory bank when either path is blank —
// the CLI demo's way of supporting manifests with no closures to
// resolve. The returned close func is nil when nothing needs closing.
func OpenBank(weightsPath, bankEntriesPath string) (*bank.Bank, func() error, error) {
	if weightsPath == "" || bankEntriesPath == "" {
		b, err := bank.OpenMemory(nil, nil)
		return b, nil, err
	}
	entries, err := LoadBankEntries(bankEntriesPath)
	if err != nil {
		return nil, nil, err
	}
	b, err := bank.Open(weightsPath, entries)
	if err != nil {
		return nil, nil, err
	}
	return b, b.Close, nil
}

// SplitDevices parses a comma-separated device list, trimming whitespace
// and skipping empty fields. It returns nil for a blank or all-empty
// input.
func SplitDevices(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, d := range strings.Split(s, ",") {
		d = strings.TrimSpace(d)
		if d != "" {
			out = append(out, d)
		}
	}
	return out
}

// BuildModel decodes a manifest fixture at manifestPath, opens its
// weights bank, and mints a devicesim.Compiler registering a compiled
// body for device plus every entry of failoverDevices for each
// submodel — the CLI demo's stand-in for a real upstream compiler. The
// returned close func (possibly nil) must be called once the model is
// no longer needed.
func BuildModel(manifestPath, weightsPath, bankEntriesPath, device, failoverDevices string) (descriptor.Model, *devicesim.Compiler, func() error, error) {
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return descriptor.Model{}, nil, nil, fmt.Errorf("read manifest: %w", err)
	}
	doc, err := manifest.Decode(raw)
	if err != nil {
		return descriptor.Model{}, nil, nil, fmt.Errorf("decode manifest: %w", err)
	}

	dir, closeBank, err := OpenBank(weightsPath, bankEntriesPath)
	if err != nil {
		return descriptor.Model{}, nil, nil, fmt.Errorf("open bank: %w", err)
	}

	compiler := devicesim.NewCompiler()
	alts := SplitDevices(failoverDevices)
	mint := func(idx int) (subrequest.CompiledModel, error) {
		sd := doc.Submodels[idx]
		n := min(sd.NumInputs, sd.NumOutputs)
		m := devicesim.New(device, sd.NumInputs, sd.NumOutputs, devicesim.Identity(n), nil)
		compiler.Register(idx, device, m)
		for _, alt := range alts {
			compiler.Register(idx, alt, devicesim.New(alt, sd.NumInputs, sd.NumOutputs, devicesim.Identity(n), nil))
		}
		return m, nil
	}

	model, err := manifest.Build(doc, dir, mint)
	if err != nil {
		if closeBank != nil {
			_ = closeBank()
		}
		return descriptor.Model{}, nil, nil, fmt.Errorf("build model: %w", err)
	}
	return model, compiler, closeBank, nil
}

// LoadGlobalInputs loads the global input tensors fixture at inputsPath,
// or synthesizes one zero-valued single-element F32 tensor per global
// input (one per ParamSubscribers entry) when inputsPath is blank.
func LoadGlobalInputs(model *descriptor.Model, inputsPath string) ([]tensor.Tensor, error) {
	if inputsPath != "" {
		return LoadInputs(inputsPath)
	}
	ins := make([]tensor.Tensor, len(model.Links.ParamSubscribers))
	for i := range ins {
		ins[i] = tensor.NewContiguous(dtype.F32, []int64{1})
	}
	return ins, nil
}
