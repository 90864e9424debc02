// Package ortinput converts tokenizer batches into onnxruntime_go tensors for
// the Japanese CLIP text encoder.
package ortinput

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"

	jaclip "github.com/amikos-tech/jaclip-tokenizers"
)

// EnvSharedLibraryPath points Init at the onnxruntime shared library.
const EnvSharedLibraryPath = "ONNXRUNTIME_SHARED_LIBRARY_PATH"

// DefaultInputNames is the input order of the exported text encoder.
var DefaultInputNames = []string{jaclip.KeyInputIDs, jaclip.KeyAttentionMask, jaclip.KeyPositionIDs}

var initMu sync.Mutex

// Init initializes the onnxruntime environment once. An empty libPath falls
// back to EnvSharedLibraryPath, then to the onnxruntime_go default.
func Init(libPath string) error {
	initMu.Lock()
	defer initMu.Unlock()
	if ort.IsInitialized() {
		return nil
	}
	if libPath == "" {
		libPath = os.Getenv(EnvSharedLibraryPath)
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrap(err, "failed to initialize onnxruntime")
	}
	return nil
}

// Inputs owns one int64 tensor per batch field.
type Inputs struct {
	tensors map[string]*ort.Tensor[int64]
}

// New copies the batch into onnxruntime tensors. The environment must be
// initialized, see Init. The caller must call Destroy.
func New(b *jaclip.Batch) (*Inputs, error) {
	if b == nil || b.Len() == 0 {
		return nil, errors.New("batch cannot be empty")
	}
	if !ort.IsInitialized() {
		return nil, errors.New("onnxruntime environment is not initialized")
	}
	in := &Inputs{tensors: make(map[string]*ort.Tensor[int64], 3)}
	for name, t := range b.Named() {
		if t == nil {
			_ = in.Destroy()
			return nil, errors.Errorf("batch has no %s tensor", name)
		}
		data := make([]int64, len(t.Data()))
		copy(data, t.Data())
		tensor, err := ort.NewTensor(ort.NewShape(int64(t.Rows()), int64(t.Cols())), data)
		if err != nil {
			_ = in.Destroy()
			return nil, errors.Wrapf(err, "failed to create %s tensor", name)
		}
		in.tensors[name] = tensor
	}
	return in, nil
}

// Tensor returns the tensor for an input name.
func (in *Inputs) Tensor(name string) (*ort.Tensor[int64], bool) {
	t, ok := in.tensors[name]
	return t, ok
}

// Values returns the tensors in the order of names, ready to pass to
// DynamicAdvancedSession.Run. No names means DefaultInputNames.
func (in *Inputs) Values(names ...string) ([]ort.Value, error) {
	if len(names) == 0 {
		names = DefaultInputNames
	}
	out := make([]ort.Value, 0, len(names))
	for _, name := range names {
		t, ok := in.tensors[name]
		if !ok {
			return nil, errors.Errorf("unknown input: %s", name)
		}
		out = append(out, t)
	}
	return out, nil
}

// Destroy releases every tensor. It is safe to call more than once.
func (in *Inputs) Destroy() error {
	var first error
	for name, t := range in.tensors {
		if err := t.Destroy(); err != nil && first == nil {
			first = errors.Wrapf(err, "failed to destroy %s tensor", name)
		}
		delete(in.tensors, name)
	}
	return first
}
