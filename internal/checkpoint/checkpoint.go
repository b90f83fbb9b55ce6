// Package checkpoint reads PyTorch state dictionaries far enough to validate
// them before a model runtime loads the weights: key layout, tensor shapes and
// scalar entries such as scale_factor.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/nlpodyssey/gopickle/pickle"
	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

// ErrMissingKey is returned when a required entry is absent.
var ErrMissingKey = errors.New("checkpoint key missing")

// Tensor describes one stored tensor. Value is set for single element
// tensors with a float storage.
type Tensor struct {
	Shape []int
	Value *float64
}

// StateDict is an ordered view of a checkpoint dictionary. Values are
// *StateDict, Tensor, float64, int, bool or string.
type StateDict struct {
	Path   string
	keys   []string
	values map[string]any
}

// Load reads a checkpoint saved with torch.save. Plain pickle files are
// accepted as well.
func Load(path string) (*StateDict, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	obj, err := pytorch.Load(path)
	if err != nil {
		plain, perr := pickle.Load(path)
		if perr != nil {
			return nil, fmt.Errorf("load checkpoint %s: %w", path, err)
		}
		obj = plain
	}
	value, err := convert(obj)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", path, err)
	}
	sd, ok := value.(*StateDict)
	if !ok {
		return nil, fmt.Errorf("load checkpoint %s: top level is %T, not a dictionary", path, obj)
	}
	sd.setPath(path)
	return sd, nil
}

func (s *StateDict) setPath(path string) {
	s.Path = path
	for _, v := range s.values {
		if child, ok := v.(*StateDict); ok {
			child.setPath(path)
		}
	}
}

// Len returns the number of top level entries.
func (s *StateDict) Len() int { return len(s.keys) }

// Keys returns the entry names in file order.
func (s *StateDict) Keys() []string { return slices.Clone(s.keys) }

// Get returns the raw entry for key.
func (s *StateDict) Get(key string) (any, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Select unwraps a nested dictionary stored under key. When key is empty or
// absent the receiver is returned unchanged.
func (s *StateDict) Select(key string) *StateDict {
	if key == "" {
		return s
	}
	if child, ok := s.values[key].(*StateDict); ok {
		return child
	}
	return s
}

// Require returns the nested dictionary stored under key.
func (s *StateDict) Require(key string) (*StateDict, error) {
	v, ok := s.values[key]
	if !ok {
		return nil, fmt.Errorf("%s: %q: %w", s.Path, key, ErrMissingKey)
	}
	child, ok := v.(*StateDict)
	if !ok {
		return nil, fmt.Errorf("%s: %q holds %T, not a dictionary", s.Path, key, v)
	}
	return child, nil
}

// Scalar reads a numeric entry, accepting python numbers and single element
// tensors.
func (s *StateDict) Scalar(key string) (float64, error) {
	v, ok := s.values[key]
	if !ok {
		return 0, fmt.Errorf("%s: %q: %w", s.Path, key, ErrMissingKey)
	}
	switch val := v.(type) {
	case float64:
		return val, nil
	case int:
		return float64(val), nil
	case Tensor:
		if val.Value != nil {
			return *val.Value, nil
		}
		return 0, fmt.Errorf("%s: %q is a tensor of shape %v, not a scalar", s.Path, key, val.Shape)
	default:
		return 0, fmt.Errorf("%s: %q holds %T, not a number", s.Path, key, v)
	}
}

// TensorCount counts tensors in this dictionary and every nested one.
func (s *StateDict) TensorCount() int {
	n := 0
	for _, v := range s.values {
		switch val := v.(type) {
		case Tensor:
			n++
		case *StateDict:
			n += val.TensorCount()
		}
	}
	return n
}

func convert(obj any) (any, error) {
	switch val := obj.(type) {
	case *types.Dict:
		sd := &StateDict{values: map[string]any{}}
		for _, k := range val.Keys() {
			if err := sd.add(k, val.MustGet(k)); err != nil {
				return nil, err
			}
		}
		return sd, nil
	case *types.OrderedDict:
		sd := &StateDict{values: map[string]any{}}
		for e := val.List.Front(); e != nil; e = e.Next() {
			entry := e.Value.(*types.OrderedDictEntry)
			if err := sd.add(entry.Key, entry.Value); err != nil {
				return nil, err
			}
		}
		return sd, nil
	case *pytorch.Tensor:
		return tensorOf(val), nil
	case float64, int, bool, string:
		return val, nil
	case nil:
		return nil, nil
	default:
		return fmt.Sprintf("%T", obj), nil
	}
}

func (s *StateDict) add(key, value any) error {
	name, ok := key.(string)
	if !ok {
		name = fmt.Sprint(key)
	}
	v, err := convert(value)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if _, dup := s.values[name]; !dup {
		s.keys = append(s.keys, name)
	}
	s.values[name] = v
	return nil
}

func tensorOf(t *pytorch.Tensor) Tensor {
	out := Tensor{Shape: slices.Clone(t.Size)}
	numel := 1
	for _, d := range t.Size {
		numel *= d
	}
	if numel != 1 {
		return out
	}
	var v float64
	switch src := t.Source.(type) {
	case *pytorch.FloatStorage:
		v = float64(src.Data[t.StorageOffset])
	case *pytorch.DoubleStorage:
		v = src.Data[t.StorageOffset]
	case *pytorch.HalfStorage:
		v = float64(src.Data[t.StorageOffset])
	case *pytorch.BFloat16Storage:
		v = float64(src.Data[t.StorageOffset])
	default:
		return out
	}
	out.Value = &v
	return out
}
