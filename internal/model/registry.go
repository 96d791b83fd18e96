package model

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"warpdrive-distill/internal/device"
)

// ErrUnknownKind is returned when a Spec or checkpoint names an architecture
// that was never registered.
var ErrUnknownKind = errors.New("model: unknown kind")

// Spec describes a classifier to build.
type Spec struct {
	Kind         string
	NumClasses   int
	InputSize    int
	Hidden       int
	LearningRate float64
	Seed         int64
}

// Builder constructs a freshly initialized classifier.
type Builder func(exec device.Context, spec Spec) Classifier

var builders = map[string]Builder{}

// Register adds a builder under kind. Registering the same kind twice fails.
func Register(kind string, b Builder) error {
	if kind == "" || b == nil {
		return errors.Errorf("model: cannot register kind %q with a nil builder", kind)
	}
	if _, ok := builders[kind]; ok {
		return errors.Errorf("model: kind %q already registered", kind)
	}
	builders[kind] = b
	return nil
}

// Kinds lists the registered architectures in sorted order.
func Kinds() []string {
	kinds := lo.Keys(builders)
	sort.Strings(kinds)
	return kinds
}

// New builds the classifier described by spec.
func New(exec device.Context, spec Spec) (Classifier, error) {
	b, ok := builders[spec.Kind]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownKind, "%q (known: %v)", spec.Kind, Kinds())
	}
	return b(exec, spec), nil
}

func init() {
	list := map[string]Builder{
		KindLinear: func(exec device.Context, s Spec) Classifier {
			return NewLinear(exec, s.NumClasses, s.InputSize, s.LearningRate, s.Seed)
		},
		KindMLP: func(exec device.Context, s Spec) Classifier {
			return NewMLP(exec, s.NumClasses, s.InputSize, s.Hidden, s.LearningRate, s.Seed)
		},
	}
	for kind, b := range list {
		if err := Register(kind, b); err != nil {
			panic(err.Error())
		}
	}
}
