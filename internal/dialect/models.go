package dialect

import "strings"

type refKind int

const (
	refNamed refKind = iota
	refIdentified
)

// ModelRef is a model advertised by a server. Ollama lists models by name,
// OpenAI-compatible servers by id; String returns whichever was given.
type ModelRef struct {
	kind  refKind
	value string
}

// Named builds a reference from an Ollama-style model name.
func Named(name string) ModelRef {
	return ModelRef{kind: refNamed, value: name}
}

// Identified builds a reference from an OpenAI-style model id.
func Identified(id string) ModelRef {
	return ModelRef{kind: refIdentified, value: id}
}

func (m ModelRef) String() string {
	return m.value
}

// IsNamed reports whether the reference came from a name rather than an id.
func (m ModelRef) IsNamed() bool {
	return m.kind == refNamed
}

// ContainsModel reports whether refs advertise model. Ollama names without a
// tag match their ":latest" form.
func ContainsModel(refs []ModelRef, model string) bool {
	model = strings.TrimSpace(model)
	if model == "" {
		return false
	}
	for _, ref := range refs {
		value := ref.String()
		if value == model {
			return true
		}
		if ref.IsNamed() && !strings.Contains(model, ":") && value == model+":latest" {
			return true
		}
	}
	return false
}

// ModelNames flattens refs to their string form.
func ModelNames(refs []ModelRef) []string {
	names := make([]string, 0, len(refs))
	for _, ref := range refs {
		names = append(names, ref.String())
	}
	return names
}
