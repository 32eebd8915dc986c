package intake

// Value is a raw form value: either a Scalar (the field appeared once) or a
// Sequence (the field appeared more than once). The set of implementations is
// closed; consumers resolve it with a type switch.
type Value interface {
	isValue()
}

// Scalar is a field that appeared exactly once in the request body.
type Scalar string

// Sequence holds every occurrence of a repeated field, in body order.
type Sequence []string

func (Scalar) isValue()   {}
func (Sequence) isValue() {}

// Fields maps form field names to their raw values.
type Fields map[string]Value

// Add records one occurrence of name. A second occurrence promotes the field
// from Scalar to Sequence.
func (f Fields) Add(name, value string) {
	switch existing := f[name].(type) {
	case nil:
		f[name] = Scalar(value)
	case Scalar:
		f[name] = Sequence{string(existing), value}
	case Sequence:
		f[name] = append(existing, value)
	}
}
