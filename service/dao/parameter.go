package dao

// Parameter narrows a List call, e.g. by state. The memory store returns
// everything; filtering implementations interpret parameters themselves.
type Parameter struct {
	Name  string
	Value interface{}
}
