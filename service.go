package ttrpc

import (
	"github.com/sirupsen/logrus"
)

// ServiceDesc is a named group of Methods (§4.9), the server-side analogue of
// the client's (service, method) path pair used by Call/NewStream.
type ServiceDesc struct {
	Name    string
	Methods map[string]Method
}

// serviceRegistry holds every ServiceDesc a Server has been given, keyed by
// full path ("/service/method"), flattened at Register time so dispatch is
// a single map lookup per call (§4.7 "method lookup").
type serviceRegistry struct {
	methods map[string]Method
	log     logrus.FieldLogger
}

func newServiceRegistry(log logrus.FieldLogger) *serviceRegistry {
	return &serviceRegistry{methods: make(map[string]Method), log: log}
}

// register merges desc's methods into the registry. A path already claimed
// by an earlier Register call is overwritten; last registration wins, and
// the collision is logged rather than treated as fatal, matching how the
// rest of this package favors availability over strict registration
// checking (§4.9).
func (r *serviceRegistry) register(desc *ServiceDesc) {
	for name, m := range desc.Methods {
		path := "/" + desc.Name + "/" + name
		if _, exists := r.methods[path]; exists {
			r.log.Warnf("ttrpc: method %s registered more than once, keeping the last registration", path)
		}
		r.methods[path] = m
	}
}

func (r *serviceRegistry) lookup(path string) (Method, bool) {
	m, ok := r.methods[path]
	return m, ok
}
