// MIT License
//
// # Copyright (c) 2023 Jimmy Fjällid
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.
package dcerpc

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Interface describes an RPC interface reachable over a named pipe.
type Interface struct {
	Name   string
	Pipe   string
	Syntax SyntaxID
}

// Registry maps interface names to their pipe and abstract syntax. It is
// safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	items map[string]Interface
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[string]Interface)}
}

// Register adds or replaces an interface. id is the interface UUID and
// version the "major.minor" version string.
func (r *Registry) Register(name, pipe, id, version string) error {
	u, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid interface uuid %q: %w", id, err)
	}
	var major, minor uint16
	if _, err := fmt.Sscanf(version, "%d.%d", &major, &minor); err != nil {
		return fmt.Errorf("invalid interface version %q: %w", version, err)
	}
	r.Add(Interface{Name: name, Pipe: pipe, Syntax: NewSyntaxID(u, major, minor)})
	return nil
}

func (r *Registry) Add(i Interface) {
	r.mu.Lock()
	r.items[strings.ToLower(i.Name)] = i
	r.mu.Unlock()
}

func (r *Registry) Lookup(name string) (Interface, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.items[strings.ToLower(name)]
	if !ok {
		return Interface{}, fmt.Errorf("%w: %s", ErrUnknownInterface, name)
	}
	return i, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.items))
	for k := range r.items {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

var builtin = []struct {
	name, pipe, id, version string
}{
	{"lsarpc", `\PIPE\lsarpc`, "12345778-1234-abcd-ef00-0123456789ab", "0.0"},
	{"srvsvc", `\PIPE\srvsvc`, "4b324fc8-1670-01d3-1278-5a47bf6ee188", "3.0"},
	{"samr", `\PIPE\samr`, "12345778-1234-abcd-ef00-0123456789ac", "1.0"},
	{"netdfs", `\PIPE\netdfs`, "4fc742e0-4a10-11cf-8273-00aa004ae673", "3.0"},
	{"svcctl", `\PIPE\svcctl`, "367abb81-9844-35f1-ad32-98f038001003", "2.0"},
	{"winreg", `\PIPE\winreg`, "338cd001-2244-31f1-aaaa-900038001003", "1.0"},
	{"wkssvc", `\PIPE\wkssvc`, "6bffd098-a112-3610-9833-46c3f87e345a", "1.0"},
}

// DefaultRegistry returns a new registry holding the built-in interfaces.
// Callers may add to it without affecting other registries.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, b := range builtin {
		if err := r.Register(b.name, b.pipe, b.id, b.version); err != nil {
			panic(err)
		}
	}
	return r
}
