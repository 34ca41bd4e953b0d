// Package sensitive holds byte buffers with key material.
//
// A Guard overwrites its contents whenever they are replaced or released and never
// renders them in logs or formatted output.
package sensitive

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
)

const redacted = "[sensitive]"

// Guard owns a copy of secret bytes. The zero value is an empty guard.
type Guard struct {
	data []byte
}

// New copies b into a new guard.
func New(b []byte) *Guard {
	g := new(Guard)
	g.Set(b)
	return g
}

// Wrap takes ownership of b without copying. The caller must not use b afterwards.
func Wrap(b []byte) *Guard {
	return &Guard{data: b}
}

// Concat returns a new guard holding the concatenation of all parts.
func Concat(parts ...*Guard) *Guard {
	n := 0
	for _, p := range parts {
		n += p.Len()
	}
	data := make([]byte, 0, n)
	for _, p := range parts {
		if p != nil {
			data = append(data, p.data...)
		}
	}
	return &Guard{data: data}
}

// Bytes returns the guarded slice. It is only valid until the next Set or Cleanse.
func (g *Guard) Bytes() []byte {
	if g == nil {
		return nil
	}
	return g.data
}

func (g *Guard) Len() int {
	if g == nil {
		return 0
	}
	return len(g.data)
}

func (g *Guard) Empty() bool {
	return g.Len() == 0
}

// Set cleanses the current contents and stores a copy of b.
func (g *Guard) Set(b []byte) {
	g.Cleanse()
	if len(b) == 0 {
		return
	}
	g.data = make([]byte, len(b))
	copy(g.data, b)
}

// Cleanse overwrites the contents with zeros and releases them.
func (g *Guard) Cleanse() {
	if g == nil {
		return
	}
	clear(g.data)
	g.data = nil
}

// Clone returns an independent copy.
func (g *Guard) Clone() *Guard {
	return New(g.Bytes())
}

// Equal compares in constant time.
func (g *Guard) Equal(other *Guard) bool {
	return subtle.ConstantTimeCompare(g.Bytes(), other.Bytes()) == 1
}

func (g *Guard) String() string {
	return redacted
}

func (g *Guard) GoString() string {
	return redacted
}

func (g *Guard) Format(f fmt.State, _ rune) {
	fmt.Fprint(f, redacted)
}

func (g *Guard) LogValue() slog.Value {
	return slog.StringValue(redacted)
}

// Cleanse zeroes b in place. For plain slices that held secrets.
func Cleanse(b []byte) {
	clear(b)
}
