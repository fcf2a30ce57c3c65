package adapter

import "testing"

type note struct {
	Text     string
	readOnly bool
}

func (n note) Clone() note { return note{Text: n.Text} }

func (n *note) SetReadOnly(ro bool) { n.readOnly = ro }
func (n *note) IsReadOnly() bool    { return n.readOnly }

func TestIdentityPassesThrough(t *testing.T) {
	id := NewIdentity[int]()
	if id.CommittedToWritable(7) != 7 {
		t.Fatalf("identity adapter must not transform the value")
	}
}

func TestCloningProducesIndependentCopies(t *testing.T) {
	c := NewCloning[note]()
	orig := note{Text: "a"}
	w := c.CommittedToWritable(orig)
	w.Text = "b"
	if orig.Text != "a" {
		t.Fatalf("mutating the writable copy must not affect the committed original")
	}
}

func TestSerializingRoundTripsThroughBytes(t *testing.T) {
	s := NewSerializing[note](nil, nil)
	orig := note{Text: "hello"}
	out := s.CommittedToWritable(orig)
	if out.Text != "hello" {
		t.Fatalf("expected round-tripped value to preserve fields, got %+v", out)
	}
}

func TestSerializingWithCompressors(t *testing.T) {
	for _, c := range []Compressor{NoCompression{}, Snappy{}, LZ4{}, ZSTD{}} {
		s := NewSerializing[note](nil, c)
		orig := note{Text: "round trip via " + c.Name()}
		out := s.CommittedToWritable(orig)
		if out.Text != orig.Text {
			t.Fatalf("%s: expected %q, got %q", c.Name(), orig.Text, out.Text)
		}
	}
}
