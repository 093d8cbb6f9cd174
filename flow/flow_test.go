package flow

import (
	"errors"
	"testing"
)

// portSpec is shorthand for declaring test node ports.
type portSpec struct {
	id        string
	direction Direction
	kind      Kind
}

func newTestNode(t *testing.T, id string, ports ...portSpec) Node {
	t.Helper()
	n := NewFuncNode(id, "test:node", nil)
	built := make([]*Port, 0, len(ports))
	for _, ps := range ports {
		built = append(built, NewPort(ps.id, ps.direction, &Config{Kind: ps.kind}))
	}
	if err := n.Initialize(built); err != nil {
		t.Fatalf("initialize %s: %v", id, err)
	}
	return n
}

func mustAddNode(t *testing.T, f *Flow, n Node) {
	t.Helper()
	if err := f.AddNode(n); err != nil {
		t.Fatalf("add node %s: %v", n.ID(), err)
	}
}

func mustAddEdge(t *testing.T, f *Flow, srcNode, srcPort, tgtNode, tgtPort string) {
	t.Helper()
	err := f.AddEdge(&Edge{
		Source: Endpoint{NodeID: srcNode, PortID: srcPort},
		Target: Endpoint{NodeID: tgtNode, PortID: tgtPort},
		Status: EdgeActive,
	})
	if err != nil {
		t.Fatalf("add edge %s.%s -> %s.%s: %v", srcNode, srcPort, tgtNode, tgtPort, err)
	}
}

func TestAddNode(t *testing.T) {
	f := New("f1", FlowMetadata{Name: "test"})

	n := newTestNode(t, "a", portSpec{"out", Output, KindString})
	mustAddNode(t, f, n)

	t.Run("duplicate id rejected", func(t *testing.T) {
		dup := newTestNode(t, "a")
		err := f.AddNode(dup)
		if !errors.Is(err, ErrDuplicateNode) {
			t.Fatalf("err = %v, want ErrDuplicateNode", err)
		}
	})

	t.Run("nil node rejected", func(t *testing.T) {
		if err := f.AddNode(nil); err == nil {
			t.Fatal("nil node accepted")
		}
	})

	t.Run("empty id rejected", func(t *testing.T) {
		if err := f.AddNode(newTestNode(t, "")); err == nil {
			t.Fatal("empty node id accepted")
		}
	})
}

func TestAddEdgeValidation(t *testing.T) {
	build := func(t *testing.T) *Flow {
		f := New("f1", FlowMetadata{})
		mustAddNode(t, f, newTestNode(t, "a",
			portSpec{"out", Output, KindString},
			portSpec{"num", Output, KindNumber},
			portSpec{"in", Input, KindString},
			portSpec{"sys", System, KindString},
		))
		mustAddNode(t, f, newTestNode(t, "b",
			portSpec{"in", Input, KindString},
			portSpec{"out", Output, KindString},
		))
		return f
	}

	tests := []struct {
		name string
		edge *Edge
	}{
		{"missing source node", &Edge{Source: Endpoint{"ghost", "out"}, Target: Endpoint{"b", "in"}}},
		{"missing source port", &Edge{Source: Endpoint{"a", "ghost"}, Target: Endpoint{"b", "in"}}},
		{"missing target node", &Edge{Source: Endpoint{"a", "out"}, Target: Endpoint{"ghost", "in"}}},
		{"missing target port", &Edge{Source: Endpoint{"a", "out"}, Target: Endpoint{"b", "ghost"}}},
		{"input cannot source", &Edge{Source: Endpoint{"a", "in"}, Target: Endpoint{"b", "in"}}},
		{"output cannot terminate", &Edge{Source: Endpoint{"a", "out"}, Target: Endpoint{"b", "out"}}},
		{"system port cannot source", &Edge{Source: Endpoint{"a", "sys"}, Target: Endpoint{"b", "in"}}},
		{"incompatible kinds", &Edge{Source: Endpoint{"a", "num"}, Target: Endpoint{"b", "in"}}},
		{"self loop on one port", &Edge{Source: Endpoint{"a", "out"}, Target: Endpoint{"a", "out"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := build(t)
			err := f.AddEdge(tt.edge)
			if !errors.Is(err, ErrInvalidEdge) {
				t.Fatalf("err = %v, want ErrInvalidEdge", err)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %T, want *ValidationError", err)
			}
		})
	}

	t.Run("valid edge accepted", func(t *testing.T) {
		f := build(t)
		mustAddEdge(t, f, "a", "out", "b", "in")
		if got := len(f.Edges()); got != 1 {
			t.Fatalf("edge count = %d", got)
		}
	})

	t.Run("secret flows into string", func(t *testing.T) {
		f := New("f1", FlowMetadata{})
		mustAddNode(t, f, newTestNode(t, "vault", portSpec{"token", Output, KindSecret}))
		mustAddNode(t, f, newTestNode(t, "http", portSpec{"auth", Input, KindString}))
		mustAddEdge(t, f, "vault", "token", "http", "auth")
	})

	t.Run("empty status defaults to active", func(t *testing.T) {
		f := build(t)
		e := &Edge{Source: Endpoint{"a", "out"}, Target: Endpoint{"b", "in"}}
		if err := f.AddEdge(e); err != nil {
			t.Fatalf("add edge: %v", err)
		}
		if !e.Active() {
			t.Fatalf("edge status = %q, want active", e.Status)
		}
	})
}

func TestAnyPortRecordsUnderlying(t *testing.T) {
	f := New("f1", FlowMetadata{})
	mustAddNode(t, f, newTestNode(t, "src", portSpec{"out", Output, KindString}))
	mustAddNode(t, f, newTestNode(t, "mid", portSpec{"in", Input, KindAny}))
	mustAddEdge(t, f, "src", "out", "mid", "in")

	mid, _ := f.Node("mid")
	in, _ := mid.Port("in")
	if got := in.Config().EffectiveKind(); got != KindString {
		t.Fatalf("underlying kind = %s, want string", got)
	}
}

func TestRemoveNodeDropsEdges(t *testing.T) {
	f := New("f1", FlowMetadata{})
	mustAddNode(t, f, newTestNode(t, "a", portSpec{"out", Output, KindString}))
	mustAddNode(t, f, newTestNode(t, "b",
		portSpec{"in", Input, KindString},
		portSpec{"out", Output, KindString},
	))
	mustAddNode(t, f, newTestNode(t, "c", portSpec{"in", Input, KindString}))
	mustAddEdge(t, f, "a", "out", "b", "in")
	mustAddEdge(t, f, "b", "out", "c", "in")

	if err := f.RemoveNode("b"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got := len(f.Edges()); got != 0 {
		t.Fatalf("edges after removal = %d, want 0", got)
	}
	if _, ok := f.Node("b"); ok {
		t.Fatal("node b still present")
	}
	if err := f.RemoveNode("b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second removal err = %v, want ErrNotFound", err)
	}
}

func TestValidateRejectsCycle(t *testing.T) {
	f := New("f1", FlowMetadata{})
	for _, id := range []string{"a", "b", "c"} {
		mustAddNode(t, f, newTestNode(t, id,
			portSpec{"in", Input, KindString},
			portSpec{"out", Output, KindString},
		))
	}
	mustAddEdge(t, f, "a", "out", "b", "in")
	mustAddEdge(t, f, "b", "out", "c", "in")
	mustAddEdge(t, f, "c", "out", "a", "in")

	if err := f.Validate(); !errors.Is(err, ErrCycle) {
		t.Fatalf("err = %v, want ErrCycle", err)
	}

	t.Run("inactive back-edge breaks the cycle", func(t *testing.T) {
		if err := f.RemoveEdge(Endpoint{"c", "out"}, Endpoint{"a", "in"}); err != nil {
			t.Fatalf("remove edge: %v", err)
		}
		err := f.AddEdge(&Edge{
			Source: Endpoint{NodeID: "c", PortID: "out"},
			Target: Endpoint{NodeID: "a", PortID: "in"},
			Status: EdgeInactive,
		})
		if err != nil {
			t.Fatalf("add inactive edge: %v", err)
		}
		if err := f.Validate(); err != nil {
			t.Fatalf("validate with inactive back-edge: %v", err)
		}
	})
}

func TestEdgeQueries(t *testing.T) {
	f := New("f1", FlowMetadata{})
	mustAddNode(t, f, newTestNode(t, "a", portSpec{"out", Output, KindString}))
	mustAddNode(t, f, newTestNode(t, "b", portSpec{"in", Input, KindString}))
	mustAddNode(t, f, newTestNode(t, "c", portSpec{"in", Input, KindString}))
	mustAddEdge(t, f, "a", "out", "b", "in")
	mustAddEdge(t, f, "a", "out", "c", "in")

	if got := len(f.EdgesFrom("a", "out")); got != 2 {
		t.Fatalf("EdgesFrom = %d edges, want 2", got)
	}
	into := f.EdgesInto("c")
	if len(into) != 1 || into[0].Source.NodeID != "a" {
		t.Fatalf("EdgesInto(c) = %+v", into)
	}
	if got := len(f.EdgesInto("a")); got != 0 {
		t.Fatalf("EdgesInto(a) = %d edges, want 0", got)
	}
}
