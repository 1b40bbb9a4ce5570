package objreg

import "testing"

type fakeObject struct {
	kind string
	desc string
}

func (f fakeObject) Kind() string     { return f.kind }
func (f fakeObject) Describe() string { return f.desc }

func TestRegisterAndGet(t *testing.T) {
	r := New()
	oid := r.Register(fakeObject{"proxy", "listener:8443"})

	obj, ok := r.Get(oid)
	if !ok {
		t.Fatal("Get() did not find registered object")
	}
	if obj.Describe() != "listener:8443" {
		t.Errorf("Describe() = %q, want listener:8443", obj.Describe())
	}
}

func TestUnregister(t *testing.T) {
	r := New()
	oid := r.Register(fakeObject{"cx", "L"})

	r.Unregister(oid)

	if _, ok := r.Get(oid); ok {
		t.Error("Get() found object after Unregister()")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestListFiltersByKind(t *testing.T) {
	r := New()
	r.Register(fakeObject{"proxy", "p1"})
	r.Register(fakeObject{"cx", "c1"})
	r.Register(fakeObject{"cx", "c2"})

	all := r.List("")
	if len(all) != 3 {
		t.Fatalf("List(\"\") len = %d, want 3", len(all))
	}

	cxOnly := r.List("cx")
	if len(cxOnly) != 2 {
		t.Fatalf("List(\"cx\") len = %d, want 2", len(cxOnly))
	}
}

func TestDistinctOIDs(t *testing.T) {
	r := New()
	a := r.Register(fakeObject{"proxy", "a"})
	b := r.Register(fakeObject{"proxy", "b"})
	if a == b {
		t.Errorf("Register() returned duplicate oid %d", a)
	}
}
