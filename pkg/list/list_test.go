package list

import "testing"

func TestPushHeadAndTail(t *testing.T) {
	l := NewList()
	l.PushHead(1)
	l.PushTail(2)
	l.PushTail(3)
	if l.PeekHead().GetKey() != 1 {
		t.Fatalf("expected head 1, got %v", l.PeekHead().GetKey())
	}
	if l.PeekTail().GetKey() != 3 {
		t.Fatalf("expected tail 3, got %v", l.PeekTail().GetKey())
	}
}

func TestPopSelfMiddle(t *testing.T) {
	l := NewList()
	l.PushTail(1)
	mid := l.PushTail(2)
	l.PushTail(3)
	mid.PopSelf()
	var got []interface{}
	l.Map(func(link *Link) { got = append(got, link.GetKey()) })
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("unexpected list contents after middle pop: %v", got)
	}
}

func TestPopSelfHeadAndTail(t *testing.T) {
	l := NewList()
	l.PushTail(1)
	head := l.PeekHead()
	head.PopSelf()
	if l.PeekHead() != nil || l.PeekTail() != nil {
		t.Fatal("expected empty list after popping only element")
	}

	l2 := NewList()
	l2.PushTail(1)
	l2.PushTail(2)
	l2.PeekHead().PopSelf()
	if l2.PeekHead().GetKey() != 2 {
		t.Fatalf("expected new head 2, got %v", l2.PeekHead().GetKey())
	}
	l2.PeekTail().PopSelf()
	if l2.PeekHead() != nil || l2.PeekTail() != nil {
		t.Fatal("expected empty list after popping last element")
	}
}

func TestFind(t *testing.T) {
	l := NewList()
	l.PushTail("a")
	l.PushTail("b")
	found := l.Find(func(link *Link) bool { return link.GetKey() == "b" })
	if found == nil {
		t.Fatal("expected to find element")
	}
	if l.Find(func(link *Link) bool { return link.GetKey() == "c" }) != nil {
		t.Fatal("expected not to find missing element")
	}
}
