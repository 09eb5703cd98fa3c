package list

// List is a doubly linked list used internally by the pager's free,
// unpinned, and pinned page queues.
type List struct {
	head *Link
	tail *Link
}

// NewList creates an empty list.
func NewList() *List {
	return &List{head: nil, tail: nil}
}

// PeekHead returns a pointer to the head of the list.
func (list *List) PeekHead() *Link {
	return list.head
}

// PeekTail returns a pointer to the tail of the list.
func (list *List) PeekTail() *Link {
	return list.tail
}

// PushHead adds an element to the start of the list. Returns the added link.
func (list *List) PushHead(value interface{}) *Link {
	var node = &Link{list: list, next: list.head, value: value}
	if list.head != nil {
		list.head.prev = node
	}
	if list.tail == nil {
		list.tail = node
	}
	list.head = node
	return node
}

// PushTail adds an element to the end of the list. Returns the added link.
func (list *List) PushTail(value interface{}) *Link {
	var node = &Link{list: list, prev: list.tail, value: value}
	if list.tail != nil {
		list.tail.next = node
	}
	if list.head == nil {
		list.head = node
	}
	list.tail = node
	return node
}

// Find returns the first element for which f evaluates to true.
func (list *List) Find(f func(*Link) bool) *Link {
	for cur := list.head; cur != nil; cur = cur.next {
		if f(cur) {
			return cur
		}
	}
	return nil
}

// Map applies f to every element in the list. f should alter the Link in place.
func (list *List) Map(f func(*Link)) {
	for cur := list.head; cur != nil; cur = cur.next {
		f(cur)
	}
}

// Link is a single node of a List.
type Link struct {
	list  *List
	prev  *Link
	next  *Link
	value interface{}
}

// GetList returns the list that this link is a part of.
func (link *Link) GetList() *List {
	return link.list
}

// GetKey returns the link's value.
func (link *Link) GetKey() interface{} {
	return link.value
}

// SetKey sets the link's value.
func (link *Link) SetKey(value interface{}) {
	link.value = value
}

// GetPrev returns the link's predecessor.
func (link *Link) GetPrev() *Link {
	return link.prev
}

// GetNext returns the link's successor.
func (link *Link) GetNext() *Link {
	return link.next
}

// PopSelf removes this link from its list.
func (link *Link) PopSelf() {
	l := link.list
	if link.prev != nil {
		link.prev.next = link.next
	} else {
		l.head = link.next
	}
	if link.next != nil {
		link.next.prev = link.prev
	} else {
		l.tail = link.prev
	}
	link.prev = nil
	link.next = nil
}
