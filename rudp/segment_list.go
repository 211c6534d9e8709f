package rudp

type segmentList struct {
	head *segment
	tail *segment
}

func (l *segmentList) Reset() {
	l.head = nil
	l.tail = nil
}

func (l *segmentList) Empty() bool {
	return l.head == nil
}

func (l *segmentList) Front() *segment {
	return l.head
}

func (l *segmentList) Back() *segment {
	return l.tail
}

func (l *segmentList) PushFront(e *segment) {
	e.SetNext(l.head)
	e.SetPrev(nil)

	if l.head != nil {
		l.head.SetPrev(e)
	} else {
		l.tail = e
	}

	l.head = e
}

func (l *segmentList) PushBack(e *segment) {
	e.SetNext(nil)
	e.SetPrev(l.tail)

	if l.tail != nil {
		l.tail.SetNext(e)
	} else {
		l.head = e
	}

	l.tail = e
}

func (l *segmentList) Remove(e *segment) {
	prev := e.Prev()
	next := e.Next()

	if prev != nil {
		prev.SetNext(next)
	} else {
		l.head = next
	}

	if next != nil {
		next.SetPrev(prev)
	} else {
		l.tail = prev
	}
}

type segmentEntry struct {
	next *segment
	prev *segment
}

func (e *segmentEntry) Next() *segment {
	return e.next
}

func (e *segmentEntry) Prev() *segment {
	return e.prev
}

func (e *segmentEntry) SetNext(entry *segment) {
	e.next = entry
}

func (e *segmentEntry) SetPrev(entry *segment) {
	e.prev = entry
}
