package telemetry

// Window хранит скользящее окно фиксированной ёмкости. Новая запись вытесняет самую старую.
type Window[T any] struct {
	items    []T
	capacity int
}

func NewWindow[T any](capacity int) *Window[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Window[T]{
		items:    make([]T, 0, capacity),
		capacity: capacity,
	}
}

// Push добавляет элемент и сообщает, был ли вытеснен старейший.
func (w *Window[T]) Push(v T) bool {
	if len(w.items) < w.capacity {
		w.items = append(w.items, v)
		return false
	}
	copy(w.items, w.items[1:])
	w.items[len(w.items)-1] = v
	return true
}

func (w *Window[T]) Len() int { return len(w.items) }

func (w *Window[T]) Cap() int { return w.capacity }

// Items возвращает копию, от старых к новым.
func (w *Window[T]) Items() []T {
	out := make([]T, len(w.items))
	copy(out, w.items)
	return out
}
