package book

// BookStatus is the aggregate state of a book.
type BookStatus string

const (
	StatusProcessing      BookStatus = "processing"
	StatusCompleted       BookStatus = "completed"
	StatusPartiallyFailed BookStatus = "partially_failed"
	StatusFailed          BookStatus = "failed"
	StatusCancelled       BookStatus = "cancelled"
)

// IsTerminal reports whether the book will not change without user action.
func (s BookStatus) IsTerminal() bool {
	return s != StatusProcessing
}

// Aggregate derives a book status from its pages. It is a pure function of the
// multiset of page statuses:
//
//   - any cancelled page: cancelled
//   - every page ocr_done: completed
//   - any page not yet terminal: processing
//   - at least one failure and one success: partially_failed
//   - every page failed: failed
//
// A book without pages has not been extracted yet and is processing.
func Aggregate(pages []Page) BookStatus {
	if len(pages) == 0 {
		return StatusProcessing
	}

	var done, failed, cancelled, open int
	for _, p := range pages {
		switch {
		case p.Status == PageStatusCancelled:
			cancelled++
		case p.Status == PageStatusOcrDone:
			done++
		case p.Status.IsFailed():
			failed++
		default:
			open++
		}
	}

	switch {
	case cancelled > 0:
		return StatusCancelled
	case done == len(pages):
		return StatusCompleted
	case open > 0:
		return StatusProcessing
	case done > 0:
		return StatusPartiallyFailed
	default:
		return StatusFailed
	}
}
