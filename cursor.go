package docstore

// Cursor is a lazy iterator over query results. The usage pattern follows
// database row iteration:
//
//	cur, err := store.Query(ctx, opts)
//	if err != nil { ... }
//	defer cur.Close()
//	for cur.Next() {
//		doc := cur.Doc()
//		...
//	}
//	if err := cur.Err(); err != nil { ... }
type Cursor interface {
	// Next advances to the next document, returning false at the end of
	// the result set or on error.
	Next() bool

	// Doc returns the current document. Only valid after Next returned true.
	Doc() Document

	// Err returns the error that terminated iteration, if any
	Err() error

	Close() error
}

// sliceCursor iterates over an in-memory result set
type sliceCursor struct {
	docs []Document
	pos  int
	cur  Document
}

func newSliceCursor(docs []Document) *sliceCursor {
	return &sliceCursor{docs: docs}
}

func (c *sliceCursor) Next() bool {
	if c.pos >= len(c.docs) {
		return false
	}
	c.cur = c.docs[c.pos]
	c.pos++
	return true
}

func (c *sliceCursor) Doc() Document { return c.cur }
func (c *sliceCursor) Err() error    { return nil }
func (c *sliceCursor) Close() error  { return nil }

// ReadAll drains a cursor into a slice and closes it
func ReadAll(cur Cursor) ([]Document, error) {
	defer cur.Close()

	var docs []Document
	for cur.Next() {
		docs = append(docs, cur.Doc())
	}
	return docs, cur.Err()
}
