package detector

import "context"

// Batch is a run of consecutive session values handed to a Store.
type Batch struct {
	DetectorID    string
	Type          Type
	SecretKeyHash string

	// FirstSeq is the sequence number of Values[0].
	FirstSeq int
	Values   []string
}

// Store persists flushed session values. An error leaves the batch
// pending; it is offered again on the next flush.
type Store interface {
	Persist(ctx context.Context, b Batch) error
}
