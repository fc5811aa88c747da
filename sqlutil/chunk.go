package sqlutil

// Chunker is a slice that can report its length and hand out subslices, so
// bulk inserts can be split without the caller knowing the element type.
type Chunker interface {
	Len() int
	Subslice(i, j int) Chunker
}

// Chunkify splits entries into chunks small enough that one chunk's bind
// parameters fit in a single statement. numParamsPerStmt is how many
// parameters each entry contributes; maxParamsPerCall is the statement-wide
// cap (for Postgres, state.MaxPostgresParameters). Most batches fit in one
// chunk, which is returned as-is.
func Chunkify(numParamsPerStmt, maxParamsPerCall int, entries Chunker) []Chunker {
	if entries.Len()*numParamsPerStmt <= maxParamsPerCall {
		return []Chunker{entries}
	}
	var chunks []Chunker
	chunkSize := maxParamsPerCall / numParamsPerStmt
	for i := 0; i < entries.Len(); i += chunkSize {
		end := i + chunkSize
		if end > entries.Len() {
			end = entries.Len()
		}
		chunks = append(chunks, entries.Subslice(i, end))
	}
	return chunks
}
