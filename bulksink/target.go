package bulksink

// TargetTable names the table a bulk sink writes batches into. Name
// overrides whatever table bun would otherwise infer from T's
// `bun:"table:..."` struct tag; leave it empty to use that default.
type TargetTable struct {
	Name string
}
