// Package docstore reads and writes the flat structured documents that hold
// planq state: pretty-printed JSON documents replaced atomically on write, and
// append-only JSON-lines logs.
//
// Decoding is lenient. A document that is a JSON object is always accepted:
// fields with the wrong JSON kind are coerced when the intent is obvious
// (a quoted integer, a bare string where a list is expected) and dropped to
// their zero value otherwise, with every such repair reported to the caller.
// Keys the caller's type does not know about are preserved verbatim and
// written back after the known fields.
//
// Example:
//
//	var doc MyDoc
//	extra, repairs, err := docstore.DecodeLenient(raw, &doc)
//	if err != nil {
//		return err // not a JSON object at all
//	}
//	for _, r := range repairs {
//		log.Debug().Str("repair", r.String()).Msg("document repaired")
//	}
//
//	out, _ := docstore.MarshalObject(doc, extra)
//	changed, err := docstore.WriteIfChanged(path, out)
package docstore
