// Package document defines the document model stored by docudb.
//
// A document has an opaque string ID, a hierarchical partition key and a set of
// typed fields. Field values use the closed [Value] variant:
//
//   - Null:   document.Null()
//   - Bool:   document.Bool(true)
//   - Int:    document.Int(42)
//   - Float:  document.Float(3.14)
//   - String: document.String("acme")
//   - Bytes:  document.Bytes([]byte{0x01})
//   - Array:  document.Array(document.Int(1), document.Int(2))
//   - Map:    document.Map(map[string]document.Value{"city": document.String("Berlin")})
//
// Example:
//
//	doc := &document.Document{
//	    ID:           "user-1",
//	    PartitionKey: document.Key(document.StringComponent("acme"), document.StringComponent("eu")),
//	    Fields: document.Fields{
//	        "name":  document.String("Ada"),
//	        "level": document.Int(42),
//	    },
//	}
//
// # Encoding
//
// Documents have a canonical binary encoding (map keys sorted) so that the same
// document always encodes to the same bytes. [Document.Size] is the length of
// that encoding and is what [MaxDocumentSize] limits.
//
// Partition keys have a separate order-preserving encoding ([PartitionKey.Encode])
// used by the router: byte order of encoded keys equals component order, and
// the encoding of a key prefix is a byte prefix of the full key's encoding.
package document
